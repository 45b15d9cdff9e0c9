package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/FreightLink/config"
	freightapi "github.com/BearBump/FreightLink/internal/api/freight_api"
	"github.com/BearBump/FreightLink/internal/app"
	"github.com/BearBump/FreightLink/internal/broker/kafka"
	"github.com/BearBump/FreightLink/internal/cache/rediscache"
	"github.com/BearBump/FreightLink/internal/invoices"
	"github.com/BearBump/FreightLink/internal/storage/pgfreight"
)

type freightAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   freightAPIOpts
	api    *freightapi.FreightAPI

	closers []func()
}

func mustBootstrapFreightAPI() *freightAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.FreightLink.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	requestedTopic := cfg.Kafka.StatusRequestedTopicName
	if requestedTopic == "" {
		requestedTopic = app.DefaultStatusRequestedTopic
	}

	st := mustOpenPostgresWithRetry(cfg.PostgresDSN(), 60*time.Second)
	rc := rediscache.New(cfg.RedisAddr(), "freightlink:")
	rl := rediscache.NewRateLimiter(cfg.RedisAddr())
	producer := kafka.NewProducer(cfg.KafkaBrokers())

	svcs, err := app.NewServices(cfg, app.Deps{
		Repo:      st,
		Cache:     rc,
		Limiter:   rl,
		Publisher: producer,
	})
	if err != nil {
		panic(err)
	}

	api := freightapi.New(svcs.Status, svcs.Sync, svcs.Subcontract, svcs.Events, svcs.Documents).
		WithAsyncStatus(producer, requestedTopic).
		WithRegistry(svcs.Registry)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &freightAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: freightAPIOpts{
			httpAddr:           httpAddr,
			swaggerPath:        swaggerPath,
			rateLimitPerMinute: cfg.FreightLink.APIRateLimitPerMinute,
			corsOrigins:        cfg.FreightLink.CORSAllowedOrigins,
		},
		api: api,
		closers: []func(){
			func() { _ = producer.Close() },
			func() { _ = rl.Close() },
			func() { _ = rc.Close() },
			st.Close,
		},
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgfreight.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgfreight.New(connString, invoices.DefaultRegistry())
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *freightAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for _, c := range a.closers {
		c()
	}
}

func (a *freightAPIApp) Run() error {
	return runFreightAPI(a.ctx, a.opts, a.api)
}

package main

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/BearBump/FreightLink/config"
	"github.com/BearBump/FreightLink/internal/app"
	"github.com/BearBump/FreightLink/internal/broker/kafka"
	"github.com/BearBump/FreightLink/internal/cache"
	"github.com/BearBump/FreightLink/internal/cache/rediscache"
	"github.com/BearBump/FreightLink/internal/invoices"
	"github.com/BearBump/FreightLink/internal/services/poller"
	"github.com/BearBump/FreightLink/internal/storage/pgfreight"
	"golang.org/x/sync/errgroup"
)

const defaultConsumerGroup = "freight-worker"

type statusConsumer interface {
	Consume(ctx context.Context, handler kafka.Handler) error
}

type workerFactories struct {
	newStorage     func(cfg *config.Config) (repo app.Repository, closeFn func(), err error)
	newProducer    func(cfg *config.Config) poller.Producer
	newRateLimiter func(cfg *config.Config) poller.RateLimiter
	newCache       func(cfg *config.Config) cache.BytesCache
	newConsumer    func(cfg *config.Config) (statusConsumer, func())
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (app.Repository, func(), error) {
			st, err := pgfreight.New(cfg.PostgresDSN(), invoices.DefaultRegistry())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) poller.Producer {
			return kafka.NewProducer(cfg.KafkaBrokers())
		},
		newRateLimiter: func(cfg *config.Config) poller.RateLimiter {
			return rediscache.NewRateLimiter(cfg.RedisAddr())
		},
		newCache: func(cfg *config.Config) cache.BytesCache {
			return rediscache.New(cfg.RedisAddr(), "freightlink:")
		},
		newConsumer: func(cfg *config.Config) (statusConsumer, func()) {
			topic := cfg.Kafka.StatusRequestedTopicName
			if topic == "" {
				topic = app.DefaultStatusRequestedTopic
			}
			group := cfg.FreightLink.KafkaConsumerGroup
			if group == "" {
				group = defaultConsumerGroup
			}
			c := kafka.NewConsumer(cfg.KafkaBrokers(), topic, group, kafka.WithHandlerRetries(3, 2*time.Second))
			return c, func() { _ = c.Close() }
		},
	}
}

func plannerConfig(cfg *config.Config) poller.PlannerConfig {
	fl := cfg.FreightLink
	return poller.PlannerConfig{
		IntervalMin: time.Duration(fl.SyncIntervalSeconds) * time.Second,
		IntervalMax: time.Duration(fl.SyncIntervalMaxSeconds) * time.Second,
		Backoff1:    time.Duration(fl.SyncBackoff1Seconds) * time.Second,
		Backoff2:    time.Duration(fl.SyncBackoff2Seconds) * time.Second,
		Backoff3:    time.Duration(fl.SyncBackoff3Seconds) * time.Second,
	}
}

// guardWindow is half the shortest scheduled interval, so a replica that
// starts late still skips the run another replica already did.
func guardWindow(pc poller.PlannerConfig) time.Duration {
	if pc.IntervalMin <= 0 {
		pc.IntervalMin = poller.DefaultPlannerConfig().IntervalMin
	}
	return pc.IntervalMin / 2
}

// RunFreightWorker runs the periodic sync, the status-request consumer and,
// when httpOpts has a swagger file, the ops HTTP server. The first one to
// fail stops the others.
func RunFreightWorker(ctx context.Context, cfg *config.Config, f workerFactories, httpOpts workerHTTPOpts) error {
	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)
	rl := f.newRateLimiter(cfg)
	bc := f.newCache(cfg)
	for _, c := range []any{producer, rl, bc} {
		if cl, ok := c.(io.Closer); ok {
			defer cl.Close()
		}
	}

	svcs, err := app.NewServices(cfg, app.Deps{
		Repo:      repo,
		Cache:     bc,
		Limiter:   rl,
		Publisher: producer,
	})
	if err != nil {
		return err
	}

	syncTopic := cfg.Kafka.SyncCompletedTopicName
	if syncTopic == "" {
		syncTopic = app.DefaultSyncCompletedTopic
	}
	pc := plannerConfig(cfg)
	p := poller.New(svcs.Sync, producer, rl, syncTopic).
		WithPlanner(pc).
		WithInitialDelay(time.Duration(cfg.FreightLink.SyncInitialDelaySeconds) * time.Second).
		WithClusterGuard(guardWindow(pc))

	// Проверяем отмену до запуска фоновых задач.
	if err := ctx.Err(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })

	if f.newConsumer != nil {
		consumer, closeConsumer := f.newConsumer(cfg)
		if closeConsumer != nil {
			defer closeConsumer()
		}
		g.Go(func() error {
			slog.Info("kafka consumer started", "topic", cfg.Kafka.StatusRequestedTopicName)
			return consumer.Consume(gctx, statusRequestHandler(svcs.Status))
		})
	}

	if httpOpts.swaggerPath != "" {
		httpOpts.poller = p
		httpOpts.cfg = cfg
		g.Go(func() error { return runWorkerHTTPServer(gctx, httpOpts) })
	} else {
		slog.Warn("worker swaggerPath not set, ops HTTP disabled")
	}

	return g.Wait()
}

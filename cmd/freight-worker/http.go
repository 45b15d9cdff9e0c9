package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/BearBump/FreightLink/config"
	"github.com/BearBump/FreightLink/internal/services/poller"
	"github.com/BearBump/FreightLink/internal/services/transitsync"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
)

const defaultWorkerHTTPAddr = ":8082"

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	poller *poller.Poller
	cfg    *config.Config
}

// opsHandlers serves the worker's operational endpoints.
type opsHandlers struct {
	poller *poller.Poller
	cfg    *config.Config
}

// syncSettings is what /config exposes. Credentials and the encryption
// secret are never part of it.
type syncSettings struct {
	IntervalSeconds     int    `json:"syncIntervalSeconds"`
	IntervalMaxSeconds  int    `json:"syncIntervalMaxSeconds"`
	InitialDelaySeconds int    `json:"syncInitialDelaySeconds"`
	Concurrency         int    `json:"syncConcurrency"`
	Backoff1Seconds     int    `json:"syncBackoff1Seconds"`
	Backoff2Seconds     int    `json:"syncBackoff2Seconds"`
	Backoff3Seconds     int    `json:"syncBackoff3Seconds"`
	TrackingPerMinute   int    `json:"trackingRateLimitPerMinute"`
	StatusRequested     string `json:"statusRequestedTopic"`
	SyncCompleted       string `json:"syncCompletedTopic"`
	VBlogConfigured     bool   `json:"vblogConfigured"`
	BrudamConfigured    bool   `json:"brudamConfigured"`
}

func settingsFrom(cfg *config.Config) syncSettings {
	fl := cfg.FreightLink
	return syncSettings{
		IntervalSeconds:     fl.SyncIntervalSeconds,
		IntervalMaxSeconds:  fl.SyncIntervalMaxSeconds,
		InitialDelaySeconds: fl.SyncInitialDelaySeconds,
		Concurrency:         fl.SyncConcurrency,
		Backoff1Seconds:     fl.SyncBackoff1Seconds,
		Backoff2Seconds:     fl.SyncBackoff2Seconds,
		Backoff3Seconds:     fl.SyncBackoff3Seconds,
		TrackingPerMinute:   fl.TrackingRateLimitPerMinute,
		StatusRequested:     cfg.Kafka.StatusRequestedTopicName,
		SyncCompleted:       cfg.Kafka.SyncCompletedTopicName,
		VBlogConfigured:     cfg.VBlog.BaseURL != "",
		BrudamConfigured:    cfg.Brudam.TrackingURL != "",
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h opsHandlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h opsHandlers) readyz(w http.ResponseWriter, _ *http.Request) {
	if h.poller == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h opsHandlers) stats(w http.ResponseWriter, _ *http.Request) {
	if h.poller == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "poller not wired"})
		return
	}
	writeJSON(w, http.StatusOK, h.poller.Stats())
}

func (h opsHandlers) config(w http.ResponseWriter, _ *http.Request) {
	if h.cfg == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "config not wired"})
		return
	}
	writeJSON(w, http.StatusOK, settingsFrom(h.cfg))
}

// trigger queues a sync for the run loop. With ?dry_run=true it syncs inline
// and returns the result without writing.
func (h opsHandlers) trigger(w http.ResponseWriter, r *http.Request) {
	if h.poller == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "poller not wired"})
		return
	}
	if dry, _ := strconv.ParseBool(r.URL.Query().Get("dry_run")); dry {
		writeJSON(w, http.StatusOK, h.poller.RunOnce(r.Context(), transitsync.Options{DryRun: true}))
		return
	}
	h.poller.Trigger()
	writeJSON(w, http.StatusOK, map[string]bool{"triggered": true})
}

func workerRouter(opts workerHTTPOpts) http.Handler {
	h := opsHandlers{poller: opts.poller, cfg: opts.cfg}

	r := chi.NewRouter()
	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Get("/stats", h.stats)
	r.Get("/config", h.config)
	r.Post("/trigger", h.trigger)

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, opts.swaggerPath)
	})
	docURL := "/swagger.json"
	if fi, err := os.Stat(opts.swaggerPath); err == nil {
		docURL = fmt.Sprintf("%s?v=%d", docURL, fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(docURL)))
	return r
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("workerSwaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); err != nil {
		return fmt.Errorf("worker swagger file: %w", err)
	}
	addr := opts.httpAddr
	if addr == "" {
		addr = defaultWorkerHTTPAddr
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: workerRouter(opts), ReadHeaderTimeout: 10 * time.Second}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(lis); err != http.ErrServerClosed {
		return err
	}
	<-stopped
	return ctx.Err()
}

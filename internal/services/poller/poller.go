// Package poller runs the open-transit sync on a schedule and on demand.
package poller

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/FreightLink/internal/broker/messages"
	"github.com/BearBump/FreightLink/internal/services/transitsync"
	"github.com/google/uuid"
)

const (
	guardKey             = "rl:transitsync"
	requestFailedWarning = "Request failed"
)

type Syncer interface {
	Sync(ctx context.Context, opts transitsync.Options) transitsync.Result
}

type Producer interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// windowReporter is optionally implemented by the limiter.
type windowReporter interface {
	Remaining(ctx context.Context, key string) (time.Duration, error)
}

type Poller struct {
	syncer   Syncer
	producer Producer
	rl       RateLimiter

	topic string

	planner *Planner

	initialDelay time.Duration
	guardWindow  time.Duration

	triggerCh chan struct{}
	runMu     sync.Mutex

	startedAtUnixNano   int64
	lastRunUnixNano     atomic.Int64
	nextRunUnixNano     atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalRuns           atomic.Int64
	totalFailures       atomic.Int64
	totalSkipped        atomic.Int64
	consecutiveFailures atomic.Int32
	running             atomic.Bool
	lastMu              sync.Mutex
	lastError           string
	lastResult          *transitsync.Result
}

func New(syncer Syncer, producer Producer, rl RateLimiter, topic string) *Poller {
	return &Poller{
		syncer:            syncer,
		producer:          producer,
		rl:                rl,
		topic:             topic,
		planner:           DefaultPlanner(),
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func DefaultPlanner() *Planner {
	return NewPlanner(DefaultPlannerConfig(), nil)
}

func (p *Poller) WithPlanner(cfg PlannerConfig) *Poller {
	p.planner = NewPlanner(cfg, nil)
	return p
}

// WithInitialDelay postpones the first scheduled run. Zero runs at start.
func (p *Poller) WithInitialDelay(d time.Duration) *Poller {
	if d >= 0 {
		p.initialDelay = d
	}
	return p
}

// WithClusterGuard lets only one replica sharing the limiter run a scheduled
// sync per window. Manual triggers bypass the guard.
func (p *Poller) WithClusterGuard(window time.Duration) *Poller {
	if window > 0 {
		p.guardWindow = window
	}
	return p
}

// Trigger forces an immediate sync (best-effort, non-blocking).
func (p *Poller) Trigger() {
	p.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt           time.Time           `json:"startedAt"`
	LastRunAt           *time.Time          `json:"lastRunAt,omitempty"`
	NextRunAt           *time.Time          `json:"nextRunAt,omitempty"`
	LastTriggerAt       *time.Time          `json:"lastTriggerAt,omitempty"`
	TotalRuns           int64               `json:"totalRuns"`
	TotalFailures       int64               `json:"totalFailures"`
	TotalSkipped        int64               `json:"totalSkipped"`
	ConsecutiveFailures int32               `json:"consecutiveFailures"`
	Running             bool                `json:"running"`
	LastError           string              `json:"lastError,omitempty"`
	LastResult          *transitsync.Result `json:"lastResult,omitempty"`
}

func (p *Poller) Stats() Stats {
	st := Stats{
		StartedAt:           time.Unix(0, p.startedAtUnixNano).UTC(),
		TotalRuns:           p.totalRuns.Load(),
		TotalFailures:       p.totalFailures.Load(),
		TotalSkipped:        p.totalSkipped.Load(),
		ConsecutiveFailures: p.consecutiveFailures.Load(),
		Running:             p.running.Load(),
	}
	st.LastRunAt = unixPtr(p.lastRunUnixNano.Load())
	st.NextRunAt = unixPtr(p.nextRunUnixNano.Load())
	st.LastTriggerAt = unixPtr(p.lastTriggerUnixNano.Load())

	p.lastMu.Lock()
	st.LastError = p.lastError
	if p.lastResult != nil {
		r := *p.lastResult
		st.LastResult = &r
	}
	p.lastMu.Unlock()
	return st
}

func unixPtr(n int64) *time.Time {
	if n <= 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}

func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTimer(p.initialDelay)
	defer t.Stop()
	p.nextRunUnixNano.Store(time.Now().UTC().Add(p.initialDelay).UnixNano())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.runOnce(ctx, true)
		case <-p.triggerCh:
			p.runOnce(ctx, false)
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		}

		d := p.planner.NextDelay(p.consecutiveFailures.Load())
		p.nextRunUnixNano.Store(time.Now().UTC().Add(d).UnixNano())
		t.Reset(d)
	}
}

// RunOnce performs a single sync outside the schedule.
func (p *Poller) RunOnce(ctx context.Context, opts transitsync.Options) transitsync.Result {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.sync(ctx, opts)
}

func (p *Poller) runOnce(ctx context.Context, scheduled bool) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if scheduled && !p.acquireGuard(ctx) {
		p.totalSkipped.Add(1)
		attrs := []any{}
		if wr, ok := p.rl.(windowReporter); ok {
			if left, err := wr.Remaining(ctx, guardKey); err == nil {
				attrs = append(attrs, "window_left", left.String())
			}
		}
		slog.Info("sync skipped, another replica holds the window", attrs...)
		return
	}
	p.sync(ctx, transitsync.Options{})
}

func (p *Poller) acquireGuard(ctx context.Context) bool {
	if p.rl == nil || p.guardWindow <= 0 {
		return true
	}
	ok, _, err := p.rl.Allow(ctx, guardKey, 1, p.guardWindow)
	if err != nil {
		// Redis недоступен: лучше синхронизировать дважды, чем ни разу.
		slog.Warn("sync guard unavailable", "error", err.Error())
		return true
	}
	return ok
}

func (p *Poller) sync(ctx context.Context, opts transitsync.Options) transitsync.Result {
	started := time.Now().UTC()
	p.lastRunUnixNano.Store(started.UnixNano())
	p.running.Store(true)
	defer p.running.Store(false)

	res := p.syncer.Sync(ctx, opts)
	p.totalRuns.Add(1)

	failed, reason := Failed(res)
	if failed {
		p.totalFailures.Add(1)
		n := p.consecutiveFailures.Add(1)
		slog.Error("sync run failed", "reason", reason, "consecutive", n)
	} else {
		p.consecutiveFailures.Store(0)
	}

	p.lastMu.Lock()
	p.lastResult = &res
	if failed {
		p.lastError = reason
	}
	p.lastMu.Unlock()

	p.publish(ctx, res, failed, opts.DryRun, started)
	return res
}

func (p *Poller) publish(ctx context.Context, res transitsync.Result, failed, dryRun bool, started time.Time) {
	if p.producer == nil || p.topic == "" || dryRun {
		return
	}
	msg := messages.SyncCompleted{
		RunID:      uuid.NewString(),
		Found:      res.Found,
		Created:    res.Created,
		Updated:    res.Updated,
		Errors:     len(res.Errors),
		Warnings:   res.Warnings,
		Failed:     failed,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	if err := p.producer.PublishJSON(ctx, p.topic, msg.RunID, msg); err != nil {
		slog.Warn("publish sync summary", "error", err.Error())
	}
}

// Failed reports whether res should count toward backoff: any per-key error
// or a provider request that never produced a response.
func Failed(res transitsync.Result) (bool, string) {
	if len(res.Errors) > 0 {
		return true, res.Errors[0].Key + ": " + res.Errors[0].Error
	}
	for _, w := range res.Warnings {
		if strings.HasPrefix(w, requestFailedWarning) {
			return true, w
		}
	}
	return false, ""
}

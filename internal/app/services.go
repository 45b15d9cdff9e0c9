// Package app assembles the workflow services from configuration. Both
// binaries build on it; infrastructure comes in through Deps so tests can
// replace it.
package app

import (
	"time"

	"github.com/BearBump/FreightLink/config"
	"github.com/BearBump/FreightLink/internal/attachments"
	"github.com/BearBump/FreightLink/internal/cache"
	"github.com/BearBump/FreightLink/internal/crypto"
	"github.com/BearBump/FreightLink/internal/integrations/brudam"
	"github.com/BearBump/FreightLink/internal/integrations/transport"
	"github.com/BearBump/FreightLink/internal/integrations/vblog"
	"github.com/BearBump/FreightLink/internal/invoices"
	"github.com/BearBump/FreightLink/internal/services/documents"
	"github.com/BearBump/FreightLink/internal/services/events"
	"github.com/BearBump/FreightLink/internal/services/status"
	"github.com/BearBump/FreightLink/internal/services/subcontract"
	"github.com/BearBump/FreightLink/internal/services/transitsync"
)

const (
	DefaultStatusChangedTopic   = "invoice.status.changed"
	DefaultStatusRequestedTopic = "invoice.status.requested"
	DefaultSyncCompletedTopic   = "transit.sync.completed"

	defaultAttachmentsDir  = "./data/attachments"
	defaultDocumentTTL     = 24 * time.Hour
	defaultEventsTTL       = 5 * time.Minute
	defaultTrackingPerMin  = 60
	defaultProviderTimeout = 30 * time.Second
)

// Repository is everything the services need from persistence.
// *pgfreight.Storage satisfies it.
type Repository interface {
	transitsync.Repository
	status.Repository
	subcontract.Repository
	events.Repository
	documents.Repository
}

type Deps struct {
	Repo      Repository
	Cache     cache.BytesCache
	Limiter   brudam.RateLimiter
	Publisher status.Publisher
}

type Services struct {
	Registry    *invoices.Registry
	VBlog       *vblog.Client
	Brudam      *brudam.Client
	Events      *events.Service
	Documents   *documents.Service
	Status      *status.Service
	Sync        *transitsync.Service
	Subcontract *subcontract.Service
}

func NewServices(cfg *config.Config, d Deps) (*Services, error) {
	fl := cfg.FreightLink

	cipher, err := crypto.NewAESGCM(fl.EncryptionSecret)
	if err != nil {
		return nil, err
	}
	reg := invoices.DefaultRegistry()

	vb := vblog.New(cfg.VBlog.BaseURL, cfg.VBlog.CNPJ, cfg.VBlog.Token,
		newTransport("vblog:"+cfg.VBlog.CNPJ, cfg.VBlog.TimeoutSeconds, cfg.VBlog.MaxAttempts, cfg.VBlog.Breaker)).
		WithDocumentCache(d.Cache, seconds(fl.DocumentCacheTTLSeconds, defaultDocumentTTL))

	perMin := int64(fl.TrackingRateLimitPerMinute)
	if perMin <= 0 {
		perMin = defaultTrackingPerMin
	}
	br := brudam.New(cfg.Brudam.TrackingURL, cfg.Brudam.User, cfg.Brudam.Password, cfg.Brudam.Client, reg,
		newTransport("brudam:"+cfg.Brudam.User, cfg.Brudam.TimeoutSeconds, cfg.Brudam.MaxAttempts, cfg.Brudam.Breaker)).
		WithRateLimit(d.Limiter, perMin)

	dir := fl.AttachmentsDir
	if dir == "" {
		dir = defaultAttachmentsDir
	}
	store, err := attachments.NewLocalStore(dir, fl.AttachmentsBaseURL)
	if err != nil {
		return nil, err
	}
	resolver := attachments.NewResolver(store, newTransport("attachments", 0, 1, false))

	ev := events.New(d.Repo, d.Cache, seconds(fl.EventsCacheTTLSeconds, defaultEventsTTL))

	topic := cfg.Kafka.StatusChangedTopicName
	if topic == "" {
		topic = DefaultStatusChangedTopic
	}
	st := status.New(d.Repo, br, ev, reg).
		WithAttachments(resolver).
		WithPublisher(d.Publisher, topic)

	return &Services{
		Registry:    reg,
		VBlog:       vb,
		Brudam:      br,
		Events:      ev,
		Documents:   documents.New(d.Repo, cipher),
		Status:      st,
		Sync:        transitsync.New(vb, d.Repo, cipher, reg).WithConcurrency(fl.SyncConcurrency),
		Subcontract: subcontract.New(d.Repo, vb, cipher),
	}, nil
}

func newTransport(account string, timeoutSeconds, maxAttempts int, breaker bool) *transport.Transport {
	opts := []transport.Option{transport.WithMaxAttempts(maxAttempts)}
	if breaker {
		opts = append(opts, transport.WithBreaker(account))
	}
	return transport.New(transport.SharedClient(account, seconds(timeoutSeconds, defaultProviderTimeout)), opts...)
}

func seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

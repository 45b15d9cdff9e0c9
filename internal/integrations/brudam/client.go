// Package brudam sends invoice tracking events to the Brudam tracking API.
package brudam

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/FreightLink/internal/integrations/transport"
	"github.com/BearBump/FreightLink/internal/invoices"
	"github.com/pkg/errors"
)

var ErrEndpointNotConfigured = errors.New("brudam tracking endpoint not configured")

const (
	DefaultDocumentType = "NFE"
	dateLayout          = "2006-01-02 15:04:05"
	rateLimitKey        = "rl:brudam:tracking"
)

// Attachment is one file embedded in a tracking event. Data is base64.
type Attachment struct {
	Name string
	Data string
}

type Event struct {
	DocumentKey  string
	Code         string
	Date         *time.Time
	Note         *string
	DocumentType string
	Attachments  []Attachment
}

type Sender interface {
	Send(ctx context.Context, url string, payload any, contentType, method string) transport.Result
}

// RateLimiter is satisfied by rediscache.RateLimiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Client struct {
	url      string
	user     string
	password string
	client   string
	reg      *invoices.Registry
	tr       Sender

	rl        RateLimiter
	rlLimit   int64
	rlWait    time.Duration
	rlRetries int
	sleep     func(time.Duration)
	now       func() time.Time
}

func New(url, user, password, client string, reg *invoices.Registry, tr Sender) *Client {
	if reg == nil {
		reg = invoices.DefaultRegistry()
	}
	return &Client{
		url:       url,
		user:      user,
		password:  password,
		client:    client,
		reg:       reg,
		tr:        tr,
		rlWait:    time.Second,
		rlRetries: 5,
		sleep:     time.Sleep,
		now:       time.Now,
	}
}

// WithRateLimit caps sends per minute across every process sharing the
// limiter. Over-budget sends are delayed, never dropped.
func (c *Client) WithRateLimit(rl RateLimiter, perMinute int64) *Client {
	if rl != nil && perMinute > 0 {
		c.rl = rl
		c.rlLimit = perMinute
	}
	return c
}

// Configured reports whether a tracking endpoint is set.
func (c *Client) Configured() bool { return c.url != "" }

type auth struct {
	User     string `json:"usuario"`
	Password string `json:"senha"`
}

type eventEntry struct {
	Code int    `json:"codigo"`
	Date string `json:"data"`
	Note string `json:"obs"`
}

type file struct {
	Name string `json:"nome"`
	Data string `json:"dados"`
}

type attachmentEntry struct {
	File file `json:"arquivo"`
}

type document struct {
	Client      string            `json:"cliente"`
	Type        string            `json:"tipo"`
	Key         string            `json:"chave"`
	Events      []eventEntry      `json:"eventos"`
	Attachments []attachmentEntry `json:"anexos,omitempty"`
}

type Payload struct {
	Auth      auth       `json:"auth"`
	Documents []document `json:"documentos"`
}

// BuildPayload validates the event code and renders the request body.
func (c *Client) BuildPayload(ev Event) (Payload, error) {
	info, ok := c.reg.Lookup(ev.Code)
	if !ok {
		return Payload{}, errors.Wrapf(invoices.ErrInvalidCode, "brudam event code %q", ev.Code)
	}
	code, err := strconv.Atoi(ev.Code)
	if err != nil {
		return Payload{}, errors.Wrapf(invoices.ErrInvalidCode, "brudam event code %q", ev.Code)
	}

	at := c.now()
	if ev.Date != nil {
		at = *ev.Date
	}
	note := info.Message
	if ev.Note != nil && *ev.Note != "" {
		note = *ev.Note
	}
	typ := ev.DocumentType
	if typ == "" {
		typ = DefaultDocumentType
	}

	doc := document{
		Client: c.client,
		Type:   typ,
		Key:    ev.DocumentKey,
		Events: []eventEntry{{Code: code, Date: at.Format(dateLayout), Note: note}},
	}
	for _, a := range ev.Attachments {
		doc.Attachments = append(doc.Attachments, attachmentEntry{File: file{Name: a.Name, Data: a.Data}})
	}

	return Payload{
		Auth:      auth{User: c.user, Password: c.password},
		Documents: []document{doc},
	}, nil
}

// Send posts one tracking event. err is only set for an invalid code or a
// missing endpoint; delivery failures come back as ok=false with the body.
func (c *Client) Send(ctx context.Context, ev Event) (bool, string, error) {
	payload, err := c.BuildPayload(ev)
	if err != nil {
		return false, "", err
	}
	if c.url == "" {
		return false, "", ErrEndpointNotConfigured
	}

	c.waitForBudget(ctx)

	slog.Debug("sending tracking event", "key", ev.DocumentKey, "code", ev.Code)
	res := c.tr.Send(ctx, c.url, payload, transport.ContentTypeJSON, http.MethodPost)
	if res.OK {
		slog.Info("tracking event sent", "key", ev.DocumentKey, "code", ev.Code)
	} else {
		slog.Warn("tracking event failed", "key", ev.DocumentKey, "code", ev.Code, "status", res.Status, "body", truncate(res.Body, 200))
	}
	return res.OK, res.Body, nil
}

func (c *Client) waitForBudget(ctx context.Context) {
	if c.rl == nil {
		return
	}
	for i := 0; i < c.rlRetries; i++ {
		ok, n, err := c.rl.Allow(ctx, rateLimitKey, c.rlLimit, time.Minute)
		if err != nil {
			// Limiter is advisory: Redis being down must not block tracking.
			slog.Warn("tracking rate limiter unavailable", "error", err.Error())
			return
		}
		if ok {
			return
		}
		slog.Debug("tracking rate limit reached, waiting", "count", n, "limit", c.rlLimit)
		if ctx.Err() != nil {
			return
		}
		c.sleep(c.rlWait)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

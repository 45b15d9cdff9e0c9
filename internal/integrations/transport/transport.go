package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	ContentTypeXML  = "application/xml"
	ContentTypeJSON = "application/json"

	DefaultMaxAttempts = 3
	DefaultTimeout     = 10 * time.Second
)

// Result of a Send. On exhausted retries OK is false, Body carries the last
// error message and Status is 0.
type Result struct {
	OK     bool
	Body   string
	Status int
}

type Transport struct {
	httpc       *http.Client
	maxAttempts int
	backoffUnit time.Duration
	sleep       func(time.Duration)
	breaker     *breaker
}

type Option func(*Transport)

func WithMaxAttempts(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

// WithBackoffUnit sets the per-attempt wait step (0.5s by default).
func WithBackoffUnit(d time.Duration) Option {
	return func(t *Transport) {
		if d >= 0 {
			t.backoffUnit = d
		}
	}
}

func WithSleep(fn func(time.Duration)) Option {
	return func(t *Transport) {
		if fn != nil {
			t.sleep = fn
		}
	}
}

// WithBreaker guards every attempt with a named circuit breaker.
func WithBreaker(name string) Option {
	return func(t *Transport) {
		t.breaker = newBreaker(name)
	}
}

func New(httpc *http.Client, opts ...Option) *Transport {
	if httpc == nil {
		httpc = &http.Client{Timeout: DefaultTimeout}
	}
	t := &Transport{
		httpc:       httpc,
		maxAttempts: DefaultMaxAttempts,
		backoffUnit: 500 * time.Millisecond,
		sleep:       time.Sleep,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

var (
	sharedMu      sync.Mutex
	sharedClients = map[string]*http.Client{}
)

// SharedClient returns the process-wide client for a provider account so that
// bursts of sequential calls reuse one connection pool. The timeout of the
// first caller wins.
func SharedClient(account string, timeout time.Duration) *http.Client {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if c, ok := sharedClients[account]; ok {
		return c
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &http.Client{Timeout: timeout}
	sharedClients[account] = c
	return c
}

type attempt struct {
	status int
	body   string
}

type serverError struct {
	status int
	body   string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, truncate(e.body, 500))
}

// Send posts payload to url. Strings and byte slices are sent as is; other
// payloads are JSON-encoded when contentType is JSON. 4xx responses are
// returned at once, 5xx and network faults are retried with linear backoff.
func (t *Transport) Send(ctx context.Context, url string, payload any, contentType, method string) Result {
	if method == "" {
		method = http.MethodPost
	}
	body, err := encodePayload(payload, contentType)
	if err != nil {
		return Result{OK: false, Body: err.Error(), Status: 0}
	}

	var lastErr error
	for i := 1; i <= t.maxAttempts; i++ {
		res, err := t.do(ctx, url, body, contentType, method)
		if err == nil {
			if res.status < 400 {
				return Result{OK: true, Body: res.body, Status: res.status}
			}
			slog.Warn("provider client error", "url", url, "status", res.status, "body", truncate(res.body, 200))
			return Result{OK: false, Body: res.body, Status: res.status}
		}

		var reqErr *requestError
		if errors.As(err, &reqErr) {
			return Result{OK: false, Body: err.Error(), Status: 0}
		}

		lastErr = err
		slog.Warn("provider request failed", "url", url, "attempt", i, "max_attempts", t.maxAttempts, "error", err.Error())
		if i < t.maxAttempts {
			t.sleep(time.Duration(i) * t.backoffUnit)
		}
	}

	msg := "max retries exceeded"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	slog.Error("provider request exhausted retries", "url", url, "attempts", t.maxAttempts, "error", msg)
	return Result{OK: false, Body: msg, Status: 0}
}

type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }

// do performs one attempt. 4xx and success come back as attempt values, 5xx
// and transport faults as errors so the breaker counts them.
func (t *Transport) do(ctx context.Context, url string, body []byte, contentType, method string) (attempt, error) {
	fn := func() (attempt, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return attempt{}, &requestError{err: errors.Wrap(err, "new request")}
		}
		req.Header.Set("Content-Type", contentType+"; charset=utf-8")
		req.Header.Set("Accept", contentType)

		resp, err := t.httpc.Do(req)
		if err != nil {
			return attempt{}, errors.Wrap(err, "do request")
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return attempt{}, errors.Wrap(err, "read body")
		}
		if resp.StatusCode >= 500 {
			return attempt{}, &serverError{status: resp.StatusCode, body: string(b)}
		}
		return attempt{status: resp.StatusCode, body: string(b)}, nil
	}

	if t.breaker == nil {
		return fn()
	}
	return t.breaker.execute(fn)
}

func encodePayload(payload any, contentType string) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	}
	if contentType != ContentTypeJSON {
		return nil, errors.Errorf("unsupported payload %T for %s", payload, contentType)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	return b, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

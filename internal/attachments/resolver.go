package attachments

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/BearBump/FreightLink/internal/integrations/transport"
)

// Input is one attachment as received from a caller: uploaded bytes, a
// base64 string or a URL to download.
type Input struct {
	Name   string
	Data   []byte
	Base64 string
}

// Resolved is ready to embed in a tracking event.
type Resolved struct {
	URL  string
	Data string
}

type Store interface {
	StoreBytes(ctx context.Context, data []byte, originalName string) (Stored, error)
	StoreBase64(ctx context.Context, encoded, originalName string) (Stored, error)
}

type Fetcher interface {
	Send(ctx context.Context, url string, payload any, contentType, method string) transport.Result
}

type Resolver struct {
	store Store
	fetch Fetcher
}

func NewResolver(store Store, fetch Fetcher) *Resolver {
	return &Resolver{store: store, fetch: fetch}
}

// Resolve saves every usable input and returns it base64-encoded. Inputs
// that cannot be decoded, fetched or stored are logged and skipped.
func (r *Resolver) Resolve(ctx context.Context, inputs []Input) []Resolved {
	out := make([]Resolved, 0, len(inputs))
	for _, in := range inputs {
		res, ok := r.resolveOne(ctx, in)
		if ok {
			out = append(out, res)
		}
	}
	return out
}

func (r *Resolver) resolveOne(ctx context.Context, in Input) (Resolved, bool) {
	switch {
	case len(in.Data) > 0:
		st, err := r.store.StoreBytes(ctx, in.Data, in.Name)
		if err != nil {
			slog.Warn("attachment skipped", "name", in.Name, "error", err.Error())
			return Resolved{}, false
		}
		return Resolved{URL: st.URL, Data: base64.StdEncoding.EncodeToString(in.Data)}, true

	case in.Base64 != "":
		st, err := r.store.StoreBase64(ctx, in.Base64, in.Name)
		if err != nil {
			slog.Warn("attachment skipped", "name", in.Name, "error", err.Error())
			return Resolved{}, false
		}
		return Resolved{URL: st.URL, Data: strings.TrimSpace(in.Base64)}, true

	case strings.HasPrefix(in.Name, "http://") || strings.HasPrefix(in.Name, "https://"):
		if r.fetch == nil {
			return Resolved{}, false
		}
		res := r.fetch.Send(ctx, in.Name, nil, "application/octet-stream", http.MethodGet)
		if !res.OK || res.Status >= 300 {
			slog.Warn("attachment download failed", "url", in.Name, "status", res.Status)
			return Resolved{}, false
		}
		data := []byte(res.Body)
		st, err := r.store.StoreBytes(ctx, data, path.Base(in.Name))
		if err != nil {
			slog.Warn("attachment skipped", "url", in.Name, "error", err.Error())
			return Resolved{}, false
		}
		return Resolved{URL: st.URL, Data: base64.StdEncoding.EncodeToString(data)}, true
	}
	return Resolved{}, false
}

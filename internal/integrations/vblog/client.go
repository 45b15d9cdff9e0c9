// Package vblog talks to the VBLOG document-exchange API: open-transit
// queries, CT-e downloads and subcontracted CT-e uploads.
package vblog

import (
	"context"
	"strings"
	"time"

	"github.com/BearBump/FreightLink/internal/cache"
	"github.com/BearBump/FreightLink/internal/integrations/transport"
	"github.com/pkg/errors"
)

var ErrEndpointNotConfigured = errors.New("vblog base url not configured")

const (
	transitPath  = "/Webapi/transito/aberto/v2"
	documentPath = "/Webapi/transito/cte/v2"
	uploadPath   = "/Webapi/envDocs/Upload/CTe"
)

// Sender is the retrying transport shared by all VBLOG calls of one account.
type Sender interface {
	Send(ctx context.Context, url string, payload any, contentType, method string) transport.Result
}

type Client struct {
	baseURL string
	cnpj    string
	token   string
	tr      Sender

	docCache    cache.BytesCache
	docCacheTTL time.Duration
}

func New(baseURL, cnpj, token string, tr Sender) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		cnpj:    cnpj,
		token:   token,
		tr:      tr,
	}
}

// WithDocumentCache enables cache-aside for downloaded CT-e XML. Authorized
// fiscal documents never change, so long TTLs are fine.
func (c *Client) WithDocumentCache(bc cache.BytesCache, ttl time.Duration) *Client {
	if bc != nil && ttl > 0 {
		c.docCache = bc
		c.docCacheTTL = ttl
	}
	return c
}

func (c *Client) endpoint(path string) (string, error) {
	if c.baseURL == "" {
		return "", ErrEndpointNotConfigured
	}
	return c.baseURL + path, nil
}

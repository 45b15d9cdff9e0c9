// Package transitsync pulls open transits from VBLOG and mirrors their CT-es
// as shipments and client documents.
package transitsync

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/BearBump/FreightLink/internal/crypto"
	"github.com/BearBump/FreightLink/internal/fiscal"
	"github.com/BearBump/FreightLink/internal/invoices"
	"github.com/BearBump/FreightLink/internal/models"
	"github.com/BearBump/FreightLink/internal/storage/pgfreight"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	ActionCreated     = "created"
	ActionUpdated     = "updated"
	ActionWouldCreate = "would_create"
	ActionWouldUpdate = "would_update"

	minKeyLength       = 20
	defaultConcurrency = 4
)

type Provider interface {
	QueryOpenTransits(ctx context.Context, returnType, transitStatus int) models.TransitQueryResult
	DownloadDocument(ctx context.Context, accessKey string) *string
}

type Repository interface {
	GetClientDocumentByKey(ctx context.Context, accessKey string) (*models.ClientDocument, error)
	MutateClientDocument(ctx context.Context, id uuid.UUID, fn func(*models.ClientDocument) error) (*models.ClientDocument, error)
	CreateShipmentWithDocument(ctx context.Context, status invoices.Status, doc *models.ClientDocument) (*models.Shipment, error)
}

type Options struct {
	DryRun bool
}

type Detail struct {
	Key          string     `json:"key"`
	Action       string     `json:"action"`
	ShipmentID   *uuid.UUID `json:"shipmentId,omitempty"`
	DocumentID   *uuid.UUID `json:"documentId,omitempty"`
	HasXML       bool       `json:"hasXml"`
	InvoiceCount int        `json:"invoiceCount"`
}

type KeyError struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

type Result struct {
	Found       int        `json:"found"`
	Created     int        `json:"created"`
	Updated     int        `json:"updated"`
	Details     []Detail   `json:"details"`
	Errors      []KeyError `json:"errors"`
	Warnings    []string   `json:"warnings"`
	Code        *int       `json:"code,omitempty"`
	Description *string    `json:"description,omitempty"`
}

type Service struct {
	provider    Provider
	repo        Repository
	cipher      crypto.Cipher
	reg         *invoices.Registry
	concurrency int
}

func New(provider Provider, repo Repository, cipher crypto.Cipher, reg *invoices.Registry) *Service {
	if reg == nil {
		reg = invoices.DefaultRegistry()
	}
	return &Service{
		provider:    provider,
		repo:        repo,
		cipher:      cipher,
		reg:         reg,
		concurrency: defaultConcurrency,
	}
}

// WithConcurrency bounds how many keys are downloaded and stored at once.
func (s *Service) WithConcurrency(n int) *Service {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

// Sync queries open transits and creates or refreshes one client document
// per CT-e key found. A failing key is reported in Result.Errors and never
// aborts the others.
func (s *Service) Sync(ctx context.Context, opts Options) Result {
	transits := s.provider.QueryOpenTransits(ctx, 0, 0)
	res := Result{
		Details:     []Detail{},
		Errors:      []KeyError{},
		Warnings:    append([]string{}, transits.Warnings...),
		Code:        transits.Code,
		Description: transits.Description,
	}

	keys := CollectKeys(transits.Transits)
	res.Found = len(keys)
	if len(transits.Transits) > 0 && len(keys) == 0 {
		res.Warnings = append(res.Warnings, "No CTe keys found in transits")
	}
	if len(keys) == 0 {
		return res
	}

	details := make([]*Detail, len(keys))
	errs := make([]error, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			d, err := s.syncKey(gctx, key, opts)
			details[i], errs[i] = d, err
			// per-key failures are collected, not propagated
			return nil
		})
	}
	_ = g.Wait()

	for i, key := range keys {
		if errs[i] != nil {
			slog.Error("sync cte", "key", key, "error", errs[i].Error())
			res.Errors = append(res.Errors, KeyError{Key: key, Error: errs[i].Error()})
			continue
		}
		d := details[i]
		switch d.Action {
		case ActionCreated:
			res.Created++
		case ActionUpdated:
			res.Updated++
		}
		res.Details = append(res.Details, *d)
	}

	slog.Info("sync finished", "found", res.Found, "created", res.Created, "updated", res.Updated, "errors", len(res.Errors), "dry_run", opts.DryRun)
	return res
}

func (s *Service) syncKey(ctx context.Context, key string, opts Options) (*Detail, error) {
	existing, err := s.repo.GetClientDocumentByKey(ctx, key)
	if err != nil && !errors.Is(err, pgfreight.ErrNotFound) {
		return nil, errors.Wrap(err, "lookup document")
	}

	xml := s.provider.DownloadDocument(ctx, key)
	if xml == nil {
		return nil, errors.New("CT-e XML could not be downloaded")
	}
	if !fiscal.IsCTe(*xml) {
		return nil, errors.New("downloaded document is not a CT-e")
	}
	nfeKeys := fiscal.ExtractNFeKeys(*xml)

	d := &Detail{Key: key, HasXML: true, InvoiceCount: len(nfeKeys)}

	if opts.DryRun {
		d.Action = ActionWouldCreate
		if existing != nil {
			d.Action = ActionWouldUpdate
			d.DocumentID = &existing.ID
			d.ShipmentID = &existing.ShipmentID
		}
		return d, nil
	}

	if existing != nil {
		doc, err := s.repo.MutateClientDocument(ctx, existing.ID, func(doc *models.ClientDocument) error {
			if err := doc.SetXML(s.cipher, *xml); err != nil {
				return err
			}
			doc.Invoices = doc.Invoices.Seed(s.reg, nfeKeys)
			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, "update document")
		}
		d.Action = ActionUpdated
		d.DocumentID = &doc.ID
		d.ShipmentID = &doc.ShipmentID
		d.InvoiceCount = len(doc.Invoices)
		return d, nil
	}

	doc := &models.ClientDocument{
		AccessKey: key,
		Invoices:  invoices.List{}.Seed(s.reg, nfeKeys),
	}
	if err := doc.SetXML(s.cipher, *xml); err != nil {
		return nil, err
	}
	sh, err := s.repo.CreateShipmentWithDocument(ctx, s.reg.PendingStatus(), doc)
	if err != nil {
		return nil, errors.Wrap(err, "create shipment")
	}
	d.Action = ActionCreated
	d.ShipmentID = &sh.ID
	d.DocumentID = &doc.ID
	return d, nil
}

// CollectKeys returns the sorted, de-duplicated CT-e keys referenced by the
// transits, either directly or inside inline XML documents.
func CollectKeys(transits []models.TransitRecord) []string {
	seen := map[string]struct{}{}
	for _, tr := range transits {
		for _, doc := range tr.Documents {
			if doc.Value == nil {
				continue
			}
			switch strings.ToLower(doc.Type) {
			case strings.ToLower(models.DocumentTypeCTeKey):
				if k := strings.TrimSpace(*doc.Value); len(k) >= minKeyLength {
					seen[k] = struct{}{}
				}
			case models.DocumentTypeXML:
				if k := fiscal.ExtractKey(*doc.Value, fiscal.TagCTeKey); k != nil {
					seen[*k] = struct{}{}
				}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

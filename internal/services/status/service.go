// Package status applies a status code to a shipment, forwards it to the
// tracking provider for every affected invoice and records the history.
package status

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/FreightLink/internal/attachments"
	"github.com/BearBump/FreightLink/internal/broker/messages"
	"github.com/BearBump/FreightLink/internal/integrations/brudam"
	"github.com/BearBump/FreightLink/internal/invoices"
	"github.com/BearBump/FreightLink/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const maxResponse = 500

type Repository interface {
	GetShipment(ctx context.Context, id uuid.UUID) (*models.Shipment, error)
	GetClientDocument(ctx context.Context, id uuid.UUID) (*models.ClientDocument, error)
	UpdateShipmentStatus(ctx context.Context, id uuid.UUID, status invoices.Status) error
	ListClientDocuments(ctx context.Context, shipmentID uuid.UUID) ([]*models.ClientDocument, error)
	MutateInvoices(ctx context.Context, id uuid.UUID, fn func(invoices.List) (invoices.List, error)) (*models.ClientDocument, error)
}

type Tracker interface {
	Configured() bool
	Send(ctx context.Context, ev brudam.Event) (bool, string, error)
}

type EventRecorder interface {
	Record(ctx context.Context, in models.TrackingEventCreateInput) (*models.TrackingEvent, error)
}

type AttachmentResolver interface {
	Resolve(ctx context.Context, inputs []attachments.Input) []attachments.Resolved
}

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

type Request struct {
	ShipmentID  uuid.UUID
	Code        string
	InvoiceKey  *string
	Note        *string
	Attachments []attachments.Input
}

type SendResult struct {
	Document uuid.UUID `json:"cte"`
	Invoice  string    `json:"nf"`
	OK       bool      `json:"ok"`
	Response *string   `json:"response"`
}

type Result struct {
	Status  invoices.Status `json:"status"`
	Results []SendResult    `json:"results"`
}

// ResendResult is the provider's answer to a resent event.
type ResendResult struct {
	Document uuid.UUID `json:"cte"`
	Code     string    `json:"code"`
	OK       bool      `json:"ok"`
	Response *string   `json:"response"`
}

type Service struct {
	repo      Repository
	tracker   Tracker
	events    EventRecorder
	resolver  AttachmentResolver
	publisher Publisher
	topic     string
	reg       *invoices.Registry
	now       func() time.Time
}

func New(repo Repository, tracker Tracker, events EventRecorder, reg *invoices.Registry) *Service {
	if reg == nil {
		reg = invoices.DefaultRegistry()
	}
	return &Service{
		repo:    repo,
		tracker: tracker,
		events:  events,
		reg:     reg,
		now:     time.Now,
	}
}

func (s *Service) WithAttachments(r AttachmentResolver) *Service {
	s.resolver = r
	return s
}

// WithPublisher announces every tracking send on topic.
func (s *Service) WithPublisher(p Publisher, topic string) *Service {
	if p != nil && topic != "" {
		s.publisher = p
		s.topic = topic
	}
	return s
}

// UpdateShipmentStatus validates the code before touching anything, then
// updates the shipment and each client document. Tracking sends are issued
// one invoice at a time so event history follows the provider's order.
func (s *Service) UpdateShipmentStatus(ctx context.Context, req Request) (Result, error) {
	st, err := s.reg.Status(strings.TrimSpace(req.Code))
	if err != nil {
		return Result{}, err
	}
	if !s.tracker.Configured() {
		return Result{}, brudam.ErrEndpointNotConfigured
	}

	if _, err := s.repo.GetShipment(ctx, req.ShipmentID); err != nil {
		return Result{}, err
	}
	if err := s.repo.UpdateShipmentStatus(ctx, req.ShipmentID, st); err != nil {
		return Result{}, errors.Wrap(err, "update shipment status")
	}

	var files []brudam.Attachment
	if s.resolver != nil && len(req.Attachments) > 0 {
		for _, r := range s.resolver.Resolve(ctx, req.Attachments) {
			files = append(files, brudam.Attachment{Name: r.URL, Data: r.Data})
		}
	}

	docs, err := s.repo.ListClientDocuments(ctx, req.ShipmentID)
	if err != nil {
		return Result{}, errors.Wrap(err, "list client documents")
	}

	var keys []string
	if req.InvoiceKey != nil {
		if k := strings.TrimSpace(*req.InvoiceKey); k != "" {
			keys = []string{k}
			req.InvoiceKey = &k
		} else {
			req.InvoiceKey = nil
		}
	}

	out := Result{Status: st, Results: []SendResult{}}
	for _, doc := range docs {
		results, err := s.applyToDocument(ctx, req, st, doc, keys, files)
		if err != nil {
			return out, err
		}
		out.Results = append(out.Results, results...)
	}

	slog.Info("shipment status updated", "shipment_id", req.ShipmentID.String(), "code", st.Code, "sends", len(out.Results))
	return out, nil
}

func (s *Service) applyToDocument(
	ctx context.Context,
	req Request,
	st invoices.Status,
	doc *models.ClientDocument,
	keys []string,
	files []brudam.Attachment,
) ([]SendResult, error) {
	var changed []invoices.Invoice
	_, err := s.repo.MutateInvoices(ctx, doc.ID, func(l invoices.List) (invoices.List, error) {
		next, ch, err := l.Update(s.reg, keys, st.Code)
		changed = ch
		return next, err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "update invoices of %s", doc.AccessKey)
	}

	description := st.Message
	if req.Note != nil && strings.TrimSpace(*req.Note) != "" {
		description = strings.TrimSpace(*req.Note)
	}
	at := s.now().UTC()

	results := make([]SendResult, 0, len(changed))
	for _, inv := range changed {
		ok, body, err := s.tracker.Send(ctx, brudam.Event{
			DocumentKey: inv.Key,
			Code:        st.Code,
			Date:        &at,
			Note:        req.Note,
			Attachments: files,
		})
		if err != nil {
			// configuration problems apply to every send; stop here
			return results, err
		}

		r := SendResult{Document: doc.ID, Invoice: inv.Key, OK: ok}
		if body != "" {
			b := truncate(body, maxResponse)
			r.Response = &b
		}
		results = append(results, r)

		if req.InvoiceKey != nil {
			key := inv.Key
			s.record(ctx, doc.ID, &key, st.Code, description, at)
		}
		s.publish(ctx, req.ShipmentID, doc, inv.Key, st, ok, body, at)
	}

	if req.InvoiceKey == nil {
		s.record(ctx, doc.ID, nil, st.Code, description, at)
	}
	return results, nil
}

// Resend sends code again for a client document, keyed by its own access
// key, and records the attempt whatever the provider answers. Invoice
// statuses are left alone.
func (s *Service) Resend(ctx context.Context, documentID uuid.UUID, code string) (ResendResult, error) {
	st, err := s.reg.Status(strings.TrimSpace(code))
	if err != nil {
		return ResendResult{}, err
	}
	if !s.tracker.Configured() {
		return ResendResult{}, brudam.ErrEndpointNotConfigured
	}
	doc, err := s.repo.GetClientDocument(ctx, documentID)
	if err != nil {
		return ResendResult{}, err
	}

	at := s.now().UTC()
	ok, body, err := s.tracker.Send(ctx, brudam.Event{DocumentKey: doc.AccessKey, Code: st.Code, Date: &at})
	if err != nil {
		return ResendResult{}, err
	}
	s.record(ctx, doc.ID, nil, st.Code, st.Message, at)

	out := ResendResult{Document: doc.ID, Code: st.Code, OK: ok}
	if body != "" {
		b := truncate(body, maxResponse)
		out.Response = &b
	}
	slog.Info("tracking resent", "key", doc.AccessKey, "code", st.Code, "ok", ok)
	return out, nil
}

func (s *Service) record(ctx context.Context, docID uuid.UUID, invoiceKey *string, code, description string, at time.Time) {
	if s.events == nil {
		return
	}
	_, err := s.events.Record(ctx, models.TrackingEventCreateInput{
		ClientDocumentID: docID,
		InvoiceKey:       invoiceKey,
		EventCode:        code,
		Description:      description,
		EventDate:        at,
	})
	if err != nil {
		slog.Error("record tracking event", "document_id", docID.String(), "code", code, "error", err.Error())
	}
}

func (s *Service) publish(ctx context.Context, shipmentID uuid.UUID, doc *models.ClientDocument, invoiceKey string, st invoices.Status, ok bool, body string, at time.Time) {
	if s.publisher == nil {
		return
	}
	msg := messages.InvoiceStatusChanged{
		ShipmentID:  shipmentID.String(),
		DocumentID:  doc.ID.String(),
		DocumentKey: doc.AccessKey,
		InvoiceKey:  invoiceKey,
		Code:        st.Code,
		Message:     st.Message,
		Type:        st.Type,
		Delivered:   ok,
		Response:    truncate(body, maxResponse),
		OccurredAt:  at,
	}
	if err := s.publisher.PublishJSON(ctx, s.topic, doc.AccessKey, msg); err != nil {
		slog.Warn("publish status change", "invoice", invoiceKey, "error", err.Error())
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

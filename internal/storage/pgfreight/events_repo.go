package pgfreight

import (
	"context"
	"time"

	"github.com/BearBump/FreightLink/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const maxEventDescription = 255

func (s *Storage) CreateTrackingEvent(ctx context.Context, in models.TrackingEventCreateInput) (*models.TrackingEvent, error) {
	now := time.Now().UTC()
	ev := &models.TrackingEvent{
		ID:               uuid.New(),
		ClientDocumentID: in.ClientDocumentID,
		InvoiceKey:       in.InvoiceKey,
		EventCode:        in.EventCode,
		Description:      in.Description,
		EventDate:        in.EventDate.UTC(),
		CreatedAt:        now,
	}
	if len(ev.Description) > maxEventDescription {
		ev.Description = ev.Description[:maxEventDescription]
	}
	if ev.EventDate.IsZero() {
		ev.EventDate = now
	}

	_, err := s.db.Exec(ctx, `
INSERT INTO tracking_events (id, client_document_id, invoice_key, event_code, description, event_date, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, ev.ID, ev.ClientDocumentID, ev.InvoiceKey, ev.EventCode, ev.Description, ev.EventDate, ev.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "insert tracking event")
	}
	return ev, nil
}

func (s *Storage) ListTrackingEvents(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*models.TrackingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, client_document_id, invoice_key, event_code, description, event_date, created_at
FROM tracking_events
WHERE client_document_id = $1
ORDER BY event_date DESC, created_at DESC
LIMIT $2 OFFSET $3
`, documentID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	out := []*models.TrackingEvent{}
	for rows.Next() {
		var e models.TrackingEvent
		if err := rows.Scan(&e.ID, &e.ClientDocumentID, &e.InvoiceKey, &e.EventCode, &e.Description, &e.EventDate, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

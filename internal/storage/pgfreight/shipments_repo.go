package pgfreight

import (
	"context"
	"time"

	"github.com/BearBump/FreightLink/internal/invoices"
	"github.com/BearBump/FreightLink/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) CreateShipment(ctx context.Context, status invoices.Status) (*models.Shipment, error) {
	now := time.Now().UTC()
	sh := &models.Shipment{ID: uuid.New(), Status: status, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.Exec(ctx, `
INSERT INTO shipments (id, status_code, status_message, status_type, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$5)
`, sh.ID, status.Code, status.Message, status.Type, now)
	if err != nil {
		return nil, errors.Wrap(err, "insert shipment")
	}
	return sh, nil
}

func (s *Storage) GetShipment(ctx context.Context, id uuid.UUID) (*models.Shipment, error) {
	var sh models.Shipment
	err := s.db.QueryRow(ctx, `
SELECT id, status_code, status_message, status_type, created_at, updated_at
FROM shipments
WHERE id = $1
`, id).Scan(&sh.ID, &sh.Status.Code, &sh.Status.Message, &sh.Status.Type, &sh.CreatedAt, &sh.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment")
	}
	return &sh, nil
}

func (s *Storage) UpdateShipmentStatus(ctx context.Context, id uuid.UUID, status invoices.Status) error {
	tag, err := s.db.Exec(ctx, `
UPDATE shipments
SET status_code = $2, status_message = $3, status_type = $4, updated_at = now()
WHERE id = $1
`, id, status.Code, status.Message, status.Type)
	if err != nil {
		return errors.Wrap(err, "update shipment status")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

package pgfreight

import (
	"context"
	"time"

	"github.com/BearBump/FreightLink/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const selectSubcontracted = `
SELECT
  id, shipment_id, access_key, xml_encrypted,
  upload_status_code, upload_status_description, upload_raw_response,
  upload_attempts, upload_received_at, created_at, updated_at
FROM subcontracted_documents
`

func scanSubcontracted(row pgx.Row) (*models.SubcontractedDocument, error) {
	var d models.SubcontractedDocument
	err := row.Scan(
		&d.ID, &d.ShipmentID, &d.AccessKey, &d.XMLEncrypted,
		&d.UploadStatusCode, &d.UploadStatusDescription, &d.UploadRawResponse,
		&d.UploadAttempts, &d.UploadReceivedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateSubcontracted inserts doc; an access key already on file yields
// ErrDuplicateKey.
func (s *Storage) CreateSubcontracted(ctx context.Context, doc *models.SubcontractedDocument) error {
	now := time.Now().UTC()
	doc.ID = uuid.New()
	doc.CreatedAt, doc.UpdatedAt = now, now

	_, err := s.db.Exec(ctx, `
INSERT INTO subcontracted_documents (
  id, shipment_id, access_key, xml_encrypted, upload_attempts, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$6)
`, doc.ID, doc.ShipmentID, doc.AccessKey, doc.XMLEncrypted, doc.UploadAttempts, now)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return errors.Wrap(err, "insert subcontracted document")
	}
	return nil
}

func (s *Storage) GetSubcontracted(ctx context.Context, id uuid.UUID) (*models.SubcontractedDocument, error) {
	d, err := scanSubcontracted(s.db.QueryRow(ctx, selectSubcontracted+`WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select subcontracted document")
	}
	return d, nil
}

func (s *Storage) GetSubcontractedByKey(ctx context.Context, accessKey string) (*models.SubcontractedDocument, error) {
	d, err := scanSubcontracted(s.db.QueryRow(ctx, selectSubcontracted+`WHERE access_key = $1`, accessKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select subcontracted document by key")
	}
	return d, nil
}

// SaveUploadOutcome persists the upload fields of doc. The attempt counter
// is written as given; callers increment it through RecordUpload.
func (s *Storage) SaveUploadOutcome(ctx context.Context, doc *models.SubcontractedDocument) error {
	err := s.db.QueryRow(ctx, `
UPDATE subcontracted_documents
SET
  upload_status_code = $2,
  upload_status_description = $3,
  upload_raw_response = COALESCE($4, upload_raw_response),
  upload_attempts = $5,
  upload_received_at = COALESCE($6, upload_received_at),
  updated_at = now()
WHERE id = $1
RETURNING updated_at
`, doc.ID, doc.UploadStatusCode, doc.UploadStatusDescription, doc.UploadRawResponse,
		doc.UploadAttempts, doc.UploadReceivedAt).Scan(&doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "update subcontracted upload")
	}
	return nil
}

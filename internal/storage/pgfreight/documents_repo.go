package pgfreight

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/FreightLink/internal/invoices"
	"github.com/BearBump/FreightLink/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const selectClientDocument = `
SELECT id, shipment_id, access_key, xml_encrypted, invoices, created_at, updated_at
FROM client_documents
`

func (s *Storage) scanClientDocument(row pgx.Row) (*models.ClientDocument, error) {
	var d models.ClientDocument
	var raw []byte
	if err := row.Scan(&d.ID, &d.ShipmentID, &d.AccessKey, &d.XMLEncrypted, &raw, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	list, err := invoices.DecodeList(raw, s.reg)
	if err != nil {
		return nil, err
	}
	d.Invoices = list
	return &d, nil
}

func encodeInvoices(l invoices.List) ([]byte, error) {
	if l == nil {
		l = invoices.List{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, errors.Wrap(err, "encode invoices")
	}
	return b, nil
}

func (s *Storage) GetClientDocument(ctx context.Context, id uuid.UUID) (*models.ClientDocument, error) {
	d, err := s.scanClientDocument(s.db.QueryRow(ctx, selectClientDocument+`WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select client document")
	}
	return d, nil
}

func (s *Storage) GetClientDocumentByKey(ctx context.Context, accessKey string) (*models.ClientDocument, error) {
	d, err := s.scanClientDocument(s.db.QueryRow(ctx, selectClientDocument+`WHERE access_key = $1`, accessKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select client document by key")
	}
	return d, nil
}

func (s *Storage) ListClientDocuments(ctx context.Context, shipmentID uuid.UUID) ([]*models.ClientDocument, error) {
	rows, err := s.db.Query(ctx, selectClientDocument+`WHERE shipment_id = $1 ORDER BY created_at, id`, shipmentID)
	if err != nil {
		return nil, errors.Wrap(err, "select client documents")
	}
	defer rows.Close()

	var out []*models.ClientDocument
	for rows.Next() {
		d, err := s.scanClientDocument(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan client document")
		}
		out = append(out, d)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// CreateShipmentWithDocument inserts a new shipment and its first client
// document in one transaction. doc.ID, ShipmentID and timestamps are set.
func (s *Storage) CreateShipmentWithDocument(ctx context.Context, status invoices.Status, doc *models.ClientDocument) (*models.Shipment, error) {
	inv, err := encodeInvoices(doc.Invoices)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sh := &models.Shipment{ID: uuid.New(), Status: status, CreatedAt: now, UpdatedAt: now}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO shipments (id, status_code, status_message, status_type, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$5)
`, sh.ID, status.Code, status.Message, status.Type, now)
	if err != nil {
		return nil, errors.Wrap(err, "insert shipment")
	}

	doc.ID = uuid.New()
	doc.ShipmentID = sh.ID
	doc.CreatedAt, doc.UpdatedAt = now, now
	_, err = tx.Exec(ctx, `
INSERT INTO client_documents (id, shipment_id, access_key, xml_encrypted, invoices, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$6)
`, doc.ID, doc.ShipmentID, doc.AccessKey, doc.XMLEncrypted, inv, now)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateKey
	}
	if err != nil {
		return nil, errors.Wrap(err, "insert client document")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return sh, nil
}

// AttachClientDocument adds a client document to an existing shipment.
func (s *Storage) AttachClientDocument(ctx context.Context, doc *models.ClientDocument) error {
	inv, err := encodeInvoices(doc.Invoices)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	doc.ID = uuid.New()
	doc.CreatedAt, doc.UpdatedAt = now, now

	_, err = s.db.Exec(ctx, `
INSERT INTO client_documents (id, shipment_id, access_key, xml_encrypted, invoices, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$6)
`, doc.ID, doc.ShipmentID, doc.AccessKey, doc.XMLEncrypted, inv, now)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return errors.Wrap(err, "insert client document")
	}
	return nil
}

// MutateClientDocument runs fn on the locked row and writes back its XML
// and invoices. Concurrent callers on the same document are serialized, so
// no update is lost between the read and the write.
func (s *Storage) MutateClientDocument(ctx context.Context, id uuid.UUID, fn func(*models.ClientDocument) error) (*models.ClientDocument, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, err := s.scanClientDocument(tx.QueryRow(ctx, selectClientDocument+`WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock client document")
	}

	if err := fn(d); err != nil {
		return nil, err
	}

	inv, err := encodeInvoices(d.Invoices)
	if err != nil {
		return nil, err
	}
	err = tx.QueryRow(ctx, `
UPDATE client_documents
SET xml_encrypted = $2, invoices = $3, updated_at = now()
WHERE id = $1
RETURNING updated_at
`, d.ID, d.XMLEncrypted, inv).Scan(&d.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "update client document")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return d, nil
}

// MutateInvoices applies fn to the invoice list of one document atomically.
func (s *Storage) MutateInvoices(ctx context.Context, id uuid.UUID, fn func(invoices.List) (invoices.List, error)) (*models.ClientDocument, error) {
	return s.MutateClientDocument(ctx, id, func(d *models.ClientDocument) error {
		next, err := fn(d.Invoices)
		if err != nil {
			return err
		}
		d.Invoices = next
		return nil
	})
}

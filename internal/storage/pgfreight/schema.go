package pgfreight

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS shipments (
  id UUID PRIMARY KEY,
  status_code VARCHAR(10) NOT NULL,
  status_message TEXT NOT NULL DEFAULT '',
  status_type VARCHAR(20) NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS client_documents (
  id UUID PRIMARY KEY,
  shipment_id UUID NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  access_key VARCHAR(60) NOT NULL UNIQUE,
  xml_encrypted BYTEA NULL,
  invoices JSONB NOT NULL DEFAULT '[]'::jsonb,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_client_documents_shipment_id ON client_documents(shipment_id)`,
		`
CREATE TABLE IF NOT EXISTS subcontracted_documents (
  id UUID PRIMARY KEY,
  shipment_id UUID NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  access_key VARCHAR(60) NOT NULL UNIQUE,
  xml_encrypted BYTEA NULL,
  upload_status_code VARCHAR(20) NULL,
  upload_status_description TEXT NULL,
  upload_raw_response TEXT NULL,
  upload_attempts INT NOT NULL DEFAULT 0,
  upload_received_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_subcontracted_documents_shipment_id ON subcontracted_documents(shipment_id)`,
		`
CREATE TABLE IF NOT EXISTS tracking_events (
  id UUID PRIMARY KEY,
  client_document_id UUID NOT NULL REFERENCES client_documents(id) ON DELETE CASCADE,
  invoice_key VARCHAR(60) NULL,
  event_code VARCHAR(10) NOT NULL,
  description VARCHAR(255) NOT NULL DEFAULT '',
  event_date TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_events_document_date ON tracking_events(client_document_id, event_date DESC)`,
		// Documents written before structured invoices stored NULL.
		`UPDATE client_documents SET invoices = '[]'::jsonb WHERE invoices IS NULL`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}

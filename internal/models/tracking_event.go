package models

import (
	"time"

	"github.com/google/uuid"
)

// TrackingEvent is the append-only audit record of one status transition.
// InvoiceKey nil means the event applies to every invoice of the document.
type TrackingEvent struct {
	ID               uuid.UUID `json:"id"`
	ClientDocumentID uuid.UUID `json:"clientDocumentId"`
	InvoiceKey       *string   `json:"invoiceKey,omitempty"`
	EventCode        string    `json:"eventCode"`
	Description      string    `json:"description"`
	EventDate        time.Time `json:"eventDate"`
	CreatedAt        time.Time `json:"createdAt"`
}

type TrackingEventCreateInput struct {
	ClientDocumentID uuid.UUID
	InvoiceKey       *string
	EventCode        string
	Description      string
	EventDate        time.Time
}

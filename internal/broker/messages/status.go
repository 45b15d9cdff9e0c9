package messages

import (
	"encoding/json"
	"time"
)

// InvoiceStatusChanged is published after every tracking send, successful
// or not.
type InvoiceStatusChanged struct {
	ShipmentID  string    `json:"shipment_id"`
	DocumentID  string    `json:"document_id"`
	DocumentKey string    `json:"document_key"`
	InvoiceKey  string    `json:"invoice_key"`
	Code        string    `json:"code"`
	Message     string    `json:"message,omitempty"`
	Type        string    `json:"type,omitempty"`
	Delivered   bool      `json:"delivered"`
	Response    string    `json:"response,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// StatusUpdateRequested asks the worker to apply a status change
// asynchronously. Status carries the same loosely typed value the HTTP
// endpoint accepts.
type StatusUpdateRequested struct {
	ShipmentID  string          `json:"shipment_id"`
	Status      json.RawMessage `json:"status"`
	InvoiceKey  *string         `json:"invoice_key,omitempty"`
	Note        *string         `json:"note,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
}

// Attachment is either Data (base64) or a URL in Name.
type Attachment struct {
	Name string `json:"name,omitempty"`
	Data string `json:"data,omitempty"`
}

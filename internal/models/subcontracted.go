package models

import (
	"time"

	"github.com/BearBump/FreightLink/internal/crypto"
	"github.com/google/uuid"
)

const (
	UploadStatusError = "ERROR"

	maxRawResponse = 2000
	maxDescription = 500
)

// SubcontractedDocument is a CT-e submitted by a subcontractor and forwarded
// to the document-exchange provider. UploadAttempts only grows.
type SubcontractedDocument struct {
	ID           uuid.UUID
	ShipmentID   uuid.UUID
	AccessKey    string
	XMLEncrypted []byte

	UploadStatusCode        *string
	UploadStatusDescription *string
	UploadRawResponse       *string
	UploadAttempts          int
	UploadReceivedAt        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (d *SubcontractedDocument) XML(c crypto.Cipher) *string {
	return decryptXML(c, d.XMLEncrypted)
}

func (d *SubcontractedDocument) SetXML(c crypto.Cipher, plaintext string) error {
	b, err := encryptXML(c, plaintext)
	if err != nil {
		return err
	}
	d.XMLEncrypted = b
	return nil
}

// RecordUpload stores the provider acknowledgement of one attempt.
func (d *SubcontractedDocument) RecordUpload(res UploadResult, at time.Time) {
	code := ""
	if res.Code != nil {
		code = *res.Code
	}
	desc := res.Message
	if res.Description != nil && *res.Description != "" && res.Succeeded {
		desc = *res.Description
	}
	raw := truncate(res.Raw, maxRawResponse)
	desc = truncate(desc, maxDescription)

	d.UploadStatusCode = &code
	d.UploadStatusDescription = &desc
	d.UploadRawResponse = &raw
	d.UploadAttempts++
	if res.Succeeded {
		t := at.UTC()
		d.UploadReceivedAt = &t
	}
}

// RecordUploadError stores a failed attempt that produced no acknowledgement.
func (d *SubcontractedDocument) RecordUploadError(err error) {
	code := UploadStatusError
	desc := truncate(err.Error(), maxDescription)
	d.UploadStatusCode = &code
	d.UploadStatusDescription = &desc
	d.UploadAttempts++
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

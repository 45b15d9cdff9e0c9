package models

import (
	"time"

	"github.com/BearBump/FreightLink/internal/crypto"
	"github.com/BearBump/FreightLink/internal/invoices"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Shipment struct {
	ID        uuid.UUID
	Status    invoices.Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClientDocument is a CT-e received from the client. AccessKey and
// ShipmentID never change after creation.
type ClientDocument struct {
	ID           uuid.UUID
	ShipmentID   uuid.UUID
	AccessKey    string
	XMLEncrypted []byte
	Invoices     invoices.List
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (d *ClientDocument) XML(c crypto.Cipher) *string {
	return decryptXML(c, d.XMLEncrypted)
}

func (d *ClientDocument) SetXML(c crypto.Cipher, plaintext string) error {
	b, err := encryptXML(c, plaintext)
	if err != nil {
		return err
	}
	d.XMLEncrypted = b
	return nil
}

func decryptXML(c crypto.Cipher, b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	out := c.Decrypt(b)
	if out == nil {
		return nil
	}
	s := string(out)
	return &s
}

func encryptXML(c crypto.Cipher, plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	b, err := c.Encrypt([]byte(plaintext))
	if err != nil {
		return nil, errors.Wrap(err, "encrypt xml")
	}
	return b, nil
}

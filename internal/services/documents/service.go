// Package documents serves client CT-es and their decrypted XML.
package documents

import (
	"context"

	"github.com/BearBump/FreightLink/internal/crypto"
	"github.com/BearBump/FreightLink/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrNoXML = errors.New("cte has no stored xml")

type Repository interface {
	GetClientDocument(ctx context.Context, id uuid.UUID) (*models.ClientDocument, error)
}

type Service struct {
	repo   Repository
	cipher crypto.Cipher
}

func New(repo Repository, cipher crypto.Cipher) *Service {
	return &Service{repo: repo, cipher: cipher}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.ClientDocument, error) {
	return s.repo.GetClientDocument(ctx, id)
}

// XML returns the decrypted document. A document whose ciphertext no longer
// opens under the current secret counts as having no XML.
func (s *Service) XML(ctx context.Context, id uuid.UUID) (*models.ClientDocument, string, error) {
	doc, err := s.repo.GetClientDocument(ctx, id)
	if err != nil {
		return nil, "", err
	}
	xml := doc.XML(s.cipher)
	if xml == nil {
		return doc, "", errors.Wrapf(ErrNoXML, "cte %s", doc.ID)
	}
	return doc, *xml, nil
}

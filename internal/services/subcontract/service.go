// Package subcontract stores CT-es issued by subcontractors for a shipment
// and registers them with VBLOG.
package subcontract

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/FreightLink/internal/crypto"
	"github.com/BearBump/FreightLink/internal/fiscal"
	"github.com/BearBump/FreightLink/internal/models"
	"github.com/BearBump/FreightLink/internal/storage/pgfreight"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrEmptyXML   = errors.New("xml is empty")
	ErrMissingKey = errors.New("chCTe not found in xml")
	ErrNoXML      = errors.New("document has no stored xml")
)

type Repository interface {
	GetShipment(ctx context.Context, id uuid.UUID) (*models.Shipment, error)
	GetSubcontracted(ctx context.Context, id uuid.UUID) (*models.SubcontractedDocument, error)
	GetSubcontractedByKey(ctx context.Context, accessKey string) (*models.SubcontractedDocument, error)
	CreateSubcontracted(ctx context.Context, doc *models.SubcontractedDocument) error
	SaveUploadOutcome(ctx context.Context, doc *models.SubcontractedDocument) error
}

type Uploader interface {
	UploadDocuments(ctx context.Context, documents []string) (models.UploadResult, error)
}

type Outcome struct {
	Document *models.SubcontractedDocument `json:"-"`
	Upload   models.UploadResult          `json:"upload"`
}

type Service struct {
	repo     Repository
	uploader Uploader
	cipher   crypto.Cipher
	now      func() time.Time
}

func New(repo Repository, uploader Uploader, cipher crypto.Cipher) *Service {
	return &Service{repo: repo, uploader: uploader, cipher: cipher, now: time.Now}
}

// Submit stores xml under shipmentID and performs the first upload. The
// document is persisted even when the upload fails so it can be retried.
func (s *Service) Submit(ctx context.Context, shipmentID uuid.UUID, xml string) (Outcome, error) {
	if strings.TrimSpace(xml) == "" {
		return Outcome{}, ErrEmptyXML
	}
	key := fiscal.ExtractKey(xml, fiscal.TagCTeKey)
	if key == nil {
		return Outcome{}, ErrMissingKey
	}

	if _, err := s.repo.GetShipment(ctx, shipmentID); err != nil {
		return Outcome{}, err
	}
	_, err := s.repo.GetSubcontractedByKey(ctx, *key)
	switch {
	case err == nil:
		return Outcome{}, pgfreight.ErrDuplicateKey
	case !errors.Is(err, pgfreight.ErrNotFound):
		return Outcome{}, err
	}

	doc := &models.SubcontractedDocument{ShipmentID: shipmentID, AccessKey: *key}
	if err := doc.SetXML(s.cipher, xml); err != nil {
		return Outcome{}, err
	}
	if err := s.repo.CreateSubcontracted(ctx, doc); err != nil {
		return Outcome{}, err
	}
	slog.Info("subcontracted cte stored", "shipment_id", shipmentID.String(), "key", doc.AccessKey)

	return s.upload(ctx, doc, xml)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.SubcontractedDocument, error) {
	return s.repo.GetSubcontracted(ctx, id)
}

// Retry uploads a stored document again.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (Outcome, error) {
	doc, err := s.repo.GetSubcontracted(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	xml := doc.XML(s.cipher)
	if xml == nil {
		return Outcome{}, ErrNoXML
	}
	return s.upload(ctx, doc, *xml)
}

func (s *Service) upload(ctx context.Context, doc *models.SubcontractedDocument, xml string) (Outcome, error) {
	res, upErr := s.uploader.UploadDocuments(ctx, []string{xml})
	if upErr != nil {
		doc.RecordUploadError(upErr)
	} else {
		doc.RecordUpload(res, s.now())
	}

	if err := s.repo.SaveUploadOutcome(ctx, doc); err != nil {
		return Outcome{}, errors.Wrap(err, "save upload outcome")
	}
	if upErr != nil {
		slog.Error("subcontracted upload", "key", doc.AccessKey, "attempts", doc.UploadAttempts, "error", upErr.Error())
		return Outcome{Document: doc}, upErr
	}
	slog.Info("subcontracted upload", "key", doc.AccessKey, "attempts", doc.UploadAttempts, "succeeded", res.Succeeded)
	return Outcome{Document: doc, Upload: res}, nil
}

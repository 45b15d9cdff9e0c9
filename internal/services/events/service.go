// Package events records and serves the tracking-event history of client
// documents with a read-through cache on the first page.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/FreightLink/internal/cache"
	"github.com/BearBump/FreightLink/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const DefaultPageSize = 100

type Repository interface {
	GetClientDocument(ctx context.Context, id uuid.UUID) (*models.ClientDocument, error)
	CreateTrackingEvent(ctx context.Context, in models.TrackingEventCreateInput) (*models.TrackingEvent, error)
	ListTrackingEvents(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*models.TrackingEvent, error)
}

type Service struct {
	repo  Repository
	cache cache.BytesCache
	ttl   time.Duration
}

func New(repo Repository, c cache.BytesCache, ttl time.Duration) *Service {
	return &Service{repo: repo, cache: c, ttl: ttl}
}

func (s *Service) cached() bool { return s.cache != nil && s.ttl > 0 }

func firstPageKey(documentID uuid.UUID) string {
	return "events:" + documentID.String() + ":head"
}

// Record appends an event and drops the cached first page of its document.
func (s *Service) Record(ctx context.Context, in models.TrackingEventCreateInput) (*models.TrackingEvent, error) {
	if in.ClientDocumentID == uuid.Nil {
		return nil, errors.New("client document id is required")
	}
	if in.EventCode == "" {
		return nil, errors.New("event code is required")
	}
	ev, err := s.repo.CreateTrackingEvent(ctx, in)
	if err != nil {
		return nil, err
	}
	if s.cached() {
		if err := s.cache.Delete(ctx, firstPageKey(in.ClientDocumentID)); err != nil {
			slog.Warn("invalidate events cache", "document_id", in.ClientDocumentID.String(), "error", err.Error())
		}
	}
	return ev, nil
}

// List returns events newest first. Only the default first page is cached;
// the cache is best effort and never fails the call.
func (s *Service) List(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*models.TrackingEvent, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	head := limit == DefaultPageSize && offset <= 0

	if head && s.cached() {
		if b, ok, err := s.cache.Get(ctx, firstPageKey(documentID)); err == nil && ok {
			var out []*models.TrackingEvent
			if json.Unmarshal(b, &out) == nil {
				return out, nil
			}
		}
	}

	if _, err := s.repo.GetClientDocument(ctx, documentID); err != nil {
		return nil, err
	}
	out, err := s.repo.ListTrackingEvents(ctx, documentID, limit, offset)
	if err != nil {
		return nil, err
	}

	if head && s.cached() {
		if b, err := json.Marshal(out); err == nil {
			_ = s.cache.Set(ctx, firstPageKey(documentID), b, s.ttl)
		}
	}
	return out, nil
}

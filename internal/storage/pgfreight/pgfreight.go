// Package pgfreight is the Postgres persistence gateway for shipments,
// client and subcontracted CT-es and their tracking events.
package pgfreight

import (
	"context"

	"github.com/BearBump/FreightLink/internal/invoices"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate access key")
)

const uniqueViolation = "23505"

type Storage struct {
	db  *pgxpool.Pool
	reg *invoices.Registry
}

// New connects and applies the schema. reg decides the status given to
// invoices stored in the legacy plain-key form; nil means the default table.
func New(connString string, reg *invoices.Registry) (*Storage, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse pg config")
	}

	db, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect pg")
	}

	if reg == nil {
		reg = invoices.DefaultRegistry()
	}
	s := &Storage{db: db, reg: reg}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return errors.Wrap(err, "ping pg")
	}
	return nil
}

func (s *Storage) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

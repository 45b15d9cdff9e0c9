// Package attachments persists proof-of-delivery files and turns the
// different ways callers hand them in into base64 payloads.
package attachments

import (
	"context"
	"encoding/base64"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Stored describes a saved file.
type Stored struct {
	Name string
	Path string
	URL  string
}

// LocalStore writes files under dir and serves them from baseURL.
type LocalStore struct {
	dir     string
	baseURL string
}

func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if dir == "" {
		return nil, errors.New("attachments dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create attachments dir")
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// StoreBytes saves data under a fresh name keeping the extension of
// originalName, if any.
func (s *LocalStore) StoreBytes(_ context.Context, data []byte, originalName string) (Stored, error) {
	name := uuid.NewString() + extension(originalName)
	p := filepath.Join(s.dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return Stored{}, errors.Wrap(err, "write attachment")
	}
	return Stored{Name: name, Path: p, URL: s.baseURL + "/" + name}, nil
}

// StoreBase64 decodes standard base64 and saves the result.
func (s *LocalStore) StoreBase64(ctx context.Context, encoded, originalName string) (Stored, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return Stored{}, errors.Wrap(err, "decode attachment")
	}
	return s.StoreBytes(ctx, data, originalName)
}

func extension(name string) string {
	if name == "" {
		return ".bin"
	}
	ext := strings.ToLower(path.Ext(path.Base(name)))
	if ext == "" || len(ext) > 8 || strings.ContainsAny(ext, `/\?#&`) {
		return ".bin"
	}
	return ext
}

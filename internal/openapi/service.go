// Package openapi serves the manager's API description. The document is
// checked in at docs/openapi.json; it is validated on first load and cached
// until the file changes on disk.
package openapi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

const defaultDocPath = "docs/openapi.json"

// DocumentProvider exposes the API description document.
type DocumentProvider interface {
	Document(ctx context.Context) ([]byte, error)
}

// Service loads, validates, and caches the OpenAPI document.
type Service struct {
	docPath string

	mu    sync.Mutex
	cache *cacheEntry
}

type cacheEntry struct {
	raw     []byte
	modTime time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithDocPath overrides the document location.
func WithDocPath(path string) Option {
	return func(s *Service) {
		if path != "" {
			s.docPath = path
		}
	}
}

// NewService constructs a Service with optional overrides.
func NewService(opts ...Option) *Service {
	s := &Service{docPath: filepath.FromSlash(defaultDocPath)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Document returns the OpenAPI document in JSON form. The document is
// re-read and re-validated when its modification time changes.
func (s *Service) Document(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.docPath)
	if err != nil {
		return nil, fmt.Errorf("stat document: %w", err)
	}

	if s.cache != nil && info.ModTime().Equal(s.cache.modTime) {
		return clone(s.cache.raw), nil
	}

	raw, err := os.ReadFile(s.docPath)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromData(raw)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate document: %w", err)
	}

	s.cache = &cacheEntry{raw: clone(raw), modTime: info.ModTime()}
	return clone(raw), nil
}

func clone(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

package document

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// BlobScheme prefixes every object URL.
const BlobScheme = "blob:"

// Blob is the content behind an object URL.
type Blob struct {
	Data        []byte
	ContentType string
}

// BlobStore maps object URLs to in-memory content. URLs stay resolvable
// until revoked; the store never evicts on its own.
type BlobStore struct {
	origin string

	mu      sync.RWMutex
	entries map[string]Blob
}

// NewBlobStore creates a store whose URLs carry origin, matching the
// "blob:<origin>/<uuid>" form.
func NewBlobStore(origin string) *BlobStore {
	if origin == "" {
		origin = "null"
	}
	return &BlobStore{origin: origin, entries: make(map[string]Blob)}
}

// CreateObjectURL registers data and returns a fresh URL for it. The data
// slice is retained, not copied.
func (s *BlobStore) CreateObjectURL(data []byte, contentType string) string {
	u := BlobScheme + s.origin + "/" + uuid.NewString()

	s.mu.Lock()
	s.entries[u] = Blob{Data: data, ContentType: contentType}
	s.mu.Unlock()
	return u
}

// RevokeObjectURL releases u. Revoking an unknown URL is a no-op.
func (s *BlobStore) RevokeObjectURL(u string) {
	s.mu.Lock()
	delete(s.entries, u)
	s.mu.Unlock()
}

// Resolve returns the blob behind u.
func (s *BlobStore) Resolve(u string) (Blob, bool) {
	s.mu.RLock()
	b, ok := s.entries[u]
	s.mu.RUnlock()
	return b, ok
}

// Len returns the number of live object URLs.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// IsBlobURL reports whether u is an object URL.
func IsBlobURL(u string) bool {
	return strings.HasPrefix(u, BlobScheme)
}

package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/opencontainers/go-digest"
)

type memoryBlob struct {
	ref  Ref
	data []byte
}

// MemoryStore keeps blobs in memory. It is used in tests and for ephemeral servers.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[digest.Digest]*memoryBlob
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[digest.Digest]*memoryBlob)}
}

// Create stores a copy of src under the digest
func (s *MemoryStore) Create(_ context.Context, ref *Ref, src *os.File) error {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind spooled artifact: %w", err)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("failed to read spooled artifact: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[ref.Digest]; ok {
		return ErrExists
	}

	ref.Location = "memory://" + ref.Digest.String()
	s.blobs[ref.Digest] = &memoryBlob{ref: *ref, data: data}
	return nil
}

// Stat returns the stored ref for a digest
func (s *MemoryStore) Stat(_ context.Context, d digest.Digest) (*Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[d]
	if !ok {
		return nil, ErrNotFound
	}
	ref := blob.ref
	return &ref, nil
}

// Open returns a reader over the blob contents
func (s *MemoryStore) Open(_ context.Context, d digest.Digest) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[d]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(blob.data)), nil
}

// Len returns the number of stored blobs
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

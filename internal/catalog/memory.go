package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stacklok/collection-registry/internal/telemetry"
)

type collectionKey struct {
	repository string
	namespace  string
	name       string
}

// MemoryStore is an in-memory Store. A store opened with OpenMemoryStore also
// writes every change to a snapshot file.
type MemoryStore struct {
	mu           sync.RWMutex
	collections  map[collectionKey][]*PackageVersion
	metrics      *telemetry.CatalogMetrics
	now          func() time.Time
	snapshotPath string
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithMemoryMetrics sets the catalog metrics
func WithMemoryMetrics(m *telemetry.CatalogMetrics) MemoryOption {
	return func(s *MemoryStore) {
		s.metrics = m
	}
}

// NewMemoryStore creates an empty in-memory catalog
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		collections: make(map[collectionKey][]*PackageVersion),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

// AddVersion implements Store
func (s *MemoryStore) AddVersion(ctx context.Context, pv *PackageVersion) (*PackageVersion, bool, error) {
	if err := validate(pv); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := collectionKey{pv.Repository, pv.Namespace, pv.Name}
	group := s.collections[key]
	for _, existing := range group {
		if existing.Version != pv.Version {
			continue
		}
		if existing.ArtifactDigest != pv.ArtifactDigest {
			return nil, false, conflictErr(existing, pv)
		}
		return existing.Clone(), false, nil
	}

	stored := pv.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	next := make([]*PackageVersion, 0, len(group)+1)
	for _, existing := range group {
		next = append(next, existing.Clone())
	}
	next = append(next, stored)
	s.collections[key] = resolveGroup(ctx, s.metrics, next)
	if err := s.persistLocked(); err != nil {
		s.restoreLocked(key, group)
		return nil, false, err
	}
	s.metrics.RecordVersionAdded(ctx, pv.Repository)

	return stored.Clone(), true, nil
}

// GetVersion implements Store
func (s *MemoryStore) GetVersion(_ context.Context, repository, namespace, name, version string) (*PackageVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, pv := range s.collections[collectionKey{repository, namespace, name}] {
		if pv.Version == version {
			return pv.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// ListVersions implements Store
func (s *MemoryStore) ListVersions(_ context.Context, repository, namespace, name string) ([]*PackageVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	group := s.collections[collectionKey{repository, namespace, name}]
	out := make([]*PackageVersion, 0, len(group))
	for _, pv := range group {
		out = append(out, pv.Clone())
	}
	return out, nil
}

// ListRepository implements Store
func (s *MemoryStore) ListRepository(_ context.Context, repository, namespace string) ([]*PackageVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []collectionKey
	for key := range s.collections {
		if key.repository != repository || (namespace != "" && key.namespace != namespace) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].namespace != keys[j].namespace {
			return keys[i].namespace < keys[j].namespace
		}
		return keys[i].name < keys[j].name
	})

	out := []*PackageVersion{}
	for _, key := range keys {
		for _, pv := range s.collections[key] {
			out = append(out, pv.Clone())
		}
	}
	return out, nil
}

// SetCertified implements Store
func (s *MemoryStore) SetCertified(
	_ context.Context, repository, namespace, name, version string, certified bool,
) (*PackageVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pv := range s.collections[collectionKey{repository, namespace, name}] {
		if pv.Version != version {
			continue
		}
		previous := pv.IsCertified
		pv.IsCertified = certified
		if err := s.persistLocked(); err != nil {
			pv.IsCertified = previous
			return nil, err
		}
		return pv.Clone(), nil
	}
	return nil, ErrNotFound
}

// Highest implements Store
func (s *MemoryStore) Highest(_ context.Context, repository, namespace, name string) (*PackageVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, pv := range s.collections[collectionKey{repository, namespace, name}] {
		if pv.IsHighest {
			return pv.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// Ping implements Store
func (*MemoryStore) Ping(context.Context) error {
	return nil
}

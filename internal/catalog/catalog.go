// Package catalog stores the collection versions published in each repository
// and keeps track of the highest version of every collection.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/stacklok/collection-registry/internal/telemetry"
	"github.com/stacklok/collection-registry/internal/versions"
)

var (
	// ErrNotFound is returned when a collection version does not exist
	ErrNotFound = errors.New("collection version not found")
	// ErrVersionConflict is returned when a version already exists with different content
	ErrVersionConflict = errors.New("collection version already exists with a different artifact")
	// ErrInvalidVersion is returned when a version is missing required fields
	ErrInvalidVersion = errors.New("invalid collection version")
)

// PackageVersion is a single version of a collection in a repository
type PackageVersion struct {
	Repository     string         `json:"repository"`
	Namespace      string         `json:"namespace"`
	Name           string         `json:"name"`
	Version        string         `json:"version"`
	ArtifactDigest string         `json:"artifact_digest"`
	IsHighest      bool           `json:"is_highest"`
	IsCertified    bool           `json:"is_certified"`
	CreatedAt      time.Time      `json:"created_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// FullName returns the dotted "namespace.name" identifier
func (p *PackageVersion) FullName() string {
	return p.Namespace + "." + p.Name
}

// Clone returns a copy whose metadata map is not shared
func (p *PackageVersion) Clone() *PackageVersion {
	if p == nil {
		return nil
	}
	c := *p
	if p.Metadata != nil {
		c.Metadata = maps.Clone(p.Metadata)
	}
	return &c
}

// Store persists package versions. Each AddVersion is atomic: readers never
// observe a version before it and the recomputed highest flags are committed.
type Store interface {
	// AddVersion inserts a version and recomputes the highest version of its collection.
	// Re-adding an existing version with the same artifact returns the stored row and
	// created=false; a different artifact returns ErrVersionConflict.
	AddVersion(ctx context.Context, pv *PackageVersion) (stored *PackageVersion, created bool, err error)
	// GetVersion returns one version or ErrNotFound
	GetVersion(ctx context.Context, repository, namespace, name, version string) (*PackageVersion, error)
	// ListVersions returns every version of a collection, highest first
	ListVersions(ctx context.Context, repository, namespace, name string) ([]*PackageVersion, error)
	// ListRepository returns every version in a repository, optionally limited to a namespace,
	// grouped by collection and highest first within each collection
	ListRepository(ctx context.Context, repository, namespace string) ([]*PackageVersion, error)
	// SetCertified sets the certified flag of a version
	SetCertified(ctx context.Context, repository, namespace, name, version string, certified bool) (*PackageVersion, error)
	// Highest returns the highest version of a collection or ErrNotFound
	Highest(ctx context.Context, repository, namespace, name string) (*PackageVersion, error)
	// Ping reports whether the store is reachable
	Ping(ctx context.Context) error
}

// resolveGroup orders the versions of one collection highest first and flags the
// canonical highest. Duplicate versions are logged and counted, never removed.
func resolveGroup(ctx context.Context, metrics *telemetry.CatalogMetrics, group []*PackageVersion) []*PackageVersion {
	if len(group) == 0 {
		return group
	}

	records := make([]versions.Record[*PackageVersion], 0, len(group))
	for _, pv := range group {
		records = append(records, versions.Record[*PackageVersion]{
			Version:   pv.Version,
			CreatedAt: pv.CreatedAt,
			Item:      pv,
		})
	}

	res := versions.Resolve(records)
	ordered := make([]*PackageVersion, 0, len(res.Ordered))
	for _, r := range res.Ordered {
		r.Item.IsHighest = r.Item == res.Highest.Item
		ordered = append(ordered, r.Item)
	}

	for _, a := range res.Anomalies {
		slog.WarnContext(ctx, "IntegrityAnomaly: equal collection versions",
			"repository", a.Duplicate.Item.Repository,
			"collection", a.Duplicate.Item.FullName(),
			"canonical_version", a.Canonical.Version,
			"duplicate_version", a.Duplicate.Version,
		)
	}
	if len(res.Anomalies) > 0 {
		metrics.RecordAnomalies(ctx, group[0].Repository, len(res.Anomalies))
	}

	return ordered
}

func validate(pv *PackageVersion) error {
	if pv == nil {
		return fmt.Errorf("%w: nil version", ErrInvalidVersion)
	}
	switch {
	case pv.Repository == "":
		return fmt.Errorf("%w: repository is required", ErrInvalidVersion)
	case pv.Namespace == "":
		return fmt.Errorf("%w: namespace is required", ErrInvalidVersion)
	case pv.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidVersion)
	case pv.Version == "":
		return fmt.Errorf("%w: version is required", ErrInvalidVersion)
	case pv.ArtifactDigest == "":
		return fmt.Errorf("%w: artifact digest is required", ErrInvalidVersion)
	}
	return nil
}

func conflictErr(existing, incoming *PackageVersion) error {
	return fmt.Errorf("%w: %s %s in %s is %s, not %s", ErrVersionConflict,
		existing.FullName(), existing.Version, existing.Repository,
		existing.ArtifactDigest, incoming.ArtifactDigest)
}

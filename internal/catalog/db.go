package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/collection-registry/internal/otel"
	"github.com/stacklok/collection-registry/internal/telemetry"
)

const versionColumns = `repository, namespace, name, version, artifact_digest,
	is_highest, is_certified, created_at, metadata`

const (
	lockCollectionSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1::text || '/' || $2::text || '/' || $3::text, 0))`

	selectVersionSQL = `SELECT ` + versionColumns + `
	FROM collection_version
	WHERE repository = $1 AND namespace = $2 AND name = $3 AND version = $4`

	selectCollectionSQL = `SELECT ` + versionColumns + `
	FROM collection_version
	WHERE repository = $1 AND namespace = $2 AND name = $3`

	selectRepositorySQL = `SELECT ` + versionColumns + `
	FROM collection_version
	WHERE repository = $1 AND ($2::text = '' OR namespace = $2::text)
	ORDER BY namespace, name`

	insertVersionSQL = `INSERT INTO collection_version (` + versionColumns + `)
	VALUES ($1, $2, $3, $4, $5, false, $6, $7, $8)
	ON CONFLICT (repository, namespace, name, version) DO NOTHING`

	updateHighestSQL = `UPDATE collection_version
	SET is_highest = (version = $4)
	WHERE repository = $1 AND namespace = $2 AND name = $3`

	setCertifiedSQL = `UPDATE collection_version
	SET is_certified = $5
	WHERE repository = $1 AND namespace = $2 AND name = $3 AND version = $4
	RETURNING ` + versionColumns

	selectHighestSQL = `SELECT ` + versionColumns + `
	FROM collection_version
	WHERE repository = $1 AND namespace = $2 AND name = $3 AND is_highest`
)

// DBStore is a PostgreSQL-backed Store
type DBStore struct {
	pool    *pgxpool.Pool
	tracer  trace.Tracer
	metrics *telemetry.CatalogMetrics
}

// DBOption configures a DBStore
type DBOption func(*DBStore) error

// WithConnectionPool sets the pgx pool. The caller is responsible for closing it.
func WithConnectionPool(pool *pgxpool.Pool) DBOption {
	return func(s *DBStore) error {
		if pool == nil {
			return fmt.Errorf("pgx pool is required")
		}
		s.pool = pool
		return nil
	}
}

// WithTracer sets the OpenTelemetry tracer. If not set, tracing is disabled.
func WithTracer(tracer trace.Tracer) DBOption {
	return func(s *DBStore) error {
		s.tracer = tracer
		return nil
	}
}

// WithDBMetrics sets the catalog metrics
func WithDBMetrics(m *telemetry.CatalogMetrics) DBOption {
	return func(s *DBStore) error {
		s.metrics = m
		return nil
	}
}

// NewDBStore creates a database-backed catalog
func NewDBStore(opts ...DBOption) (*DBStore, error) {
	s := &DBStore{}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	return s, nil
}

var _ Store = (*DBStore)(nil)

func (s *DBStore) startSpan(ctx context.Context, name string, pv *PackageVersion) (context.Context, trace.Span) {
	ctx, span := otel.StartSpan(ctx, s.tracer, name)
	if pv != nil {
		span.SetAttributes(
			otel.AttrRepository.String(pv.Repository),
			otel.AttrNamespace.String(pv.Namespace),
			otel.AttrCollectionName.String(pv.Name),
		)
		if pv.Version != "" {
			span.SetAttributes(otel.AttrCollectionVersion.String(pv.Version))
		}
	}
	return ctx, span
}

// AddVersion implements Store. The insert and the highest recomputation happen in
// one transaction holding an advisory lock on the collection.
func (s *DBStore) AddVersion(ctx context.Context, pv *PackageVersion) (*PackageVersion, bool, error) {
	ctx, span := s.startSpan(ctx, "catalog.AddVersion", pv)
	defer span.End()

	if err := validate(pv); err != nil {
		otel.RecordError(span, err)
		return nil, false, err
	}

	var (
		stored  *PackageVersion
		created bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockCollectionSQL, pv.Repository, pv.Namespace, pv.Name); err != nil {
			return fmt.Errorf("failed to lock collection: %w", err)
		}

		existing, err := scanVersion(tx.QueryRow(ctx, selectVersionSQL, pv.Repository, pv.Namespace, pv.Name, pv.Version))
		switch {
		case err == nil:
			if existing.ArtifactDigest != pv.ArtifactDigest {
				return conflictErr(existing, pv)
			}
			stored = existing
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}

		createdAt := pv.CreatedAt
		if createdAt.IsZero() {
			if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&createdAt); err != nil {
				return fmt.Errorf("failed to read database time: %w", err)
			}
		}
		metadata := pv.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		if _, err := tx.Exec(ctx, insertVersionSQL,
			pv.Repository, pv.Namespace, pv.Name, pv.Version, pv.ArtifactDigest,
			pv.IsCertified, createdAt.UTC(), metadata,
		); err != nil {
			return fmt.Errorf("failed to insert collection version: %w", err)
		}

		group, err := queryVersions(ctx, tx, selectCollectionSQL, pv.Repository, pv.Namespace, pv.Name)
		if err != nil {
			return err
		}
		ordered := resolveGroup(ctx, s.metrics, group)
		highest := ordered[0]
		if _, err := tx.Exec(ctx, updateHighestSQL, pv.Repository, pv.Namespace, pv.Name, highest.Version); err != nil {
			return fmt.Errorf("failed to update highest version: %w", err)
		}

		for _, candidate := range ordered {
			if candidate.Version == pv.Version {
				stored = candidate
			}
		}
		created = true
		return nil
	})
	if err != nil {
		otel.RecordError(span, err)
		return nil, false, err
	}

	if created {
		s.metrics.RecordVersionAdded(ctx, pv.Repository)
		slog.DebugContext(ctx, "Added collection version",
			"repository", pv.Repository,
			"collection", pv.FullName(),
			"version", pv.Version,
			"highest", stored.IsHighest,
		)
	}
	return stored, created, nil
}

// GetVersion implements Store
func (s *DBStore) GetVersion(ctx context.Context, repository, namespace, name, version string) (*PackageVersion, error) {
	ctx, span := s.startSpan(ctx, "catalog.GetVersion",
		&PackageVersion{Repository: repository, Namespace: namespace, Name: name, Version: version})
	defer span.End()

	pv, err := scanVersion(s.pool.QueryRow(ctx, selectVersionSQL, repository, namespace, name, version))
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	return pv, nil
}

// ListVersions implements Store
func (s *DBStore) ListVersions(ctx context.Context, repository, namespace, name string) ([]*PackageVersion, error) {
	ctx, span := s.startSpan(ctx, "catalog.ListVersions",
		&PackageVersion{Repository: repository, Namespace: namespace, Name: name})
	defer span.End()

	group, err := queryVersions(ctx, s.pool, selectCollectionSQL, repository, namespace, name)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	ordered := resolveGroup(ctx, s.metrics, group)
	span.SetAttributes(otel.AttrResultCount.Int(len(ordered)))
	return ordered, nil
}

// ListRepository implements Store
func (s *DBStore) ListRepository(ctx context.Context, repository, namespace string) ([]*PackageVersion, error) {
	ctx, span := s.startSpan(ctx, "catalog.ListRepository",
		&PackageVersion{Repository: repository, Namespace: namespace})
	defer span.End()

	rows, err := queryVersions(ctx, s.pool, selectRepositorySQL, repository, namespace)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	// Rows arrive grouped by collection; order each group with the resolver
	out := make([]*PackageVersion, 0, len(rows))
	start := 0
	for i := 1; i <= len(rows); i++ {
		if i < len(rows) && rows[i].Namespace == rows[start].Namespace && rows[i].Name == rows[start].Name {
			continue
		}
		out = append(out, resolveGroup(ctx, s.metrics, rows[start:i])...)
		start = i
	}
	span.SetAttributes(otel.AttrResultCount.Int(len(out)))
	return out, nil
}

// SetCertified implements Store
func (s *DBStore) SetCertified(
	ctx context.Context, repository, namespace, name, version string, certified bool,
) (*PackageVersion, error) {
	ctx, span := s.startSpan(ctx, "catalog.SetCertified",
		&PackageVersion{Repository: repository, Namespace: namespace, Name: name, Version: version})
	defer span.End()

	pv, err := scanVersion(s.pool.QueryRow(ctx, setCertifiedSQL, repository, namespace, name, version, certified))
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	return pv, nil
}

// Highest implements Store
func (s *DBStore) Highest(ctx context.Context, repository, namespace, name string) (*PackageVersion, error) {
	ctx, span := s.startSpan(ctx, "catalog.Highest",
		&PackageVersion{Repository: repository, Namespace: namespace, Name: name})
	defer span.End()

	pv, err := scanVersion(s.pool.QueryRow(ctx, selectHighestSQL, repository, namespace, name))
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	return pv, nil
}

// Ping implements Store
func (s *DBStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryVersions(ctx context.Context, q querier, sql string, args ...any) ([]*PackageVersion, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection versions: %w", err)
	}
	defer rows.Close()

	out := []*PackageVersion{}
	for rows.Next() {
		pv, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read collection versions: %w", err)
	}
	return out, nil
}

func scanVersion(row pgx.Row) (*PackageVersion, error) {
	pv := &PackageVersion{}
	err := row.Scan(
		&pv.Repository, &pv.Namespace, &pv.Name, &pv.Version, &pv.ArtifactDigest,
		&pv.IsHighest, &pv.IsCertified, &pv.CreatedAt, &pv.Metadata,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan collection version: %w", err)
	}
	pv.CreatedAt = pv.CreatedAt.UTC()
	return pv, nil
}

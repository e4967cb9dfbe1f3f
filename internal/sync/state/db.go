package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/collection-registry/internal/status"
)

const syncStateColumns = `remote, target, phase, message, attempt_count, fingerprint,
	requirements_hash, last_sync_time, last_attempt_time, last_job_id`

const (
	insertInitialStateSQL = `INSERT INTO sync_state (remote, target, phase, message)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (remote, target) DO NOTHING`

	resetInterruptedSQL = `UPDATE sync_state
	SET phase = $3, message = $4, updated_at = now()
	WHERE remote = $1 AND target = $2 AND phase = $5`

	listStatesSQL = `SELECT ` + syncStateColumns + ` FROM sync_state ORDER BY remote, target`

	getStateSQL = `SELECT ` + syncStateColumns + ` FROM sync_state WHERE remote = $1 AND target = $2`

	getStateForUpdateSQL = getStateSQL + ` FOR UPDATE`

	upsertStateSQL = `INSERT INTO sync_state (` + syncStateColumns + `, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
	ON CONFLICT (remote, target) DO UPDATE SET
		phase = EXCLUDED.phase,
		message = EXCLUDED.message,
		attempt_count = EXCLUDED.attempt_count,
		fingerprint = EXCLUDED.fingerprint,
		requirements_hash = EXCLUDED.requirements_hash,
		last_sync_time = EXCLUDED.last_sync_time,
		last_attempt_time = EXCLUDED.last_attempt_time,
		last_job_id = EXCLUDED.last_job_id,
		updated_at = EXCLUDED.updated_at`
)

type dbStatusService struct {
	pool *pgxpool.Pool
}

// NewDBStateService creates a new database-backed sync state service
func NewDBStateService(pool *pgxpool.Pool) SyncStateService {
	return &dbStatusService{
		pool: pool,
	}
}

func (d *dbStatusService) Initialize(ctx context.Context, keys []status.Key) error {
	initial := initialStatus()
	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		for _, key := range keys {
			if _, err := tx.Exec(ctx, insertInitialStateSQL,
				key.Remote, key.Target, string(initial.Phase), initial.Message); err != nil {
				return fmt.Errorf("failed to initialize sync state for %s: %w", key, err)
			}
			tag, err := tx.Exec(ctx, resetInterruptedSQL,
				key.Remote, key.Target, string(status.SyncPhaseFailed), "Previous sync was interrupted",
				string(status.SyncPhaseSyncing))
			if err != nil {
				return fmt.Errorf("failed to reset interrupted sync for %s: %w", key, err)
			}
			if tag.RowsAffected() > 0 {
				slog.WarnContext(ctx, "Previous sync was interrupted, resetting to Failed", "key", key.String())
			}
		}
		return nil
	})
}

func (d *dbStatusService) ListSyncStatuses(ctx context.Context) (map[status.Key]*status.SyncStatus, error) {
	rows, err := d.pool.Query(ctx, listStatesSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync states: %w", err)
	}
	defer rows.Close()

	result := make(map[status.Key]*status.SyncStatus)
	for rows.Next() {
		key, syncStatus, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		result[key] = syncStatus
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sync states: %w", err)
	}
	return result, nil
}

func (d *dbStatusService) GetSyncStatus(ctx context.Context, key status.Key) (*status.SyncStatus, error) {
	_, syncStatus, err := scanState(d.pool.QueryRow(ctx, getStateSQL, key.Remote, key.Target))
	if err != nil {
		return nil, err
	}
	return syncStatus, nil
}

func (d *dbStatusService) UpdateSyncStatus(ctx context.Context, key status.Key, syncStatus *status.SyncStatus) error {
	return upsertState(ctx, d.pool, key, syncStatus)
}

func (d *dbStatusService) UpdateStatusAtomically(
	ctx context.Context,
	key status.Key,
	testAndUpdateFn func(syncStatus *status.SyncStatus) bool,
) (bool, error) {
	var shouldUpdate bool
	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		// Make sure a row exists so FOR UPDATE has something to lock
		initial := initialStatus()
		if _, err := tx.Exec(ctx, insertInitialStateSQL,
			key.Remote, key.Target, string(initial.Phase), initial.Message); err != nil {
			return fmt.Errorf("failed to initialize sync state for %s: %w", key, err)
		}

		_, syncStatus, err := scanState(tx.QueryRow(ctx, getStateForUpdateSQL, key.Remote, key.Target))
		if err != nil {
			return err
		}

		shouldUpdate = testAndUpdateFn(syncStatus)
		if !shouldUpdate {
			return nil
		}
		return upsertState(ctx, tx, key, syncStatus)
	})
	if err != nil {
		return false, err
	}
	return shouldUpdate, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertState(ctx context.Context, db execer, key status.Key, s *status.SyncStatus) error {
	_, err := db.Exec(ctx, upsertStateSQL,
		key.Remote, key.Target, string(s.Phase), s.Message, s.AttemptCount, s.Fingerprint,
		s.RequirementsHash, utcPtr(s.LastSyncTime), utcPtr(s.LastAttempt), s.LastJobID,
	)
	if err != nil {
		return fmt.Errorf("failed to store sync state for %s: %w", key, err)
	}
	return nil
}

func scanState(row pgx.Row) (status.Key, *status.SyncStatus, error) {
	var (
		key   status.Key
		s     status.SyncStatus
		phase string
	)
	err := row.Scan(
		&key.Remote, &key.Target, &phase, &s.Message, &s.AttemptCount, &s.Fingerprint,
		&s.RequirementsHash, &s.LastSyncTime, &s.LastAttempt, &s.LastJobID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return key, nil, ErrStateNotFound
		}
		return key, nil, fmt.Errorf("failed to scan sync state: %w", err)
	}
	s.Phase = status.SyncPhase(phase)
	return key, &s, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const syncStateColumns = `user_id, provider, status, delta_token, consecutive_failures, next_run_at, last_full_sync, last_incremental_sync, last_error, updated_at`

func scanSyncState(row pgx.Row) (SyncState, error) {
	var s SyncState
	err := row.Scan(&s.UserID, &s.Provider, &s.Status, &s.DeltaToken, &s.ConsecutiveFailures,
		&s.NextRunAt, &s.LastFullSync, &s.LastIncrementalSync, &s.LastError, &s.UpdatedAt)
	return s, err
}

// GetOrCreateSyncState returns the sync row for (tenant, provider), creating
// an idle one with next_run_at=now if it doesn't exist yet.
func (q *Queries) GetOrCreateSyncState(ctx context.Context, userID uuid.UUID, provider string) (SyncState, error) {
	row := q.db.QueryRow(ctx, `SELECT `+syncStateColumns+` FROM sync_state WHERE user_id = $1 AND provider = $2`, userID, provider)
	s, err := scanSyncState(row)
	if err == nil {
		return s, nil
	}
	if err != pgx.ErrNoRows {
		return SyncState{}, fmt.Errorf("looking up sync state: %w", err)
	}

	row = q.db.QueryRow(ctx, `
		INSERT INTO sync_state (user_id, provider, status, consecutive_failures, next_run_at)
		VALUES ($1, $2, 'idle', 0, now())
		RETURNING `+syncStateColumns, userID, provider)
	return scanSyncState(row)
}

// GetSyncStateForUpdate locks the row for the duration of the enclosing
// transaction — the basis for treating a state row as a lock (spec §5).
func (q *Queries) GetSyncStateForUpdate(ctx context.Context, userID uuid.UUID, provider string) (SyncState, error) {
	row := q.db.QueryRow(ctx, `SELECT `+syncStateColumns+` FROM sync_state WHERE user_id = $1 AND provider = $2 FOR UPDATE`, userID, provider)
	return scanSyncState(row)
}

// SetSyncStatus performs an unconditional status write, used by start()
// after the precondition (status != syncing) has already been checked under lock.
func (q *Queries) SetSyncStatus(ctx context.Context, userID uuid.UUID, provider, status string) error {
	_, err := q.db.Exec(ctx, `UPDATE sync_state SET status = $3, updated_at = now() WHERE user_id = $1 AND provider = $2`, userID, provider, status)
	return err
}

// CompleteSyncParams holds the fields written by the complete() transition.
type CompleteSyncParams struct {
	UserID     uuid.UUID
	Provider   string
	DeltaToken *string
	IsFull     bool
	NextRunAt  time.Time
}

// CompleteSync applies the complete() transition (spec §4.9).
func (q *Queries) CompleteSync(ctx context.Context, p CompleteSyncParams) error {
	col := "last_incremental_sync"
	if p.IsFull {
		col = "last_full_sync"
	}
	_, err := q.db.Exec(ctx, `
		UPDATE sync_state SET
			status = 'idle',
			delta_token = COALESCE($3, delta_token),
			consecutive_failures = 0,
			last_error = NULL,
			next_run_at = $4,
			`+col+` = now(),
			updated_at = now()
		WHERE user_id = $1 AND provider = $2`,
		p.UserID, p.Provider, p.DeltaToken, p.NextRunAt)
	return err
}

// FailSyncParams holds the fields written by the fail() transition.
type FailSyncParams struct {
	UserID              uuid.UUID
	Provider            string
	ConsecutiveFailures int // already incremented by the caller
	Status              string
	NextRunAt           time.Time
	ErrorMessage        string
}

// FailSync applies the fail() transition (spec §4.9 backoff formula).
func (q *Queries) FailSync(ctx context.Context, p FailSyncParams) error {
	_, err := q.db.Exec(ctx, `
		UPDATE sync_state SET
			status = $3,
			consecutive_failures = $4,
			last_error = $5,
			next_run_at = $6,
			updated_at = now()
		WHERE user_id = $1 AND provider = $2`,
		p.UserID, p.Provider, p.Status, p.ConsecutiveFailures, p.ErrorMessage, p.NextRunAt)
	return err
}

// EligibleSyncRef identifies a (tenant, provider) pair ready to sync.
type EligibleSyncRef struct {
	UserID   uuid.UUID
	Provider string
}

// ListEligibleSyncs returns pairs where status is neither syncing nor failed,
// next_run_at has passed, and a valid token exists (spec §4.9 eligibility).
func (q *Queries) ListEligibleSyncs(ctx context.Context) ([]EligibleSyncRef, error) {
	rows, err := q.db.Query(ctx, `
		SELECT s.user_id, s.provider FROM sync_state s
		JOIN user_oauth_tokens t ON t.tenant_id = s.user_id AND t.provider = s.provider
		WHERE s.status NOT IN ('syncing', 'failed') AND s.next_run_at <= now() AND t.is_valid = true`)
	if err != nil {
		return nil, fmt.Errorf("listing eligible syncs: %w", err)
	}
	defer rows.Close()

	var out []EligibleSyncRef
	for rows.Next() {
		var r EligibleSyncRef
		if err := rows.Scan(&r.UserID, &r.Provider); err != nil {
			return nil, fmt.Errorf("scanning eligible sync ref: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

package db

import (
	"context"
	"fmt"
)

// InsertPIIAuditEntry appends a counts-only row (spec §4.6 / invariant 6).
func (q *Queries) InsertPIIAuditEntry(ctx context.Context, e PIIAuditEntry) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO pii_audit_log (id, user_id, request_id, endpoint, tool_name, mode, counts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.UserID, e.RequestID, e.Endpoint, e.ToolName, e.Mode, e.Counts, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting pii audit entry: %w", err)
	}
	return nil
}

// InsertAuditEntry appends one general audit row. internal/audit.Writer calls
// it once per entry, each in its own transaction; rows are not batched.
func (q *Queries) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO audit_log (id, user_id, session_id, action, resource, resource_id, detail, ip, user_agent, request_id, success, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.UserID, e.SessionID, e.Action, e.Resource, e.ResourceID, e.Detail, e.IP, e.UserAgent, e.RequestID, e.Success, e.Error, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

const listAuditLogColumns = `id, user_id, session_id, action, resource, resource_id, detail, ip, user_agent, request_id, success, error, created_at`

func scanAuditEntry(row interface {
	Scan(dest ...any) error
}) (AuditEntry, error) {
	var e AuditEntry
	err := row.Scan(&e.ID, &e.UserID, &e.SessionID, &e.Action, &e.Resource, &e.ResourceID, &e.Detail, &e.IP, &e.UserAgent, &e.RequestID, &e.Success, &e.Error, &e.CreatedAt)
	return e, err
}

// ListAuditLog returns the RLS-scoped caller's audit rows, most recent first.
func (q *Queries) ListAuditLog(ctx context.Context, limit, offset int32) ([]AuditEntry, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+listAuditLogColumns+`
		FROM audit_log
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Package db is a hand-written pgx data-access layer. There is no code
// generator in this tree: every query is written and scanned by hand,
// following the manual Scan() idiom used throughout this codebase.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, *pgxpool.Conn, and pgx.Tx, so callers
// can pass either a pool or a tenant-scoped connection/transaction to Queries.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries wraps a DBTX with the repository's hand-written query methods.
type Queries struct {
	db DBTX
}

// New builds a Queries bound to the given executor — a pool for
// non-tenant-scoped lookups, or a tenant-scoped connection/transaction
// acquired via tenant.WithTenantConn for RLS-guarded tables.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

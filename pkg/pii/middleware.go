package pii

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegiscore/vault/internal/db"
	"github.com/aegiscore/vault/internal/httpserver"
	"github.com/aegiscore/vault/pkg/tenant"
)

type contextKey int

const ctxKey contextKey = iota

// NewContextInRequest installs ctx into a request context.
func NewContextInRequest(parent context.Context, c *Context) context.Context {
	return context.WithValue(parent, ctxKey, c)
}

// FromContext returns the request-scoped masking context, or nil if the
// middleware wasn't installed.
func FromContext(ctx context.Context) *Context {
	c, _ := ctx.Value(ctxKey).(*Context)
	return c
}

// Middleware installs a fresh Context per request and, at request end,
// writes one counts-only audit row for the whole request if anything was
// masked. The row carries the endpoint path but no tool name; masking done
// by several tools within one request is summed into that single row.
func Middleware(pool *pgxpool.Pool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pc := NewContext()
			ctx := NewContextInRequest(r.Context(), pc)

			next.ServeHTTP(w, r.WithContext(ctx))

			stats := pc.Stats()
			if stats["total"] == 0 {
				return
			}

			t := tenant.FromContext(ctx)
			if t == nil {
				logger.Warn("pii: masking occurred with no resolved tenant, skipping audit")
				return
			}

			counts, err := json.Marshal(stats)
			if err != nil {
				logger.Error("pii: marshaling audit counts", "error", err)
				return
			}

			entry := db.PIIAuditEntry{
				ID:        uuid.New(),
				UserID:    pgtype.UUID{Bytes: t.ID, Valid: true},
				RequestID: httpserver.RequestIDFromContext(ctx),
				Endpoint:  r.URL.Path,
				Mode:      strings.Join(pc.ModesUsed(), ","),
				Counts:    counts,
				CreatedAt: time.Now().UTC(),
			}
			err = tenant.WithTenantConn(ctx, pool, t.ID, func(tx pgx.Tx) error {
				return db.New(tx).InsertPIIAuditEntry(ctx, entry)
			})
			if err != nil {
				logger.Error("pii: writing audit entry", "error", err)
			}
		})
	}
}

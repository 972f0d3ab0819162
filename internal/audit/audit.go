// Package audit implements an async, buffered writer for the general
// append-only audit log (distinct from the PII masking audit trail in
// pkg/pii, which records counts only).
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegiscore/vault/internal/db"
	"github.com/aegiscore/vault/internal/httpserver"
	"github.com/aegiscore/vault/pkg/tenant"
)

// Entry represents a single audit log entry to be written.
type Entry struct {
	TenantID   uuid.UUID
	SessionID  uuid.UUID
	RequestID  string
	Action     string
	Resource   string
	ResourceID uuid.UUID
	Detail     json.RawMessage
	IPAddress  *netip.Addr
	UserAgent  *string
	Success    bool
	Error      string
}

// Writer is an async, buffered audit log writer. Entries are sent to an
// internal channel and flushed by a background goroutine.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
)

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start launches the background goroutine that writes audit entries to the
// database and returns immediately. Once ctx is cancelled the goroutine
// writes the entries already buffered and exits.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the
// caller; if the buffer is full the entry is dropped and a warning logged.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"action", entry.Action, "resource", entry.Resource)
	}
}

// LogFromRequest is a convenience method that extracts the tenant and
// caller identity from the request context, then enqueues the entry.
func (w *Writer) LogFromRequest(r *http.Request, action, resource string, resourceID uuid.UUID, detail json.RawMessage) {
	entry := Entry{
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Detail:     detail,
		Success:    true,
	}

	if ti := tenant.FromContext(r.Context()); ti != nil {
		entry.TenantID = ti.ID
	}
	entry.RequestID = httpserver.RequestIDFromContext(r.Context())

	ip := clientIP(r)
	if ip.IsValid() {
		entry.IPAddress = &ip
	}

	if ua := r.Header.Get("User-Agent"); ua != "" {
		entry.UserAgent = &ua
	}

	w.Log(entry)
}

// run drains the entries channel, writing each entry as it arrives; when the
// context is cancelled it writes whatever is still buffered and returns.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				return
			}
			w.write(context.Background(), entry)
		case <-ticker.C:
			// Nothing to coalesce per-tenant since every entry already goes
			// through its own RLS-bound transaction; a tick does no work.
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						return
					}
					w.write(context.Background(), entry)
				default:
					return
				}
			}
		}
	}
}

// write persists a single entry inside its own RLS-bound transaction.
func (w *Writer) write(ctx context.Context, e Entry) {
	if e.TenantID == uuid.Nil {
		w.logger.Warn("audit entry without tenant id, skipping", "action", e.Action)
		return
	}

	errStr := pgtype.Text{}
	if e.Error != "" {
		errStr = pgtype.Text{String: e.Error, Valid: true}
	}

	var ip pgtype.Text
	if e.IPAddress != nil {
		ip = pgtype.Text{String: e.IPAddress.String(), Valid: true}
	}
	var ua pgtype.Text
	if e.UserAgent != nil {
		ua = pgtype.Text{String: *e.UserAgent, Valid: true}
	}
	var sessionID pgtype.UUID
	if e.SessionID != uuid.Nil {
		sessionID = pgtype.UUID{Bytes: e.SessionID, Valid: true}
	}
	var requestID pgtype.Text
	if e.RequestID != "" {
		requestID = pgtype.Text{String: e.RequestID, Valid: true}
	}

	detail := e.Detail
	if detail == nil {
		detail = json.RawMessage("{}")
	}

	err := tenant.WithTenantConn(ctx, w.pool, e.TenantID, func(tx pgx.Tx) error {
		q := db.New(tx)
		return q.InsertAuditEntry(ctx, db.AuditEntry{
			ID:         uuid.New(),
			UserID:     pgtype.UUID{Bytes: e.TenantID, Valid: true},
			SessionID:  sessionID,
			Action:     e.Action,
			Resource:   e.Resource,
			ResourceID: pgtype.UUID{Bytes: e.ResourceID, Valid: e.ResourceID != uuid.Nil},
			Detail:     detail,
			IP:         ip,
			UserAgent:  ua,
			RequestID:  requestID,
			Success:    e.Success,
			Error:      errStr,
			CreatedAt:  time.Now().UTC(),
		})
	})
	if err != nil {
		w.logger.Error("writing audit log entry", "error", err, "action", e.Action, "resource", e.Resource)
	}
}

// clientIP extracts the client IP address from the request, preferring
// X-Forwarded-For and X-Real-IP headers over RemoteAddr.
func clientIP(r *http.Request) netip.Addr {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}

// Package chatstore implements the tiered chat message store (C7): hot
// (Redis), warm (Postgres, record-of-truth) and cold (object store,
// archived) tiers, each with the lifetime and write/read paths spec §4.7
// describes.
package chatstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/aegiscore/vault/internal/db"
	"github.com/aegiscore/vault/internal/telemetry"
	"github.com/aegiscore/vault/pkg/crypto"
	"github.com/aegiscore/vault/pkg/kms"
	"github.com/aegiscore/vault/pkg/tenant"
)

// Message is the decrypted, caller-facing chat message shape.
type Message struct {
	ID        uuid.UUID       `json:"id"`
	SessionID uuid.UUID       `json:"session_id"`
	Role      string          `json:"role"`
	ModelID   string          `json:"model_id,omitempty"`
	Content   string          `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Config tunes the tiered store's thresholds (spec §4.7 defaults).
type Config struct {
	HotWindow           time.Duration // default 7 days
	MaxCachedPerSession int           // default 100
	ArchiveWindow       time.Duration // default 365 days
}

// DefaultConfig returns spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		HotWindow:           7 * 24 * time.Hour,
		MaxCachedPerSession: 100,
		ArchiveWindow:       365 * 24 * time.Hour,
	}
}

// Store is the C7 service, composing all three tiers.
type Store struct {
	pool  *pgxpool.Pool
	redis *redis.Client
	cold  *ColdTier
	gw    *kms.Gateway
	cfg   Config
}

// New builds a tiered chat store.
func New(pool *pgxpool.Pool, rdb *redis.Client, cold *ColdTier, gw *kms.Gateway, cfg Config) *Store {
	return &Store{pool: pool, redis: rdb, cold: cold, gw: gw, cfg: cfg}
}

// AppendMessage implements the write path: encrypt under the tenant DEK,
// insert into warm, then best-effort push to hot (spec §4.7).
func (s *Store) AppendMessage(ctx context.Context, tenantID, sessionID uuid.UUID, msg Message) (Message, error) {
	dc := tenant.NewDEKCache(s.pool, s.gw)
	dek, err := dc.Get(ctx, tenantID)
	if err != nil {
		return Message{}, fmt.Errorf("chatstore: unwrapping tenant dek: %w", err)
	}

	contentCT, err := crypto.EncryptForTenant(dek, []byte(msg.Content))
	if err != nil {
		return Message{}, fmt.Errorf("chatstore: encrypting content: %w", err)
	}

	var toolCallsCT []byte
	if len(msg.ToolCalls) > 0 {
		toolCallsCT, err = crypto.EncryptForTenant(dek, msg.ToolCalls)
		if err != nil {
			return Message{}, fmt.Errorf("chatstore: encrypting tool calls: %w", err)
		}
	}

	var stored db.ChatMessage
	err = tenant.WithTenantConn(ctx, s.pool, tenantID, func(tx pgx.Tx) error {
		q := db.New(tx)
		if _, err := q.GetOrCreateChatSession(ctx, tenantID, sessionID); err != nil {
			return fmt.Errorf("resolving chat session: %w", err)
		}

		var err error
		stored, err = q.InsertChatMessage(ctx, db.ChatMessage{
			UserID:             tenantID,
			SessionID:          sessionID,
			Role:               msg.Role,
			TokenCount:         0,
			ContentEncrypted:   contentCT,
			ToolCallsEncrypted: toolCallsCT,
		})
		if err != nil {
			return fmt.Errorf("inserting chat message: %w", err)
		}
		return q.TouchChatSession(ctx, tenantID, sessionID, stored.CreatedAt)
	})
	if err != nil {
		return Message{}, err
	}

	out := Message{
		ID:        stored.ID,
		SessionID: sessionID,
		Role:      stored.Role,
		Content:   msg.Content,
		ToolCalls: msg.ToolCalls,
		CreatedAt: stored.CreatedAt,
	}

	// Best-effort hot push — failure here does not fail the write.
	_ = s.pushHot(ctx, tenantID, sessionID, out)

	return out, nil
}

// GetRecentMessages implements the read path: hot tier first, then warm on
// miss, repopulating hot best-effort.
func (s *Store) GetRecentMessages(ctx context.Context, tenantID, sessionID uuid.UUID, limit int) ([]Message, error) {
	if msgs, ok := s.getHot(ctx, tenantID, sessionID, limit); ok {
		telemetry.ChatTierReadsTotal.WithLabelValues("hot").Inc()
		return msgs, nil
	}

	dc := tenant.NewDEKCache(s.pool, s.gw)
	dek, err := dc.Get(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("chatstore: unwrapping tenant dek: %w", err)
	}

	var rows []db.ChatMessage
	err = tenant.WithTenantConn(ctx, s.pool, tenantID, func(tx pgx.Tx) error {
		var err error
		rows, err = db.New(tx).GetRecentMessages(ctx, tenantID, sessionID, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("chatstore: querying warm tier: %w", err)
	}
	telemetry.ChatTierReadsTotal.WithLabelValues("warm").Inc()

	msgs := make([]Message, 0, len(rows))
	for _, r := range rows {
		m, err := decryptMessage(dek, r)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	for _, m := range msgs {
		_ = s.pushHot(ctx, tenantID, sessionID, m)
	}

	return msgs, nil
}

func decryptMessage(dek []byte, r db.ChatMessage) (Message, error) {
	content, err := crypto.DecryptForTenant(dek, r.ContentEncrypted)
	if err != nil {
		return Message{}, fmt.Errorf("chatstore: decrypting content: %w", err)
	}
	m := Message{
		ID:        r.ID,
		SessionID: r.SessionID,
		Role:      r.Role,
		Content:   string(content),
		CreatedAt: r.CreatedAt,
	}
	if r.ModelID.Valid {
		m.ModelID = r.ModelID.String
	}
	if len(r.ToolCallsEncrypted) > 0 {
		toolCalls, err := crypto.DecryptForTenant(dek, r.ToolCallsEncrypted)
		if err != nil {
			return Message{}, fmt.Errorf("chatstore: decrypting tool calls: %w", err)
		}
		m.ToolCalls = toolCalls
	}
	return m, nil
}

package chatstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func hotKey(tenantID, sessionID uuid.UUID) string {
	return fmt.Sprintf("chat:%s:session:%s:messages", tenantID, sessionID)
}

// pushHot appends a message to the hot tier's sorted set, scored by unix
// nanos so ZRANGE returns chronological order, trims to MaxCachedPerSession
// and refreshes the key's TTL to HotWindow (spec §4.7).
func (s *Store) pushHot(ctx context.Context, tenantID, sessionID uuid.UUID, msg Message) error {
	if s.redis == nil {
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("chatstore: marshaling message for hot tier: %w", err)
	}

	key := hotKey(tenantID, sessionID)
	pipe := s.redis.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(msg.CreatedAt.UnixNano()), Member: payload})
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-s.cfg.MaxCachedPerSession)-1)
	pipe.Expire(ctx, key, s.cfg.HotWindow)
	_, err = pipe.Exec(ctx)
	return err
}

// getHot returns the most recent limit messages from the hot tier, newest
// first, when all members decode cleanly. Any error or miss is treated as a
// cache miss — callers fall back to the warm tier.
func (s *Store) getHot(ctx context.Context, tenantID, sessionID uuid.UUID, limit int) ([]Message, bool) {
	if s.redis == nil {
		return nil, false
	}

	key := hotKey(tenantID, sessionID)
	raw, err := s.redis.ZRevRange(ctx, key, 0, int64(limit)-1).Result()
	if err != nil || len(raw) == 0 {
		return nil, false
	}

	msgs := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, false
		}
		msgs = append(msgs, m)
	}
	return msgs, true
}

// invalidateHot drops the cached tail for a session, used after archiving so
// stale hot entries don't outlive the warm rows they were copied from.
func (s *Store) invalidateHot(ctx context.Context, tenantID, sessionID uuid.UUID, logger *slog.Logger) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, hotKey(tenantID, sessionID)).Err(); err != nil && logger != nil {
		logger.Warn("chatstore: invalidating hot tier after archive", "error", err, "session_id", sessionID)
	}
}

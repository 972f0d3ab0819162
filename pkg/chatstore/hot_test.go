package chatstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T, cfg Config) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return &Store{redis: rdb, cfg: cfg}, mr
}

func TestHotTier_PushAndGetRoundTrip(t *testing.T) {
	store, mr := newTestStore(t, Config{HotWindow: time.Hour, MaxCachedPerSession: 10})
	defer mr.Close()

	ctx := context.Background()
	tenantID, sessionID := uuid.New(), uuid.New()

	msg := Message{ID: uuid.New(), SessionID: sessionID, Role: "user", Content: "hello", CreatedAt: time.Now()}
	if err := store.pushHot(ctx, tenantID, sessionID, msg); err != nil {
		t.Fatalf("pushHot: %v", err)
	}

	got, ok := store.getHot(ctx, tenantID, sessionID, 5)
	if !ok {
		t.Fatal("expected hot tier hit")
	}
	if len(got) != 1 || got[0].Content != "hello" {
		t.Fatalf("unexpected messages: %+v", got)
	}
}

func TestHotTier_MissWhenEmpty(t *testing.T) {
	store, mr := newTestStore(t, Config{HotWindow: time.Hour, MaxCachedPerSession: 10})
	defer mr.Close()

	_, ok := store.getHot(context.Background(), uuid.New(), uuid.New(), 5)
	if ok {
		t.Fatal("expected miss on empty hot tier")
	}
}

func TestHotTier_TrimsToMaxCached(t *testing.T) {
	store, mr := newTestStore(t, Config{HotWindow: time.Hour, MaxCachedPerSession: 3})
	defer mr.Close()

	ctx := context.Background()
	tenantID, sessionID := uuid.New(), uuid.New()

	base := time.Now()
	for i := 0; i < 5; i++ {
		msg := Message{ID: uuid.New(), SessionID: sessionID, Role: "user", Content: "m", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := store.pushHot(ctx, tenantID, sessionID, msg); err != nil {
			t.Fatalf("pushHot %d: %v", i, err)
		}
	}

	got, ok := store.getHot(ctx, tenantID, sessionID, 10)
	if !ok {
		t.Fatal("expected hit")
	}
	if len(got) != 3 {
		t.Fatalf("expected trim to 3 cached messages, got %d", len(got))
	}
}

func TestHotTier_RefreshesTTL(t *testing.T) {
	store, mr := newTestStore(t, Config{HotWindow: time.Hour, MaxCachedPerSession: 10})
	defer mr.Close()

	ctx := context.Background()
	tenantID, sessionID := uuid.New(), uuid.New()
	msg := Message{ID: uuid.New(), SessionID: sessionID, Role: "user", Content: "hi", CreatedAt: time.Now()}
	if err := store.pushHot(ctx, tenantID, sessionID, msg); err != nil {
		t.Fatalf("pushHot: %v", err)
	}

	ttl := mr.TTL(hotKey(tenantID, sessionID))
	if ttl <= 0 {
		t.Fatalf("expected positive TTL, got %v", ttl)
	}
}

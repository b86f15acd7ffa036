package base

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessionStore(client, "test:", "node-1", time.Minute), mr
}

func TestRedisStoreAnnouncesPresence(t *testing.T) {
	store, mr := newRedisStore(t)
	aSession := NewSession(context.Background(), "s-redis", &syncBuffer{})
	defer aSession.Close(nil)

	store.Put(aSession.Id, aSession)

	raw, err := mr.Get("test:session:s-redis")
	require.NoError(t, err)
	var record struct {
		ID       string    `json:"id"`
		Node     string    `json:"node"`
		LastSeen time.Time `json:"lastSeen"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &record))
	assert.Equal(t, "s-redis", record.ID)
	assert.Equal(t, "node-1", record.Node)
	assert.False(t, record.LastSeen.IsZero())

	ttl := mr.TTL("test:session:s-redis")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestRedisStoreGetRefreshesAnnouncement(t *testing.T) {
	store, mr := newRedisStore(t)
	aSession := NewSession(context.Background(), "s-refresh", &syncBuffer{})
	defer aSession.Close(nil)
	store.Put(aSession.Id, aSession)

	// let most of the TTL elapse, then a Get slides it forward
	mr.FastForward(45 * time.Second)
	got, ok := store.Get("s-refresh")
	require.True(t, ok)
	assert.Same(t, aSession, got)
	ttl := mr.TTL("test:session:s-refresh")
	assert.Greater(t, ttl, 30*time.Second)
}

func TestRedisStoreDeleteWithdrawsAnnouncement(t *testing.T) {
	store, mr := newRedisStore(t)
	aSession := NewSession(context.Background(), "s-gone", &syncBuffer{})
	defer aSession.Close(nil)
	store.Put(aSession.Id, aSession)

	store.Delete("s-gone")
	_, ok := store.Get("s-gone")
	assert.False(t, ok)
	assert.False(t, mr.Exists("test:session:s-gone"))
}

func TestRedisStoreRangeCoversLocalSessions(t *testing.T) {
	store, _ := newRedisStore(t)
	first := NewSession(context.Background(), "s-1", &syncBuffer{})
	second := NewSession(context.Background(), "s-2", &syncBuffer{})
	defer first.Close(nil)
	defer second.Close(nil)
	store.Put(first.Id, first)
	store.Put(second.Id, second)

	seen := map[string]bool{}
	store.Range(func(id string, _ *Session) bool {
		seen[id] = true
		return true
	})
	assert.Len(t, seen, 2)
	assert.Equal(t, 2, store.Size())
}

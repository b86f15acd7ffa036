package base

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// presenceRecord is the session metadata announced to Redis. Live channels
// stay pinned to the node owning the writer; the record is for readers
// outside this process (other nodes, external session views), and nothing
// in this package reads it back.
type presenceRecord struct {
	ID        string    `json:"id"`
	Node      string    `json:"node"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
}

// RedisSessionStore decorates an in-memory store with Redis presence
// announcements carrying a sliding TTL.
type RedisSessionStore struct {
	local   SessionStore
	rdb     *redis.Client
	prefix  string
	node    string
	idleTTL time.Duration
}

// NewRedisSessionStore creates a presence-announcing store. idleTTL should
// match the session sweep timeout so Redis expiry tracks local eviction.
func NewRedisSessionStore(rdb *redis.Client, prefix, node string, idleTTL time.Duration) *RedisSessionStore {
	if prefix == "" {
		prefix = "mcpway:"
	}
	return &RedisSessionStore{
		local:   NewMemorySessionStore(),
		rdb:     rdb,
		prefix:  prefix,
		node:    node,
		idleTTL: idleTTL,
	}
}

func (s *RedisSessionStore) key(id string) string { return s.prefix + "session:" + id }

// Get returns the locally owned session.
func (s *RedisSessionStore) Get(id string) (*Session, bool) {
	session, ok := s.local.Get(id)
	if ok {
		s.announce(session)
	}
	return session, ok
}

// Put stores the session locally and announces it.
func (s *RedisSessionStore) Put(id string, session *Session) {
	s.local.Put(id, session)
	s.announce(session)
}

// Delete removes the session locally and withdraws the announcement.
func (s *RedisSessionStore) Delete(id string) {
	s.local.Delete(id)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.rdb.Del(ctx, s.key(id)).Err()
}

// Range iterates locally owned sessions.
func (s *RedisSessionStore) Range(f func(id string, session *Session) bool) {
	s.local.Range(f)
}

// Size returns the number of locally owned sessions.
func (s *RedisSessionStore) Size() int {
	return s.local.Size()
}

func (s *RedisSessionStore) announce(session *Session) {
	record := presenceRecord{
		ID:        session.Id,
		Node:      s.node,
		CreatedAt: session.CreatedAt,
		LastSeen:  time.Now(),
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.rdb.Set(ctx, s.key(session.Id), data, s.idleTTL).Err()
}

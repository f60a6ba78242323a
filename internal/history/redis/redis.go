// Package redis implements [history.Store] on Redis lists using go-redis.
//
// Every session is one list of JSON-encoded entries under
// "<prefix>:history:<session id>", trimmed to a maximum length and expired
// after a TTL of inactivity.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/voxrelay/internal/history"
)

const (
	defaultPrefix = "voxrelay"
	defaultTTL    = 24 * time.Hour
	defaultMaxLen = 200
)

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix. Default "voxrelay".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTTL sets how long an idle session list is kept. Zero disables expiry.
// Default 24h.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithMaxLen bounds the entries kept per session. Default 200.
func WithMaxLen(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

// Store is a [history.Store] backed by Redis.
type Store struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
	maxLen int
}

var _ history.Store = (*Store)(nil)

// New returns a Store using client. Close closes the client.
func New(client *goredis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: defaultPrefix,
		ttl:    defaultTTL,
		maxLen: defaultMaxLen,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open parses a redis:// URL and returns a Store for it.
func Open(url string, opts ...Option) (*Store, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("history/redis: parse url: %w", err)
	}
	return New(goredis.NewClient(o), opts...), nil
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":history:" + sessionID
}

// Append pushes e onto the session list in one pipelined round-trip.
func (s *Store) Append(ctx context.Context, e history.Entry) error {
	if e.SessionID == "" {
		return history.ErrInvalidSession
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("history/redis: marshal: %w", err)
	}

	key := s.key(e.SessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-s.maxLen), -1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history/redis: append: %w", err)
	}
	return nil
}

// Recent returns the newest entries of a session, oldest first. limit <= 0
// returns the whole list.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]history.Entry, error) {
	if sessionID == "" {
		return nil, history.ErrInvalidSession
	}
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.client.LRange(ctx, s.key(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history/redis: recent: %w", err)
	}
	out := make([]history.Entry, 0, len(raw))
	for _, r := range raw {
		var e history.Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("history/redis: unmarshal: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("history/redis: ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.client.Close() }

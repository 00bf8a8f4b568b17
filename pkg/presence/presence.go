// Package presence keeps per-identity liveness records in a shared JetStream
// KV bucket so every server instance computes the same online view. Records
// for authenticated users and guest IPs live as two maps, each stored whole
// under a single key and mutated through compare-and-swap update loops.
//
// Counts are only eventually consistent: concurrent connect/disconnect for
// the same identity can transiently land on a stale read, and the next
// mutation or snapshot heals it. That is accepted here in place of
// distributed locks.
package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Class selects which identity map a record lives in. The value doubles as
// the KV key.
type Class string

const (
	// ClassAuth holds authenticated identities keyed by username.
	ClassAuth Class = "online"
	// ClassGuest holds unauthenticated identities keyed by client IP.
	ClassGuest Class = "guests"
)

// Record is one identity's liveness entry. A record with Count > 0 is
// online; Count == 0 is kept only while its grace window lasts.
type Record struct {
	Count        int    `json:"count"`
	LastSeen     int64  `json:"last_seen"`   // unix millis
	GraceUntil   int64  `json:"grace_until"` // unix millis, 0 when not in grace
	ProfileImage string `json:"profile_image,omitempty"`
}

// Config tunes the store. Zero values fall back to the defaults below.
type Config struct {
	Bucket   string
	CacheTTL time.Duration // bucket entry TTL, growth bound only
	TTL      time.Duration // liveness window on last_seen
	Grace    time.Duration // reconnect grace after last disconnect
}

const (
	DefaultBucket   = "PRESENCE"
	DefaultCacheTTL = time.Hour
	DefaultTTL      = 90 * time.Second
	DefaultGrace    = 5 * time.Second

	casAttempts = 5
)

// Store reads and mutates presence records.
type Store struct {
	kv    nats.KeyValue
	ttl   time.Duration
	grace time.Duration
	now   func() time.Time
}

// NewStore creates (or reuses) the presence KV bucket and returns a store.
// The bucket lives in memory with a TTL so state left behind by dead
// instances ages out on its own; the TTL is not the liveness authority,
// last_seen and grace_until are.
func NewStore(js nats.JetStreamContext, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}

	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  cfg.Bucket,
		History: 1,
		TTL:     cfg.CacheTTL,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s KV bucket: %w", cfg.Bucket, err)
	}

	return &Store{kv: kv, ttl: cfg.TTL, grace: cfg.Grace, now: time.Now}, nil
}

// Grace reports the configured grace duration.
func (s *Store) Grace() time.Duration {
	return s.grace
}

// Add registers one more live connection for the identity, clearing any
// grace state. avatar, when non-empty, refreshes the stored profile image.
func (s *Store) Add(class Class, id, avatar string) error {
	return s.mutate(class, func(m map[string]Record) bool {
		rec := m[id]
		rec.Count++
		rec.LastSeen = s.now().UnixMilli()
		rec.GraceUntil = 0
		if avatar != "" {
			rec.ProfileImage = avatar
		}
		m[id] = rec
		return true
	})
}

// Remove drops one live connection. When the last connection goes away the
// record is deleted immediately for graceful closes (or when no grace is
// configured); otherwise it is parked at count 0 with a grace deadline so a
// rapid reconnect does not flap the online list.
func (s *Store) Remove(class Class, id string, graceful bool) error {
	return s.mutate(class, func(m map[string]Record) bool {
		rec, ok := m[id]
		if !ok {
			return false
		}
		rec.Count--
		now := s.now()
		if rec.Count <= 0 {
			if graceful || s.grace <= 0 {
				delete(m, id)
				return true
			}
			rec.Count = 0
			rec.LastSeen = now.UnixMilli()
			rec.GraceUntil = now.Add(s.grace).UnixMilli()
			m[id] = rec
			return true
		}
		rec.LastSeen = now.UnixMilli()
		rec.GraceUntil = 0
		m[id] = rec
		return true
	})
}

// Touch refreshes last_seen and clears grace without changing the count,
// creating a single-connection record if none exists (the store may have
// expired it under a long-lived connection).
func (s *Store) Touch(class Class, id, avatar string) error {
	return s.mutate(class, func(m map[string]Record) bool {
		rec, ok := m[id]
		if !ok {
			rec = Record{Count: 1}
		}
		rec.LastSeen = s.now().UnixMilli()
		rec.GraceUntil = 0
		if avatar != "" {
			rec.ProfileImage = avatar
		}
		m[id] = rec
		return true
	})
}

// Snapshot returns the identities currently considered online and lazily
// purges the rest. An identity is online while its count is positive and
// fresh, or while a count-0 record still sits inside its grace window. The
// purged view is written back best-effort; a lost write just means the next
// reader repeats the purge. On store errors the view is empty (fail open)
// and the error is returned for logging.
func (s *Store) Snapshot(class Class) (map[string]Record, error) {
	entry, err := s.kv.Get(string(class))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return map[string]Record{}, nil
		}
		return map[string]Record{}, fmt.Errorf("failed to read %s presence: %w", class, err)
	}

	var m map[string]Record
	if err := json.Unmarshal(entry.Value(), &m); err != nil {
		return map[string]Record{}, fmt.Errorf("corrupt %s presence value: %w", class, err)
	}

	now := s.now().UnixMilli()
	ttl := s.ttl.Milliseconds()
	changed := false
	for id, rec := range m {
		fresh := now-rec.LastSeen <= ttl
		live := rec.Count > 0 && fresh
		inGrace := rec.Count <= 0 && rec.GraceUntil > 0 && rec.GraceUntil > now && fresh
		if !live && !inGrace {
			delete(m, id)
			changed = true
		}
	}

	if changed {
		if len(m) == 0 {
			s.kv.Delete(string(class), nats.LastRevision(entry.Revision()))
		} else if data, err := json.Marshal(m); err == nil {
			s.kv.Update(string(class), data, entry.Revision())
		}
	}
	return m, nil
}

// mutate runs a read-mutate-write CAS loop over the class map. The callback
// returns false to abandon the write. An empty map after mutation deletes
// the key so an idle system leaves nothing behind.
func (s *Store) mutate(class Class, fn func(map[string]Record) bool) error {
	key := string(class)
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		entry, err := s.kv.Get(key)
		if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("failed to read %s presence: %w", class, err)
		}

		m := make(map[string]Record)
		var rev uint64
		if err == nil {
			rev = entry.Revision()
			if jerr := json.Unmarshal(entry.Value(), &m); jerr != nil {
				// Unreadable value: start over rather than wedge every writer.
				m = make(map[string]Record)
			}
		}

		if !fn(m) {
			return nil
		}

		if len(m) == 0 {
			if rev == 0 {
				return nil
			}
			err = s.kv.Delete(key, nats.LastRevision(rev))
			if err == nil {
				return nil
			}
			lastErr = err
			continue
		}

		data, merr := json.Marshal(m)
		if merr != nil {
			return fmt.Errorf("failed to marshal %s presence: %w", class, merr)
		}
		if rev == 0 {
			_, err = s.kv.Create(key, data)
			if err == nil {
				return nil
			}
			if !errors.Is(err, nats.ErrKeyExists) {
				return fmt.Errorf("failed to create %s presence: %w", class, err)
			}
			lastErr = err
			continue
		}
		_, err = s.kv.Update(key, data, rev)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("presence %s update lost %d CAS races: %w", class, casAttempts, lastErr)
}

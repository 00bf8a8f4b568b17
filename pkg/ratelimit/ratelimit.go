// Package ratelimit implements fixed-window rate limiting on a shared
// JetStream KV bucket, so all server instances count against the same
// windows. Windows reset at fixed boundaries; a client can burst up to
// 2x the limit across one boundary, which is the accepted imprecision of
// this algorithm.
package ratelimit

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Rule is one action's budget: Limit operations per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Well-known actions.
const (
	ActionChatMessage = "chat"
	ActionLogin       = "auth.login"
)

// DefaultRules returns the stock budgets: 20 chat messages per 10s, 10 login
// attempts per minute.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ActionChatMessage: {Limit: 20, Window: 10 * time.Second},
		ActionLogin:       {Limit: 10, Window: 60 * time.Second},
	}
}

// Config configures a Limiter.
type Config struct {
	Bucket string        // default "RATELIMIT"
	TTL    time.Duration // bucket entry TTL; default 2x the longest window
	Rules  map[string]Rule
}

const (
	DefaultBucket = "RATELIMIT"

	casAttempts = 5
)

type window struct {
	Count   int   `json:"count"`
	ResetAt int64 `json:"reset_at"` // unix millis
}

// Limiter answers allow/deny for (action, identity) pairs. A store that
// cannot be read or written denies: failing open here would remove the
// protection exactly when the system is already struggling.
type Limiter struct {
	kv    nats.KeyValue
	rules map[string]Rule
	now   func() time.Time
}

// New creates (or reuses) the rate limit KV bucket. The bucket TTL only
// reaps abandoned windows; reset_at inside the value decides correctness,
// since KV TTLs apply per bucket rather than per remaining window.
func New(js nats.JetStreamContext, cfg Config) (*Limiter, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.TTL <= 0 {
		var longest time.Duration
		for _, r := range cfg.Rules {
			if r.Window > longest {
				longest = r.Window
			}
		}
		if longest <= 0 {
			longest = time.Minute
		}
		cfg.TTL = 2 * longest
	}

	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  cfg.Bucket,
		History: 1,
		TTL:     cfg.TTL,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s KV bucket: %w", cfg.Bucket, err)
	}

	return &Limiter{kv: kv, rules: cfg.Rules, now: time.Now}, nil
}

// Allow reports whether the identity may perform the action now, consuming
// one unit of its window when it may. Actions without a configured rule are
// unlimited.
func (l *Limiter) Allow(action, identity string) bool {
	rule, ok := l.rules[action]
	if !ok || rule.Limit <= 0 {
		return true
	}

	key := windowKey(action, identity)
	now := l.now().UnixMilli()

	for attempt := 0; attempt < casAttempts; attempt++ {
		entry, err := l.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			data, _ := json.Marshal(window{Count: 1, ResetAt: now + rule.Window.Milliseconds()})
			_, cerr := l.kv.Create(key, data)
			if cerr == nil {
				return true
			}
			if errors.Is(cerr, nats.ErrKeyExists) {
				continue
			}
			slog.Warn("Rate limit store write failed, denying", "action", action, "error", cerr)
			return false
		}
		if err != nil {
			slog.Warn("Rate limit store read failed, denying", "action", action, "error", err)
			return false
		}

		var w window
		if jerr := json.Unmarshal(entry.Value(), &w); jerr != nil {
			// Unreadable value: replace it with a fresh window.
			w = window{}
		}

		if w.ResetAt == 0 || now >= w.ResetAt {
			data, _ := json.Marshal(window{Count: 1, ResetAt: now + rule.Window.Milliseconds()})
			if _, uerr := l.kv.Update(key, data, entry.Revision()); uerr == nil {
				return true
			}
			continue
		}

		if w.Count >= rule.Limit {
			return false
		}

		w.Count++
		data, _ := json.Marshal(w)
		if _, uerr := l.kv.Update(key, data, entry.Revision()); uerr == nil {
			return true
		}
	}

	slog.Warn("Rate limit CAS contention exhausted, denying", "action", action)
	return false
}

// windowKey builds a KV-safe key. Identities may contain characters a KV key
// cannot (IPv6 colons); those are substituted and a short hash keeps
// distinct identities distinct.
func windowKey(action, identity string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, identity)
	if clean == "" {
		clean = "x"
	}
	if clean != identity {
		sum := sha1.Sum([]byte(identity))
		clean = clean + "-" + hex.EncodeToString(sum[:4])
	}
	return action + "." + clean
}

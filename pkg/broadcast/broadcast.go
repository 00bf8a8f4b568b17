// Package broadcast delivers events to named groups of live connections
// across all server instances, backed by NATS core pub/sub. Every member of a
// group holds its own subscription, so delivery is at-least-once with
// per-publisher FIFO inside a group and no ordering promise across groups.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/roomchat/pkg/otelhelper"
)

// Event types carried in an Envelope.
const (
	EventChatMessage    = "chat_message"
	EventPresenceUpdate = "presence_update"
)

// OnlineUser is one entry in a presence_update online list.
type OnlineUser struct {
	Username     string `json:"username"`
	ProfileImage string `json:"profileImage"`
}

// Envelope is the wire form of a group event. Type selects which of the
// remaining fields are meaningful.
type Envelope struct {
	Type string `json:"type"`

	// chat_message
	Message    string `json:"message,omitempty"`
	Username   string `json:"username,omitempty"`
	ProfilePic string `json:"profile_pic,omitempty"`
	Room       string `json:"room,omitempty"`

	// presence_update
	Online []OnlineUser `json:"online,omitempty"`
	Guests *int         `json:"guests,omitempty"`
}

// Broadcaster publishes group events and registers group members.
type Broadcaster struct {
	nc      *nats.Conn
	dropped atomic.Int64
}

func New(nc *nats.Conn) *Broadcaster {
	return &Broadcaster{nc: nc}
}

// Publish sends one event to every current member of the group. Members that
// join concurrently with the publish may or may not receive it.
func (b *Broadcaster) Publish(ctx context.Context, group string, ev Envelope) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
	}
	return otelhelper.TracedPublish(ctx, b.nc, group, data)
}

// Dropped reports events discarded because a member's buffer was full.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Membership is one connection's registration in a group. Events arrive on C
// until Leave is called; C is never closed, so receivers must select against
// their own done signal.
type Membership struct {
	C <-chan Envelope

	group string
	sub   *nats.Subscription
	once  sync.Once
}

// Group returns the group this membership belongs to.
func (m *Membership) Group() string {
	return m.group
}

// Leave unsubscribes from the group. Safe to call more than once; events
// already buffered on C remain readable.
func (m *Membership) Leave() {
	m.once.Do(func() {
		if err := m.sub.Unsubscribe(); err != nil {
			slog.Debug("Group unsubscribe failed", "group", m.group, "error", err)
		}
	})
}

// Join registers the caller as a member of the group. When Join returns, the
// subscription is registered on the server, so a publish from any connection
// after that point reaches this member. Slow receivers do not block the
// broadcaster: events beyond the buffer are dropped and counted.
func (b *Broadcaster) Join(group string) (*Membership, error) {
	ch := make(chan Envelope, 64)
	sub, err := b.nc.Subscribe(group, func(msg *nats.Msg) {
		var ev Envelope
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("Discarding undecodable group event", "group", group, "error", err)
			return
		}
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to join group %s: %w", group, err)
	}
	// Subscribe only queues the SUB on the client; without a round-trip the
	// server may not know the member yet and publishes race past it.
	if err := b.nc.FlushTimeout(2 * time.Second); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("failed to register group %s membership: %w", group, err)
	}
	return &Membership{C: ch, group: group, sub: sub}, nil
}

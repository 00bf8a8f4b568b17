package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/roomchat/pkg/broadcast"
	"github.com/example/roomchat/pkg/presence"
)

// Client and heartbeat frames on the presence channel share one shape.
type presencePing struct {
	Type string `json:"type"`
}

// Update frame for authenticated viewers: the full online list plus the
// anonymous guest count.
type presenceAuthFrame struct {
	Online []broadcast.OnlineUser `json:"online"`
	Guests int                    `json:"guests"`
}

// Guests only learn how many connections like theirs exist.
type presenceGuestFrame struct {
	Guests int `json:"guests"`
}

// presenceConn is one live presence connection: Connecting (classify, join,
// count) -> Open (reader, forwarder, heartbeat, optional watchdog) -> Closed
// (decrement, grace, final broadcast).
type presenceConn struct {
	g       *Gateway
	conn    *websocket.Conn
	id      string
	class   presence.Class
	key     string // username or guest IP
	avatar  string
	member  *broadcast.Membership
	guestly bool

	writeMu      sync.Mutex
	lastActivity atomic.Int64 // unix nanos
	nextTouchAt  atomic.Int64 // unix nanos

	graceful atomic.Bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (g *Gateway) handlePresenceWS(w http.ResponseWriter, r *http.Request) {
	claims := g.identify(r)

	var (
		class  presence.Class
		key    string
		avatar string
		group  string
	)
	if claims != nil {
		class = presence.ClassAuth
		key = claims.Username
		avatar = g.signer.ProfileURL(r, claims.Picture)
		group = broadcast.PresenceAuthGroup
	} else {
		class = presence.ClassGuest
		key = g.resolver.FromRequest(r)
		group = broadcast.PresenceGuestGroup
	}

	member, err := g.bc.Join(group)
	if err != nil {
		slog.Error("Failed to join presence group", "group", group, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "broadcast unavailable")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		member.Leave()
		slog.Debug("Presence upgrade failed", "error", err)
		return
	}

	c := &presenceConn{
		g:       g,
		conn:    conn,
		id:      uuid.NewString(),
		class:   class,
		key:     key,
		avatar:  avatar,
		member:  member,
		guestly: claims == nil,
		done:    make(chan struct{}),
	}
	c.touch()

	presenceConnsActive.Add(r.Context(), 1,
		metric.WithAttributes(attribute.String("class", string(class))))
	defer presenceConnsActive.Add(r.Context(), -1,
		metric.WithAttributes(attribute.String("class", string(class))))
	slog.Info("Presence connected", "conn", c.id, "class", class, "key", key)

	if err := g.presence.Add(class, key, avatar); err != nil {
		slog.Warn("Presence add failed", "conn", c.id, "error", err)
	}
	g.broadcastPresence(context.Background())

	c.wg.Add(2)
	go c.forwardLoop()
	go c.heartbeatLoop()
	if g.cfg.PresenceIdleTimeout > 0 {
		c.wg.Add(1)
		go c.idleWatchdog()
	}

	c.readLoop()
	c.shutdown()
	slog.Info("Presence disconnected", "conn", c.id, "class", class, "key", key, "graceful", c.graceful.Load())
}

func (c *presenceConn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *presenceConn) idleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - c.lastActivity.Load())
}

func (c *presenceConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// readLoop consumes client frames until the socket dies. Only ping-type
// payloads matter; they refresh the activity clock and, throttled to once per
// touch interval, the shared liveness record.
func (c *presenceConn) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.graceful.Store(true)
			}
			return
		}
		now := time.Now()
		c.touch()

		var ping presencePing
		if err := json.Unmarshal(data, &ping); err != nil || ping.Type != "ping" {
			continue
		}

		next := c.nextTouchAt.Load()
		if now.UnixNano() < next {
			continue
		}
		if !c.nextTouchAt.CompareAndSwap(next, now.Add(c.g.cfg.PresenceTouchInterval).UnixNano()) {
			continue
		}
		if err := c.g.presence.Touch(c.class, c.key, c.avatar); err != nil {
			slog.Warn("Presence touch failed", "conn", c.id, "error", err)
		}
	}
}

// forwardLoop relays presence updates to the client, trimmed to what its
// class may see.
func (c *presenceConn) forwardLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.member.C:
			if ev.Type != broadcast.EventPresenceUpdate {
				continue
			}
			guests := 0
			if ev.Guests != nil {
				guests = *ev.Guests
			}
			var err error
			if c.guestly {
				err = c.writeJSON(presenceGuestFrame{Guests: guests})
			} else {
				online := ev.Online
				if online == nil {
					online = []broadcast.OnlineUser{}
				}
				err = c.writeJSON(presenceAuthFrame{Online: online, Guests: guests})
			}
			if err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// heartbeatLoop proactively pings the client. A failed send means the socket
// is dead; the reader will observe the same failure and run the disconnect
// sequence, so the loop just stops.
func (c *presenceConn) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.g.presenceHeartbeatTick())
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeJSON(presencePing{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

func (c *presenceConn) idleWatchdog() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.g.presenceWatchdogTick())
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.idleFor() <= c.g.cfg.PresenceIdleTimeout {
				continue
			}
			c.writeMu.Lock()
			msg := websocket.FormatCloseMessage(presenceCloseIdle, "idle timeout")
			c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			c.conn.Close()
			idleClosedTotal.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("channel", "presence")))
			return
		}
	}
}

// shutdown runs once after the reader exits: stop and await every per-
// connection task, then settle the liveness record and tell the world.
func (c *presenceConn) shutdown() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		c.wg.Wait()

		if err := c.g.presence.Remove(c.class, c.key, c.graceful.Load()); err != nil {
			slog.Warn("Presence remove failed", "conn", c.id, "error", err)
		}
		c.g.broadcastPresence(context.Background())
		c.member.Leave()
	})
}

// broadcastPresence recomputes both views and publishes them to both groups.
// Snapshot fails open, so a store outage degrades to empty counts instead of
// tearing down connections.
func (g *Gateway) broadcastPresence(ctx context.Context) {
	online, err := g.presence.Snapshot(presence.ClassAuth)
	if err != nil {
		slog.WarnContext(ctx, "Online snapshot failed", "error", err)
	}
	guestRecs, err := g.presence.Snapshot(presence.ClassGuest)
	if err != nil {
		slog.WarnContext(ctx, "Guest snapshot failed", "error", err)
	}

	list := make([]broadcast.OnlineUser, 0, len(online))
	for username, rec := range online {
		list = append(list, broadcast.OnlineUser{Username: username, ProfileImage: rec.ProfileImage})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Username < list[j].Username })
	guests := len(guestRecs)

	if err := g.bc.Publish(ctx, broadcast.PresenceGuestGroup, broadcast.Envelope{
		Type:   broadcast.EventPresenceUpdate,
		Guests: &guests,
	}); err != nil {
		slog.WarnContext(ctx, "Guest presence publish failed", "error", err)
	}
	if err := g.bc.Publish(ctx, broadcast.PresenceAuthGroup, broadcast.Envelope{
		Type:   broadcast.EventPresenceUpdate,
		Online: list,
		Guests: &guests,
	}); err != nil {
		slog.WarnContext(ctx, "Auth presence publish failed", "error", err)
	}
}

func (g *Gateway) presenceHeartbeatTick() time.Duration {
	if g.tickOverride > 0 {
		return g.tickOverride
	}
	tick := g.cfg.PresenceHeartbeat
	if tick < 5*time.Second {
		tick = 5 * time.Second
	}
	return tick
}

// presenceWatchdogTick polls at the heartbeat cadence (or faster for very
// short timeouts), floored at 5s.
func (g *Gateway) presenceWatchdogTick() time.Duration {
	if g.tickOverride > 0 {
		return g.tickOverride
	}
	tick := g.cfg.PresenceHeartbeat
	if g.cfg.PresenceIdleTimeout < tick {
		tick = g.cfg.PresenceIdleTimeout
	}
	if tick < 5*time.Second {
		tick = 5 * time.Second
	}
	return tick
}

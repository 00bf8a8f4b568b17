package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/roomchat/pkg/broadcast"
	"github.com/example/roomchat/pkg/identity"
	"github.com/example/roomchat/pkg/otelhelper"
	"github.com/example/roomchat/pkg/ratelimit"
	"github.com/example/roomchat/pkg/rooms"
)

// Client frame on the chat channel.
type chatInbound struct {
	Message *string `json:"message"`
}

// Server frame delivered to chat clients.
type chatFrame struct {
	Message    string `json:"message"`
	Username   string `json:"username"`
	ProfilePic string `json:"profile_pic"`
	Room       string `json:"room"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// sinkMessage is what the persist worker consumes. ProfilePic carries the raw
// media name; readers sign it into a URL at serve time.
type sinkMessage struct {
	Room       string `json:"room"`
	Username   string `json:"username"`
	Content    string `json:"content"`
	ProfilePic string `json:"profile_pic,omitempty"`
	CreatedAt  int64  `json:"created_at"` // unix millis
}

// chatConn is one live chat connection: Connecting (handshake) -> Open
// (reader, broadcast forwarder, optional watchdog) -> Closed.
type chatConn struct {
	g      *Gateway
	conn   *websocket.Conn
	req    *http.Request
	claims *identity.Claims // nil for guests
	id     string
	room   string

	member *broadcast.Membership

	writeMu      sync.Mutex
	lastActivity atomic.Int64 // unix nanos

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (g *Gateway) handleChatWS(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	claims := g.identify(r)

	// Bad slugs and guests on private rooms are refused at connect; nothing
	// past this point closes the connection for bad input alone.
	if !g.slugRule.Valid(slug) {
		writeJSONError(w, http.StatusNotFound, "no such room")
		return
	}
	if claims == nil && slug != rooms.PublicSlug {
		writeJSONError(w, http.StatusForbidden, "authentication required")
		return
	}

	g.resolveRoom(r.Context(), slug)

	member, err := g.bc.Join(broadcast.RoomGroup(slug))
	if err != nil {
		slog.Error("Failed to join room group", "room", slug, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "broadcast unavailable")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		member.Leave()
		slog.Debug("Chat upgrade failed", "room", slug, "error", err)
		return
	}

	c := &chatConn{
		g:      g,
		conn:   conn,
		req:    r,
		claims: claims,
		id:     uuid.NewString(),
		room:   slug,
		member: member,
		done:   make(chan struct{}),
	}
	c.touch()

	chatConnsActive.Add(r.Context(), 1)
	defer chatConnsActive.Add(r.Context(), -1)
	username := ""
	if claims != nil {
		username = claims.Username
	}
	slog.Info("Chat connected", "conn", c.id, "room", slug, "user", username)

	c.wg.Add(1)
	go c.forwardLoop()
	if g.cfg.ChatIdleTimeout > 0 {
		c.wg.Add(1)
		go c.idleWatchdog()
	}

	c.readLoop()
	c.shutdown()
	slog.Info("Chat disconnected", "conn", c.id, "room", slug)
}

func (c *chatConn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *chatConn) idleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - c.lastActivity.Load())
}

func (c *chatConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// readLoop runs the inbound message pipeline until the socket dies. Malformed
// payloads are dropped without a reply; policy violations answer with an
// error frame and keep the connection open.
func (c *chatConn) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, chatCloseIdle) {
				slog.Debug("Chat read failed", "conn", c.id, "error", err)
			}
			return
		}
		c.touch()

		var in chatInbound
		if err := json.Unmarshal(data, &in); err != nil || in.Message == nil {
			continue
		}
		text := strings.TrimSpace(*in.Message)
		if text == "" {
			continue
		}
		// The cap counts characters, not bytes, so multibyte text is not
		// penalized.
		if utf8.RuneCountInString(text) > c.g.cfg.MessageMaxLen {
			c.writeJSON(errorFrame{Error: "message_too_long"})
			chatRejectedTotal.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("reason", "too_long")))
			continue
		}
		if c.claims == nil {
			// Guests read the public room but never post.
			continue
		}
		if !c.g.limiter.Allow(ratelimit.ActionChatMessage, c.claims.Username) {
			c.writeJSON(errorFrame{Error: "rate_limited"})
			chatRejectedTotal.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("reason", "rate_limited")))
			continue
		}

		c.deliver(text)
	}
}

// deliver persists the message and fans it out to the room group.
func (c *chatConn) deliver(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	avatarURL := c.g.signer.ProfileURL(c.req, c.claims.Picture)

	sink := sinkMessage{
		Room:       c.room,
		Username:   c.claims.Username,
		Content:    text,
		ProfilePic: c.claims.Picture,
		CreatedAt:  time.Now().UnixMilli(),
	}
	data, _ := json.Marshal(sink)
	subject := "chat.message." + broadcast.GroupID(c.room)
	if _, err := c.g.js.PublishMsg(&nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  otelhelper.InjectContext(ctx),
	}, nats.Context(ctx)); err != nil {
		// The stream holds the durable copy; without its ack the message is
		// dropped rather than fanned out unpersisted.
		slog.ErrorContext(ctx, "Failed to persist message", "conn", c.id, "room", c.room, "error", err)
		return
	}

	ev := broadcast.Envelope{
		Type:       broadcast.EventChatMessage,
		Message:    text,
		Username:   c.claims.Username,
		ProfilePic: avatarURL,
		Room:       c.room,
	}
	if err := c.g.bc.Publish(ctx, c.member.Group(), ev); err != nil {
		slog.ErrorContext(ctx, "Failed to broadcast message", "conn", c.id, "room", c.room, "error", err)
		return
	}
	chatMessagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("room", c.room)))
}

// forwardLoop relays room events to the client. Outbound delivery counts as
// activity so a lurker in a busy room is not idle-closed.
func (c *chatConn) forwardLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.member.C:
			if ev.Type != broadcast.EventChatMessage {
				continue
			}
			c.touch()
			frame := chatFrame{
				Message:    ev.Message,
				Username:   ev.Username,
				ProfilePic: ev.ProfilePic,
				Room:       ev.Room,
			}
			if err := c.writeJSON(frame); err != nil {
				// Dead socket: force the reader out, teardown follows there.
				c.conn.Close()
				return
			}
		}
	}
}

func (c *chatConn) idleWatchdog() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.g.chatWatchdogTick())
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.idleFor() <= c.g.cfg.ChatIdleTimeout {
				continue
			}
			c.closeWithCode(chatCloseIdle, "idle timeout")
			idleClosedTotal.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("channel", "chat")))
			return
		}
	}
}

func (c *chatConn) closeWithCode(code int, reason string) {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	c.writeMu.Unlock()
	c.conn.Close()
}

// shutdown runs exactly once after the reader exits: stop the timers, wait
// for them, then leave the room group.
func (c *chatConn) shutdown() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		c.wg.Wait()
		c.member.Leave()
	})
}

// chatWatchdogTick clamps the poll interval to [10s, 60s] so short timeouts
// are detected promptly without a hot loop, and long ones don't wait a full
// timeout again before firing.
func (g *Gateway) chatWatchdogTick() time.Duration {
	if g.tickOverride > 0 {
		return g.tickOverride
	}
	tick := g.cfg.ChatIdleTimeout
	if tick < 10*time.Second {
		tick = 10 * time.Second
	}
	if tick > 60*time.Second {
		tick = 60 * time.Second
	}
	return tick
}

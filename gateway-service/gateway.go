package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/example/roomchat/pkg/broadcast"
	"github.com/example/roomchat/pkg/identity"
	"github.com/example/roomchat/pkg/mediatoken"
	"github.com/example/roomchat/pkg/otelhelper"
	"github.com/example/roomchat/pkg/presence"
	"github.com/example/roomchat/pkg/ratelimit"
	"github.com/example/roomchat/pkg/realip"
	"github.com/example/roomchat/pkg/rooms"
)

// Application close codes, distinct per channel so clients can tell an idle
// disconnect from a transport failure.
const (
	presenceCloseIdle = 4000
	chatCloseIdle     = 4001
)

// Gateway is the WebSocket edge: it runs the chat and presence connection
// state machines and proxies room/history lookups to their backing services.
type Gateway struct {
	cfg      Config
	nc       *nats.Conn
	js       nats.JetStreamContext
	bc       *broadcast.Broadcaster
	presence *presence.Store
	limiter  *ratelimit.Limiter
	verifier identity.Verifier
	resolver *realip.Resolver
	signer   *mediatoken.Signer
	slugRule *rooms.SlugRule

	// Test seam: overrides the watchdog/heartbeat tick when > 0.
	tickOverride time.Duration
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin upgrades are allowed; identity comes from the token, not
	// the origin, and guests are read-only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

var meter = otel.Meter("gateway-service")

var (
	chatConnsActive, _     = meter.Int64UpDownCounter("chat_connections_active")
	chatMessagesTotal, _   = meter.Int64Counter("chat_messages_total")
	chatRejectedTotal, _   = meter.Int64Counter("chat_messages_rejected_total")
	presenceConnsActive, _ = meter.Int64UpDownCounter("presence_connections_active")
	idleClosedTotal, _     = meter.Int64Counter("connections_idle_closed_total")
)

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/chat/{slug}", g.handleChatWS)
	mux.HandleFunc("GET /ws/presence", g.handlePresenceWS)
	mux.HandleFunc("GET /api/chat/rooms/public", g.handlePublicRoom)
	mux.HandleFunc("GET /api/chat/rooms/{slug}", g.handleRoomDetails)
	mux.HandleFunc("GET /api/chat/rooms/{slug}/messages", g.handleRoomMessages)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// identify resolves the request's identity. A missing or invalid token means
// guest, never an error.
func (g *Gateway) identify(r *http.Request) *identity.Claims {
	token := identity.TokenFromRequest(r)
	if token == "" {
		return nil
	}
	claims, err := g.verifier.Verify(token)
	if err != nil {
		slog.Debug("Rejected token, treating as guest", "error", err)
		return nil
	}
	return claims
}

// resolveRoom asks the room service to materialize the room. Failures are
// logged and tolerated: the room row also materializes on the next REST
// lookup, and chat delivery does not depend on it.
func (g *Gateway) resolveRoom(ctx context.Context, slug string) {
	payload, _ := json.Marshal(roomRequest{Slug: slug})
	subject := "room.get." + broadcast.GroupID(slug)
	if _, err := otelhelper.TracedRequest(ctx, g.nc, subject, payload, 2*time.Second); err != nil {
		slog.Warn("Room lookup failed", "room", slug, "error", err)
	}
}

type roomRequest struct {
	Slug string `json:"slug"`
}

type roomResponse struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// historyRequest names the room in the body: the subject tail is a lossy
// routing key, so the service reads the real slug from here.
type historyRequest struct {
	Room   string `json:"room"`
	Before int64  `json:"before,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type historyMessage struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Content    string `json:"content"`
	ProfilePic string `json:"profilePic,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

type historyResponse struct {
	Messages []historyMessage `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

func (g *Gateway) handlePublicRoom(w http.ResponseWriter, r *http.Request) {
	g.roomDetails(w, r, rooms.PublicSlug)
}

func (g *Gateway) handleRoomDetails(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if g.identify(r) == nil && slug != rooms.PublicSlug {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if !g.slugRule.Valid(slug) {
		writeJSONError(w, http.StatusNotFound, "no such room")
		return
	}
	g.roomDetails(w, r, slug)
}

func (g *Gateway) roomDetails(w http.ResponseWriter, r *http.Request, slug string) {
	payload, _ := json.Marshal(roomRequest{Slug: slug})
	subject := "room.get." + broadcast.GroupID(slug)
	reply, err := otelhelper.TracedRequest(r.Context(), g.nc, subject, payload, 2*time.Second)
	if err != nil {
		// Registry down: answer from the slug alone so the client keeps
		// working, the same degradation the room service itself applies.
		slog.WarnContext(r.Context(), "Room service unavailable", "room", slug, "error", err)
		writeJSON(w, http.StatusOK, roomResponse{Slug: slug, Name: rooms.DisplayName(slug)})
		return
	}
	var resp roomResponse
	if err := json.Unmarshal(reply.Data, &resp); err != nil || resp.Slug == "" {
		writeJSON(w, http.StatusOK, roomResponse{Slug: slug, Name: rooms.DisplayName(slug)})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleRoomMessages(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if g.identify(r) == nil && slug != rooms.PublicSlug {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if !g.slugRule.Valid(slug) {
		writeJSONError(w, http.StatusNotFound, "no such room")
		return
	}

	req := historyRequest{Room: slug}
	if v := r.URL.Query().Get("before"); v != "" {
		req.Before, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		req.Limit, _ = strconv.Atoi(v)
	}

	payload, _ := json.Marshal(req)
	subject := "chat.history." + broadcast.GroupID(slug)
	reply, err := otelhelper.TracedRequest(r.Context(), g.nc, subject, payload, 5*time.Second)
	if err != nil {
		slog.WarnContext(r.Context(), "History service unavailable", "room", slug, "error", err)
		writeJSON(w, http.StatusOK, historyResponse{Messages: []historyMessage{}})
		return
	}

	var resp historyResponse
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		writeJSON(w, http.StatusOK, historyResponse{Messages: []historyMessage{}})
		return
	}
	// Stored avatars are media names; sign them into fetchable URLs for this
	// caller's public base.
	for i := range resp.Messages {
		resp.Messages[i].ProfilePic = g.signer.ProfileURL(r, resp.Messages[i].ProfilePic)
	}
	if resp.Messages == nil {
		resp.Messages = []historyMessage{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/example/roomchat/pkg/broadcast"
	"github.com/example/roomchat/pkg/identity"
	"github.com/example/roomchat/pkg/mediatoken"
	"github.com/example/roomchat/pkg/otelhelper"
	"github.com/example/roomchat/pkg/presence"
	"github.com/example/roomchat/pkg/ratelimit"
	"github.com/example/roomchat/pkg/realip"
	"github.com/example/roomchat/pkg/rooms"
)

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx, "gateway-service")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg := loadConfig()

	slog.Info("Starting Gateway Service",
		"addr", cfg.Addr,
		"nats_url", cfg.NatsURL,
		"chat_idle_timeout", cfg.ChatIdleTimeout,
		"presence_idle_timeout", cfg.PresenceIdleTimeout,
	)

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("gateway-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				slog.Info("NATS reconnected")
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}

	gw, err := newGateway(cfg, nc, js)
	if err != nil {
		slog.Error("Failed to build gateway", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: gw.routes(),
	}

	go func() {
		slog.Info("Gateway listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down gateway service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	nc.Drain()
}

// Config holds the gateway configuration. Every tunable comes from the
// environment so deployments can override the lot without a rebuild.
type Config struct {
	Addr     string
	NatsURL  string
	NatsUser string
	NatsPass string

	MessageMaxLen   int
	ChatRateLimit   int
	ChatRateWindow  time.Duration
	SlugPattern     string
	ChatIdleTimeout time.Duration

	PresenceTTL           time.Duration
	PresenceGrace         time.Duration
	PresenceHeartbeat     time.Duration
	PresenceIdleTimeout   time.Duration
	PresenceTouchInterval time.Duration

	TrustedProxies []string

	TokenSecret string
	JWKSURL     string
	JWKSIssuer  string

	MediaSigningKey string
	MediaURLTTL     time.Duration
	PublicBaseURL   string
}

func loadConfig() Config {
	// Best-effort: local runs keep settings in a .env file.
	godotenv.Load()

	return Config{
		Addr:     envOrDefault("GATEWAY_ADDR", ":8080"),
		NatsURL:  envOrDefault("NATS_URL", "nats://localhost:4222"),
		NatsUser: envOrDefault("NATS_USER", ""),
		NatsPass: envOrDefault("NATS_PASS", ""),

		MessageMaxLen:   envOrDefaultInt("CHAT_MESSAGE_MAX_LENGTH", 1000),
		ChatRateLimit:   envOrDefaultInt("CHAT_MESSAGE_RATE_LIMIT", 20),
		ChatRateWindow:  envOrDefaultDuration("CHAT_MESSAGE_RATE_WINDOW", 10*time.Second),
		SlugPattern:     envOrDefault("CHAT_ROOM_SLUG_PATTERN", ""),
		ChatIdleTimeout: envOrDefaultDuration("CHAT_WS_IDLE_TIMEOUT", 10*time.Minute),

		PresenceTTL:           envOrDefaultDuration("PRESENCE_TTL", presence.DefaultTTL),
		PresenceGrace:         envOrDefaultDuration("PRESENCE_GRACE", presence.DefaultGrace),
		PresenceHeartbeat:     envOrDefaultDuration("PRESENCE_HEARTBEAT", 20*time.Second),
		PresenceIdleTimeout:   envOrDefaultDuration("PRESENCE_IDLE_TIMEOUT", 90*time.Second),
		PresenceTouchInterval: envOrDefaultDuration("PRESENCE_TOUCH_INTERVAL", 30*time.Second),

		TrustedProxies: splitList(envOrDefault("TRUSTED_PROXIES", "")),

		TokenSecret: envOrDefault("AUTH_TOKEN_SECRET", "dev-token-secret"),
		JWKSURL:     envOrDefault("AUTH_JWKS_URL", ""),
		JWKSIssuer:  envOrDefault("AUTH_JWKS_ISSUER", ""),

		MediaSigningKey: envOrDefault("MEDIA_SIGNING_KEY", "dev-media-secret"),
		MediaURLTTL:     envOrDefaultDuration("MEDIA_URL_TTL", mediatoken.DefaultTTL),
		PublicBaseURL:   envOrDefault("PUBLIC_BASE_URL", ""),
	}
}

func newGateway(cfg Config, nc *nats.Conn, js nats.JetStreamContext) (*Gateway, error) {
	slugRule, err := rooms.CompileSlugRule(cfg.SlugPattern)
	if err != nil {
		return nil, err
	}

	resolver, err := realip.NewResolver(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	store, err := presence.NewStore(js, presence.Config{
		TTL:   cfg.PresenceTTL,
		Grace: cfg.PresenceGrace,
	})
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.New(js, ratelimit.Config{
		Rules: map[string]ratelimit.Rule{
			ratelimit.ActionChatMessage: {Limit: cfg.ChatRateLimit, Window: cfg.ChatRateWindow},
		},
	})
	if err != nil {
		return nil, err
	}

	var verifier identity.Verifier
	if cfg.JWKSURL != "" {
		verifier, err = identity.NewJWKSVerifier(cfg.JWKSURL, cfg.JWKSIssuer)
		if err != nil {
			return nil, err
		}
	} else {
		verifier = identity.NewHMACVerifier(cfg.TokenSecret)
	}

	return &Gateway{
		cfg:      cfg,
		nc:       nc,
		js:       js,
		bc:       broadcast.New(nc),
		presence: store,
		limiter:  limiter,
		verifier: verifier,
		resolver: resolver,
		signer:   mediatoken.New(cfg.MediaSigningKey, cfg.MediaURLTTL, cfg.PublicBaseURL),
		slugRule: slugRule,
	}, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("Ignoring invalid integer env var", "key", key, "value", v)
	}
	return def
}

// envOrDefaultDuration accepts Go duration strings ("90s", "10m") and, for
// compatibility with older deployments, bare integers meaning seconds.
func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	slog.Warn("Ignoring invalid duration env var", "key", key, "value", v)
	return def
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

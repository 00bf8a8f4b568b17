package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/roomchat/pkg/mediatoken"
	"github.com/example/roomchat/pkg/otelhelper"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx, "media-server")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	godotenv.Load()

	addr := envOrDefault("MEDIA_ADDR", ":8082")
	root := envOrDefault("MEDIA_ROOT", "./media")
	signingKey := envOrDefault("MEDIA_SIGNING_KEY", "dev-media-secret")

	slog.Info("Starting Media Server", "addr", addr, "root", root)

	handler := &mediaHandler{
		root:   root,
		signer: mediatoken.New(signingKey, 0, ""),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auth/media/{path...}", handler.serve)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down media server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

// mediaHandler serves files under root, gated by the signed-URL check. The
// signature covers the normalized path and the expiry, nothing else.
type mediaHandler struct {
	root   string
	signer *mediatoken.Signer
}

func (h *mediaHandler) serve(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("path")
	exp, err := strconv.ParseInt(r.URL.Query().Get("exp"), 10, 64)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	sig := r.URL.Query().Get("sig")

	if err := h.signer.Verify(name, exp, sig); err != nil {
		slog.Debug("Rejected media request", "path", name, "error", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	normalized := mediatoken.NormalizePath(name)
	full := filepath.Join(h.root, filepath.FromSlash(normalized))

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, full)
}

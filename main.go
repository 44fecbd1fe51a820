package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"twin-event-mesh/config"
	"twin-event-mesh/domain"
	"twin-event-mesh/hub"
	"twin-event-mesh/liveness"
	"twin-event-mesh/metrics"
	"twin-event-mesh/protocol"
	ws "twin-event-mesh/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	dotEnvErr := config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel, cfg.LogFormat)
	if dotEnvErr != nil {
		slog.Info("no .env file found, using environment variables")
	}

	reg := metrics.NewRegistry()
	m := metrics.NewRelay(reg)

	clients := hub.New(m)
	notifier := liveness.New(liveness.Config{
		BaseURL: cfg.RegistryHeartbeatURL,
		Token:   cfg.RegistryServiceToken,
		Timeout: cfg.HeartbeatTimeout,
	}, m)
	handler := protocol.NewHandler(clients, clients, notifier, m)

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: newMux(clients, handler, reg, ws.Options{
			MaxMessageSize: cfg.MaxMessageSize,
			MessageRate:    cfg.MessageRate,
			MessageBurst:   cfg.MessageBurst,
		}),
	}

	go func() {
		slog.Info("twin event mesh starting", "port", cfg.Port, "registry", cfg.RegistryHeartbeatURL)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	// Shutdown does not track hijacked connections.
	clients.ForEach(func(conn domain.Connection, _ domain.Client) {
		conn.Close()
	})
	if err := notifier.Wait(ctx); err != nil {
		slog.Warn("heartbeats still in flight at exit", "error", err)
	}
}

func setupLogger(level, format string) {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

func newMux(registry domain.Registry, handler domain.MessageHandler, reg *prometheus.Registry, opts ws.Options) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(registry, handler, opts))
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/stats", statsHandler(registry))
	mux.Handle("/metrics", metrics.Handler(reg))
	return mux
}

func wsHandler(registry domain.Registry, handler domain.MessageHandler, opts ws.Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("upgrade error", "error", err)
			return
		}

		wsConn := ws.NewConn(uuid.New().String(), conn, registry, handler, opts)
		wsConn.Start()
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func statsHandler(registry domain.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clients, topics := registry.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"clients": clients, "topics": topics})
	}
}

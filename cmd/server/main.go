// Package main is the composition root for the reasoning bank server:
// it wires the pattern store, adaptive learner, neural bus, gossip
// layer, and tool surface together and runs them until terminated.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"reasoningbank/internal/bus"
	"reasoningbank/internal/capability"
	"reasoningbank/internal/config"
	"reasoningbank/internal/gossip"
	"reasoningbank/internal/learner"
	"reasoningbank/internal/store"
	"reasoningbank/internal/toolsurface"
	"reasoningbank/pkg/types"
)

func main() {
	cfg := config.Load()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fc, err := config.LoadYAMLFile(path)
		if err != nil {
			log.Fatalf("could not load config file %s: %v", path, err)
		}
		cfg.ApplyYAML(fc)
	}

	zlog, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("could not build logger: %v", err)
	}
	defer zlog.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopWatch := make(chan struct{})
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		go func() {
			if err := config.Watch(path, cfg, zlog, stopWatch); err != nil {
				zlog.Warn("config watcher exited", zap.Error(err))
			}
		}()
	}

	st, err := store.Open(store.Config{
		DataDir:         cfg.DataDir,
		EmbeddingDim:    cfg.EmbeddingDim,
		Metric:          types.MetricCosine,
		ExactScanLimit:  cfg.Similarity.ExactScanLimit,
		SimilarityFloor: float32(cfg.Recommend.MinSimilarity),
		MonotoneEpsilon: 1e-6,
	}, zlog)
	if err != nil {
		zlog.Fatal("could not open store", zap.Error(err))
	}
	defer st.Close()

	lrn := learner.New(st, learner.Config{
		K:             cfg.Recommend.K,
		MinSimilarity: float32(cfg.Recommend.MinSimilarity),
		PriorOutcome:  cfg.Recommend.PriorOutcome,
		Alpha:         cfg.Recommend.Alpha,
		Tau:           cfg.Recommend.Tau,
		Sigma:         cfg.Recommend.Sigma,
	}, types.MetricCosine)

	verifier := capability.NewVerifier(trustedIssuers(), 4096, cfg.Capability.ReplayWindow)

	neuralBus := bus.New(bus.Config{
		MaxSessions:          cfg.Bus.MaxSessions,
		MaxStreamsPerSession: cfg.Bus.MaxStreamsPerSession,
		MaxFrameBytes:        uint32(cfg.Bus.MaxFrameBytes),
		KeepaliveInterval:    cfg.Bus.KeepaliveInterval,
		HandshakeTimeout:     cfg.Bus.HandshakeTimeout,
		DrainTimeout:         cfg.Bus.DrainTimeout,
		EmbeddingDim:         cfg.EmbeddingDim,
		SnapshotChunkSize:    cfg.Gossip.BatchSize,
	}, verifier, st, zlog)

	gossipCfg := gossip.DefaultConfig(uint32(cfg.EmbeddingDim))
	gossipCfg.Interval = cfg.Gossip.Interval
	gossiper := gossip.New(gossipCfg, gossip.WebsocketDialer{}, st, zlog)
	for _, addr := range peerAddresses() {
		gossiper.AddPeer(addr)
	}

	toolHandler := toolsurface.New(lrn, st, gossiper, neuralBus, zlog)

	busServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.BusPort),
		Handler:      busRouter(neuralBus, zlog),
		ReadTimeout:  cfg.Bus.HandshakeTimeout + 5*time.Second,
		WriteTimeout: 60 * time.Second,
	}
	toolServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      toolHandler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := gossiper.Run(ctx); err != nil && err != context.Canceled {
			zlog.Warn("gossip loop stopped", zap.Error(err))
		}
	}()

	errc := make(chan error, 2)
	go func() {
		zlog.Info("neural bus listening", zap.String("addr", busServer.Addr))
		if err := busServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("bus server: %w", err)
		}
	}()
	go func() {
		zlog.Info("tool surface listening", zap.String("addr", toolServer.Addr))
		if err := toolServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("tool surface server: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		zlog.Info("shutdown signal received")
	case err := <-errc:
		zlog.Error("server error, shutting down", zap.Error(err))
	}

	close(stopWatch)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := busServer.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("bus server did not shut down cleanly", zap.Error(err))
	}
	if err := toolServer.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("tool surface server did not shut down cleanly", zap.Error(err))
	}
	zlog.Info("server stopped")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zcfg.Level = level
	return zcfg.Build()
}

// trustedIssuers builds the bus's capability registry from
// CAPABILITY_TRUSTED_KEYS, a comma-separated list of hex-encoded
// ed25519 issuer public keys. There is no manifest format for this in
// spec §6.4; an env var keeps the teacher's env-first configuration
// convention rather than inventing a new file format for a single list.
func trustedIssuers() capability.MapRegistry {
	registry := make(capability.MapRegistry)
	raw := os.Getenv("CAPABILITY_TRUSTED_KEYS")
	if raw == "" {
		return registry
	}
	for _, hexKey := range strings.Split(raw, ",") {
		hexKey = strings.TrimSpace(hexKey)
		if hexKey == "" {
			continue
		}
		raw, err := hex.DecodeString(hexKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			log.Printf("skipping malformed CAPABILITY_TRUSTED_KEYS entry: %q", hexKey)
			continue
		}
		registry[hexKey] = ed25519.PublicKey(raw)
	}
	return registry
}

// peerAddresses reads GOSSIP_PEERS, a comma-separated list of bus
// addresses to gossip with on startup.
func peerAddresses() []string {
	raw := os.Getenv("GOSSIP_PEERS")
	if raw == "" {
		return nil
	}
	var out []string
	for _, addr := range strings.Split(raw, ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// busRouter wires the neural bus's two websocket entry points: a
// control connection at /bus/control (handshake + Accept, then Run in
// its own goroutine) and a per-stream connection at
// /bus/stream/{sessionID} (classified and dispatched by ServeStream).
// A stream connection names the session it belongs to because Hello
// carries no server-assigned id back to the caller on the control
// connection's own wire — the session id a caller learns from a
// successful control handshake response is what it tags its later
// stream dials with.
func busRouter(b *bus.Bus, zlog *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Get("/bus/control", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			zlog.Warn("bus control upgrade failed", zap.Error(err))
			return
		}
		session, err := b.Accept(r.Context(), conn)
		if err != nil {
			zlog.Warn("bus control handshake failed", zap.Error(err))
			return
		}
		go func() {
			if err := b.Run(context.Background(), session); err != nil {
				zlog.Debug("bus session ended", zap.String("session_id", session.ID()), zap.Error(err))
			}
		}()
	})
	r.Get("/bus/stream/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			zlog.Warn("bus stream upgrade failed", zap.Error(err))
			return
		}
		if err := b.ServeStream(r.Context(), sessionID, conn); err != nil {
			zlog.Debug("bus stream ended", zap.String("session_id", sessionID), zap.Error(err))
		}
	})
	return r
}

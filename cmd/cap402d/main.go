// cap402d runs the trust and capability access control daemon: trust
// ledger, token service, handshake coordinator and semantic codec wired
// behind the gateway facade, with background sweepers and optional
// SQLite snapshots.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/audit"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/config"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/gateway"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/handshake"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/observability"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/policy"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/ratelimit"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/semantic"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/store"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/token"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/trust"
)

const (
	sweepInterval    = 5 * time.Minute
	snapshotInterval = time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	// Missing secrets abort startup in production; development mode gets
	// process-lifetime random secrets instead.
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.SigningSecret == "" {
		cfg.SigningSecret = devSecret()
		logger.Warn("using generated signing secret, tokens will not survive restarts")
	}
	if cfg.SemanticSalt == "" {
		cfg.SemanticSalt = devSecret()
		logger.Warn("using generated semantic salt, semantic keys will not survive restarts")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var obs *observability.Provider
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		if cfg.Production {
			obsCfg.Environment = "production"
			obsCfg.Insecure = false
		}
		var err error
		obs, err = observability.New(ctx, obsCfg)
		if err != nil {
			return fmt.Errorf("observability: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	auditLog := audit.Tee{audit.NewSlogSink(logger), audit.NewChainLog(4096)}

	ledger := trust.NewLedger(trust.WithLogger(logger.With("component", "trust")))

	tokens, err := token.NewService(token.Config{
		SigningSecret: []byte(cfg.SigningSecret),
		SemanticSalt:  []byte(cfg.SemanticSalt),
		DefaultTTL:    cfg.DefaultTokenTTL,
	}, token.WithLogger(logger.With("component", "token")), token.WithAuditSink(auditLog))
	if err != nil {
		return err
	}

	grants, err := handshake.NewGrantIssuer([]byte(cfg.SigningSecret), "cap402/handshake", cfg.DefaultTokenTTL)
	if err != nil {
		return err
	}
	coordinator := handshake.NewCoordinator(
		handshake.WithLogger(logger.With("component", "handshake")),
		handshake.WithAuditSink(auditLog),
		handshake.WithGrantIssuer(grants),
	)

	codec := semantic.NewCodec(
		semantic.WithLogger(logger.With("component", "semantic")),
		semantic.WithSchemaValidation(),
	)

	engine, err := policy.NewEngine()
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}

	gwOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithAuditSink(auditLog),
		gateway.WithPolicyEngine(engine),
	}
	if obs != nil {
		gwOpts = append(gwOpts, gateway.WithObservability(obs))
	}
	if cfg.RedisURL != "" {
		redisStore := ratelimit.NewRedisStore(cfg.RedisURL, "", 0)
		defer func() { _ = redisStore.Close() }()
		gwOpts = append(gwOpts, gateway.WithRequestLimit(redisStore, ratelimit.Policy{PerMinute: 120, Burst: 40}))
		logger.Info("using redis request limiter", "addr", cfg.RedisURL)
	}
	if cfg.ProfilesDir != "" {
		profiles, err := config.LoadAllProfiles(cfg.ProfilesDir)
		if err != nil {
			return fmt.Errorf("trust profiles: %w", err)
		}
		gwOpts = append(gwOpts, gateway.WithProfiles(profiles))
		logger.Info("trust profiles loaded", "count", len(profiles))
	}

	gw, err := gateway.New(ledger, tokens, coordinator, codec, gwOpts...)
	if err != nil {
		return err
	}

	var snapshots *store.SnapshotStore
	if cfg.SnapshotPath != "" {
		snapshots, err = store.Open(cfg.SnapshotPath)
		if err != nil {
			return err
		}
		defer func() { _ = snapshots.Close() }()
		if err := restore(ctx, snapshots, ledger, tokens, logger); err != nil {
			return err
		}
	}

	stopTokenSweep := tokens.StartSweeper(ctx, sweepInterval)
	defer stopTokenSweep()
	stopHandshakeSweep := coordinator.StartSweeper(ctx, sweepInterval)
	defer stopHandshakeSweep()

	if snapshots != nil {
		go snapshotLoop(ctx, snapshots, ledger, tokens, logger)
	}

	srv := newHealthServer(cfg.Port, gw, ledger, tokens)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
			stop()
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("cap402d started",
		"port", cfg.Port,
		"production", cfg.Production,
		"snapshots", cfg.SnapshotPath != "",
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if snapshots != nil {
		persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		persist(persistCtx, snapshots, ledger, tokens, logger)
	}
	return nil
}

// restore reloads persisted trust nodes, tokens and revocations.
func restore(ctx context.Context, s *store.SnapshotStore, ledger *trust.Ledger, tokens *token.Service, logger *slog.Logger) error {
	nodes, err := s.LoadTrustNodes(ctx)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := ledger.RestoreNode(ctx, n); err != nil {
			return err
		}
	}

	revoked, err := s.LoadRevocations(ctx)
	if err != nil {
		return err
	}
	for _, id := range revoked {
		tokens.RestoreRevocation(id)
	}

	toks, err := s.LoadTokens(ctx, time.Now())
	if err != nil {
		return err
	}
	restored := 0
	for _, tok := range toks {
		// Tokens signed under a different secret are dropped, not fatal.
		if err := tokens.RestoreToken(ctx, tok); err != nil {
			logger.Warn("dropping stale token snapshot", "token_id", tok.TokenID, "error", err)
			continue
		}
		restored++
	}

	logger.Info("snapshot restored",
		"trust_nodes", len(nodes),
		"tokens", restored,
		"revocations", len(revoked),
	)
	return nil
}

// snapshotLoop persists state periodically until ctx is cancelled.
func snapshotLoop(ctx context.Context, s *store.SnapshotStore, ledger *trust.Ledger, tokens *token.Service, logger *slog.Logger) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			persist(ctx, s, ledger, tokens, logger)
		}
	}
}

func persist(ctx context.Context, s *store.SnapshotStore, ledger *trust.Ledger, tokens *token.Service, logger *slog.Logger) {
	for _, agentID := range ledger.Agents() {
		node, err := ledger.GetNode(agentID)
		if err != nil {
			continue
		}
		if err := s.SaveTrustNode(ctx, node); err != nil {
			logger.Error("trust snapshot failed", "agent_id", agentID, "error", err)
			return
		}
	}
	for _, tok := range tokens.Tokens() {
		if err := s.SaveToken(ctx, tok); err != nil {
			logger.Error("token snapshot failed", "token_id", tok.TokenID, "error", err)
			return
		}
	}
	for _, id := range tokens.Revocations() {
		if err := s.SaveRevocation(ctx, id); err != nil {
			logger.Error("revocation snapshot failed", "token_id", id, "error", err)
			return
		}
	}
}

// newHealthServer serves liveness and a read-only operator status view.
// The capability operations themselves are the dispatcher's job; only
// the trust lookup is exposed here, through the gateway so it gets the
// same denial handling as any other caller.
func newHealthServer(port string, gw *gateway.Gateway, ledger *trust.Ledger, tokens *token.Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /statusz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"agents":        len(ledger.Agents()),
			"active_tokens": tokens.ActiveCount(),
		})
	})
	mux.HandleFunc("GET /trustz", func(w http.ResponseWriter, r *http.Request) {
		summary, err := gw.GetTrust(r.Context(), r.URL.Query().Get("agent"))
		if err != nil {
			http.Error(w, "not available", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(summary)
	})
	return &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func logLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func devSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// Command chatfleet runs one chat worker: the WebSocket/HTTP frontend, the
// answer pipeline, and every distributed collaborator behind them, wired
// in dependency order with a signal-driven graceful shutdown. Flags cover
// local overrides; everything else comes from the environment via
// internal/config.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/kosee-dev/chatfleet/internal/auth"
	"github.com/kosee-dev/chatfleet/internal/broker"
	"github.com/kosee-dev/chatfleet/internal/cache"
	"github.com/kosee-dev/chatfleet/internal/chatstore"
	"github.com/kosee-dev/chatfleet/internal/circuit"
	"github.com/kosee-dev/chatfleet/internal/config"
	"github.com/kosee-dev/chatfleet/internal/generator"
	"github.com/kosee-dev/chatfleet/internal/httpapi"
	"github.com/kosee-dev/chatfleet/internal/hub"
	"github.com/kosee-dev/chatfleet/internal/idgen"
	"github.com/kosee-dev/chatfleet/internal/kvstore"
	"github.com/kosee-dev/chatfleet/internal/logging"
	"github.com/kosee-dev/chatfleet/internal/matcher"
	"github.com/kosee-dev/chatfleet/internal/metrics"
	"github.com/kosee-dev/chatfleet/internal/orchestrator"
	"github.com/kosee-dev/chatfleet/internal/platform"
	"github.com/kosee-dev/chatfleet/internal/ratelimit"
	"github.com/kosee-dev/chatfleet/internal/session"
	"github.com/kosee-dev/chatfleet/internal/vectorindex"
)

// kvBackend is the union chatfleet's collaborators need: the rate limiter
// and session store only need KVStore, the broker only needs PubSub, and
// main wires one concrete backend (NATS or in-process) to both.
type kvBackend interface {
	kvstore.KVStore
	kvstore.PubSub
}

func main() {
	var (
		debug         = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
		catalogueFile = flag.String("catalogue", os.Getenv("CHATFLEET_CATALOGUE_PATH"), "path to the matcher intent catalogue JSON file (empty uses the built-in default)")
	)
	flag.Parse()

	bootLogger := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	workerID := idgen.WorkerID(cfg.WorkerID)
	logger = logging.WithWorker(logger, workerID)
	cfg.LogFields(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := platform.NewMonitor(logger)
	logger.Info().Str("cpu_mode", monitor.Mode()).Msg("container CPU monitor ready")

	var kv kvBackend
	if cfg.UseDistributed {
		// The bucket evicts entries this long after their last update; it
		// must cover the longest-lived record type, so shorter-lived records
		// enforce their own expiry timestamps at read time.
		bucketTTL := max(
			time.Duration(cfg.RefreshTokenTTLSeconds)*time.Second,
			time.Duration(cfg.SessionTTLSeconds)*time.Second,
			time.Duration(cfg.LoginBlockSeconds)*time.Second,
			time.Duration(cfg.ResponseCacheTTLSeconds)*time.Second,
		)
		natsStore, err := kvstore.NewNATSStore(ctx, cfg.NATSURL, cfg.NATSKVBucket, bucketTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to NATS; set USE_DISTRIBUTED_BACKEND=false to run single-worker")
		}
		defer natsStore.Close()
		kv = natsStore
	} else {
		kv = kvstore.NewMemoryStore()
		logger.Warn().Msg("running with an in-process KVStore; session/rate-limit state is not shared across workers")
	}

	var sessions session.Store
	if cfg.UseDistributed {
		sessions = session.NewDistributedStore(kv, time.Duration(cfg.SessionTTLSeconds)*time.Second)
	} else {
		sessions = session.NewMemoryStore(time.Duration(cfg.SessionTTLSeconds) * time.Second)
	}

	limits := ratelimit.Limits{
		Window:          time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
		General:         cfg.RateLimitGeneralPerWindow,
		Chat:            cfg.RateLimitChatPerWindow,
		Login:           cfg.LoginFailureLimit,
		CleanupInterval: cfg.RateLimitCleanupInterval,
	}
	limiter := ratelimit.New(kv, limits, cfg.RateLimitFallbackToMemory, logger)
	defer limiter.Close()

	b := broker.New(kv, workerID, logger)

	store := chatstore.NewMemoryStore()
	seedDevUsers(store, logger)

	audit := logging.NewAuditLogger(logger, logging.AuditInfo)
	audit.SetAlerter(logging.NewConsoleAlerter(logger))

	authSvc := auth.New(store, kv, limiter, audit, auth.Config{
		SigningKey:      cfg.JWTSigningKey,
		AccessTokenTTL:  time.Duration(cfg.AccessTokenTTLSeconds) * time.Second,
		RefreshTokenTTL: time.Duration(cfg.RefreshTokenTTLSeconds) * time.Second,
		LoginBlockTTL:   time.Duration(cfg.LoginBlockSeconds) * time.Second,
	})

	gen := generator.Echo{}
	embedder := vectorindex.NewHashEmbedder(64)
	index := vectorindex.NewMemoryIndex()
	seedDevCatalogueVectors(index, embedder, ctx)

	vectorBreaker := circuit.New("vector", cfg.CircuitFailureThreshold, cfg.CircuitOpenDuration, logger)
	generatorBreaker := circuit.New("generator", cfg.CircuitFailureThreshold, cfg.CircuitOpenDuration, logger)

	catalogue := matcher.DefaultCatalogue()
	if *catalogueFile != "" {
		loaded, err := matcher.LoadCatalogue(*catalogueFile)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *catalogueFile).Msg("failed to load matcher catalogue")
		}
		catalogue = loaded
	}

	thresholds := matcher.Thresholds{
		Stage1:          cfg.Stage1Threshold,
		Stage2:          cfg.Stage2Threshold,
		Stage2Alpha:     cfg.Stage2AlphaRatio,
		Stage2Beta:      cfg.Stage2BetaBigram,
		Stage2Gamma:     cfg.Stage2GammaLemma,
		Stage3CosineMin: cfg.Stage3CosineMin,
		Stage3Margin:    cfg.Stage3Margin,
		Stage3Override:  cfg.Stage3Override,
		VectorTopK:      cfg.VectorTopK,
	}
	stack := matcher.New(catalogue, thresholds, embedder, index, gen, vectorBreaker, generatorBreaker, logger)

	var sharedCache kvstore.KVStore
	if cfg.ResponseCacheShared {
		sharedCache = kv
	}
	respCache := cache.New(cfg.ResponseCacheCapacity, time.Duration(cfg.ResponseCacheTTLSeconds)*time.Second, sharedCache)

	orch := orchestrator.New(limiter, respCache, stack, store, b, logger, orchestrator.Config{
		MaxMessageBytes: cfg.WSMaxFrameBytes,
		HistoryLimit:    10,
	})

	h := hub.New(workerID, sessions, b, orch, logger, hub.Config{
		MaxFrameBytes:        cfg.WSMaxFrameBytes,
		IdleTimeout:          time.Duration(cfg.WSIdleSeconds) * time.Second,
		PongTimeout:          time.Duration(cfg.WSPongTimeoutSeconds) * time.Second,
		SendQueueCapacity:    cfg.WSSendQueueCapacity,
		ShutdownGrace:        time.Duration(cfg.ShutdownGraceSeconds) * time.Second,
		SessionTTL:           time.Duration(cfg.SessionTTLSeconds) * time.Second,
		StaleSweepInterval:   60 * time.Second,
		OrchestrationTimeout: cfg.OrchestrationTimeout,
	})
	if err := h.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start hub")
	}

	api := httpapi.New(httpapi.Config{
		Addr:           cfg.Addr,
		Production:     cfg.IsProduction(),
		CookieSecure:   cfg.CookieSecure,
		AllowedOrigins: cfg.AllowedOrigins(),
	}, authSvc, limiter, sessions, kv, gen, h, logger)

	metricsSrv := &http.Server{Addr: metricsAddr(cfg.Addr), Handler: metricsMux()}
	go func() {
		logger.Info().Str("addr", metricsSrv.Addr).Msg("metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()

	go reportCPU(ctx, monitor, cfg.MetricsInterval, logger)

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("chatfleet listening")
		if err := api.ListenAndServe(); err != nil {
			logger.Error().Err(err).Msg("http server stopped unexpectedly")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownGraceSeconds)*time.Second)
	defer cancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("hub shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// seedDevUsers populates the in-memory ChatStore with a single "demo"
// user so /api/auth/login has something to authenticate against
// when no relational ChatStore is configured. Production deployments wire
// a real chatstore.Store and skip this entirely.
func seedDevUsers(store *chatstore.MemoryStore, logger zerolog.Logger) {
	hash, err := auth.HashPassword("chatfleet-dev")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to hash development password")
	}
	store.AddUser(chatstore.User{UserID: idgen.AnonymousUserID(), Username: "demo", PasswordHash: hash})
}

// seedDevCatalogueVectors gives stage 3 something to search when no real
// vector database is configured: embed the default catalogue's reply
// templates so semantic search degrades gracefully instead of always
// missing.
func seedDevCatalogueVectors(index *vectorindex.MemoryIndex, embedder *vectorindex.HashEmbedder, ctx context.Context) {
	catalogue := matcher.DefaultCatalogue()
	for _, intent := range catalogue.Intents {
		vec, err := embedder.Embed(ctx, intent.Reply)
		if err != nil {
			continue
		}
		index.Upsert(vectorindex.Document{ID: intent.ID, Reply: intent.Reply, IsFAQ: true, Vector: vec})
	}
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// metricsAddr derives the metrics listener address from the main address,
// one port above it, so both can run without an extra config field.
func metricsAddr(addr string) string {
	host, port := splitHostPort(addr)
	n := 9090
	fmt.Sscanf(port, "%d", &n)
	return fmt.Sprintf("%s:%d", host, n+1)
}

func splitHostPort(addr string) (host, port string) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:]
		}
	}
	return "", addr
}

// reportCPU periodically samples the container-aware CPU monitor into the
// CPUUsagePercent gauge operators read as a load-shedding signal, along
// with the goroutine count.
func reportCPU(ctx context.Context, monitor *platform.Monitor, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.GoroutinesActive.Set(float64(runtime.NumGoroutine()))
			pct, err := monitor.GetPercent()
			if err != nil {
				logger.Debug().Err(err).Msg("cpu sample failed")
				continue
			}
			metrics.CPUUsagePercent.Set(pct)
		}
	}
}

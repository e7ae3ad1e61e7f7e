// Command server runs the chat core: the websocket hub, the workflow
// runtime with its scheduler and deferred-queue replayer, webhook ingress,
// the workflow REST API, and the metrics/health endpoints.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/korvo-chat/backend/internal/adapters"
	"github.com/korvo-chat/backend/internal/api"
	"github.com/korvo-chat/backend/internal/auth"
	"github.com/korvo-chat/backend/internal/blob"
	"github.com/korvo-chat/backend/internal/circuitbreaker"
	"github.com/korvo-chat/backend/internal/config"
	"github.com/korvo-chat/backend/internal/crypto"
	"github.com/korvo-chat/backend/internal/dispatch"
	"github.com/korvo-chat/backend/internal/hub"
	"github.com/korvo-chat/backend/internal/intent"
	"github.com/korvo-chat/backend/internal/keyring"
	"github.com/korvo-chat/backend/internal/kv"
	"github.com/korvo-chat/backend/internal/llm"
	"github.com/korvo-chat/backend/internal/metrics"
	"github.com/korvo-chat/backend/internal/moderation"
	"github.com/korvo-chat/backend/internal/orchestrator"
	"github.com/korvo-chat/backend/internal/presence"
	"github.com/korvo-chat/backend/internal/proactive"
	"github.com/korvo-chat/backend/internal/ratelimit"
	"github.com/korvo-chat/backend/internal/roomctx"
	"github.com/korvo-chat/backend/internal/store"
	"github.com/korvo-chat/backend/internal/stream"
	"github.com/korvo-chat/backend/internal/task"
	"github.com/korvo-chat/backend/internal/webhookin"
	"github.com/korvo-chat/backend/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// Shared infrastructure. Outside debug mode a missing datastore is
	// fatal; in debug both fall back to in-memory implementations.
	cache, closeCache, err := openCache(cfg, log)
	if err != nil {
		return err
	}
	defer closeCache()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	wrapper, err := crypto.NewKeyWrapper(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	ring, err := keyring.New(st, wrapper)
	if err != nil {
		return err
	}

	client := buildLLM(cfg, log)

	// Outbound connectors and the workflow runtime.
	registry := buildRegistry(cfg, log)
	gate := ratelimit.New(cache, nil)
	if _, ok := registry.Lookup("travel"); ok {
		gate.RegisterProvider(ratelimit.ScopeTravelSearch, "travel")
	}
	dispatcher := dispatch.New(registry, client, gate, cfg.WithdrawMax, log)
	engine := workflow.NewEngine(st, dispatcher, cache, workflow.Config{
		IdempotencyWindow: time.Duration(cfg.IdempotencyWindowSec) * time.Second,
	}, log)

	scheduler := workflow.NewScheduler(st, engine, log)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	replayer := workflow.NewReplayer(st, cache, engine, workflow.ReplayConfig{
		BatchLimit:  cfg.ReplayBatchLimit,
		MaxAttempts: cfg.ReplayMaxAttempts,
		BackoffBase: cfg.ReplayBackoffBase,
		BackoffMax:  cfg.ReplayBackoffMax,
		GuardTTL:    time.Duration(cfg.ReplayGuardSeconds) * time.Second,
	}, log)
	go replayer.Run(ctx)

	// Assistant pipeline.
	parser := intent.NewParser(client, log)
	tasks := task.NewMachine(cache, parser)

	h := hub.New(cache, log)
	defer h.Shutdown()

	synth := stream.New(client, ring, st, h, stream.Config{})
	nudges := proactive.New(cache, st, ring, tasks, h, proactive.Config{
		Enabled:   cfg.ProactiveEnabled,
		IdleAfter: time.Duration(cfg.IdleNudgeMinutes) * time.Minute,
	}, log)
	refresher := roomctx.NewRefresher(st, client, cache, ring, roomctx.Config{
		MinMessages: cfg.SummaryMinMessages,
		MinMinutes:  cfg.SummaryMinMinutes,
		MaxMessages: cfg.SummaryMaxMessages,
		MaxMinutes:  cfg.SummaryMaxMinutes,
	}, log)

	mod := moderation.NewBuffer(cache, st, moderation.NewLLMScreener(client, ring), moderation.Config{
		BatchSize:     cfg.ModerationBatchSize,
		FlagThreshold: cfg.ModerationFlagThreshold,
		Debug:         cfg.Debug,
	})
	defer mod.Shutdown()

	orch := orchestrator.New(orchestrator.Deps{
		Gate:       gate,
		Parser:     parser,
		Tasks:      tasks,
		Dispatcher: dispatcher,
		Engine:     engine,
		Synth:      synth,
		Nudges:     nudges,
		Store:      st,
		LLM:        client,
		Log:        log,
	})

	authn, err := buildAuth(cfg, log)
	if err != nil {
		return err
	}

	router := mux.NewRouter()

	blobs, err := buildBlobs(cfg, router, log)
	if err != nil {
		return err
	}

	hub.NewServer(hub.ServerConfig{
		Hub:              h,
		Auth:             authn,
		Store:            st,
		Ring:             ring,
		Presence:         presence.New(cache),
		Gate:             gate,
		Moderation:       mod,
		Blobs:            blobs,
		Context:          refresher,
		Nudges:           nudges,
		Orchestrator:     orch,
		MentionPrefix:    cfg.AssistantMention,
		RotationInterval: cfg.KeyRotationInterval,
		RotationMessages: cfg.KeyRotationMessages,
		Log:              log,
	}).Register(router)

	api.NewServer(st, engine, scheduler, authn, log).Register(router)

	webhookServices := make(map[string]webhookin.ServiceConfig, len(cfg.WebhookSecrets))
	for name, secret := range cfg.WebhookSecrets {
		webhookServices[name] = webhookin.ServiceConfig{Secret: secret}
	}
	webhookin.NewReceiver(webhookServices, workflow.NewWebhookRouter(st, engine, log), cache, log).Register(router)

	metrics.Register(router, healthChecks(st, cache))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "port", cfg.Port, "debug", cfg.Debug)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openCache(cfg *config.Config, log *slog.Logger) (kv.Store, func(), error) {
	rds, err := kv.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err == nil {
		return rds, func() { rds.Close() }, nil
	}
	if !cfg.Debug {
		return nil, nil, err
	}
	log.Warn("Redis unavailable, using in-memory cache (debug only)", "error", err)
	return kv.NewMemory(), func() {}, nil
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, func(), error) {
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err == nil {
		return pg, func() { pg.Close() }, nil
	}
	if !cfg.Debug {
		return nil, nil, err
	}
	log.Warn("Postgres unavailable, using in-memory store (debug only)", "error", err)
	return store.NewMemory(), func() {}, nil
}

func buildLLM(cfg *config.Config, log *slog.Logger) llm.Client {
	if cfg.LLMKey == "" {
		log.Warn("LLM_KEY not set, assistant features disabled")
		return llm.Disabled{}
	}
	primary, err := llm.New(llm.Options{
		APIKey:  cfg.LLMKey,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
	})
	if err != nil {
		log.Warn("LLM provider misconfigured, assistant features disabled", "error", err)
		return llm.Disabled{}
	}
	if cfg.FallbackLLMKey == "" {
		return primary
	}
	fallback, err := llm.New(llm.Options{
		APIKey:  cfg.FallbackLLMKey,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
	})
	if err != nil {
		log.Warn("fallback LLM misconfigured, running without failover", "error", err)
		return primary
	}
	return llm.NewFailover(primary, fallback)
}

func buildRegistry(cfg *config.Config, log *slog.Logger) *adapters.Registry {
	registry := adapters.NewRegistry()
	for name, svc := range cfg.Services {
		tokens := adapters.StaticToken(svc.APIKey)
		var a adapters.Adapter
		switch name {
		case "email":
			a = adapters.NewEmail(svc.BaseURL, tokens)
		case "whatsapp":
			a = adapters.NewWhatsApp(svc.BaseURL, tokens)
		case "payments":
			a = adapters.NewPayments(svc.BaseURL, tokens)
		case "travel":
			a = adapters.NewTravel(svc.BaseURL, tokens)
		case "calendar":
			a = adapters.NewCalendar(svc.BaseURL, tokens)
		default:
			log.Warn("unknown service configured, skipping", "service", name)
			continue
		}
		registry.Register(circuitbreaker.Wrap(a, circuitbreaker.Config{}, log))
		log.Info("connector wired", "service", name, "base_url", svc.BaseURL)
	}
	return registry
}

func buildAuth(cfg *config.Config, log *slog.Logger) (hub.Authenticator, error) {
	if cfg.AuthSecret != "" {
		return auth.NewTokenVerifier([]byte(cfg.AuthSecret)), nil
	}
	if !cfg.Debug {
		return nil, errors.New("AUTH_SECRET is required outside debug mode")
	}
	log.Warn("AUTH_SECRET not set, trusting client-supplied identities (debug only)")
	return auth.Insecure{}, nil
}

func buildBlobs(cfg *config.Config, router *mux.Router, log *slog.Logger) (blob.Store, error) {
	if cfg.SupabaseURL != "" {
		return blob.NewSupabase(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket)
	}
	root := "./data/blobs"
	fs, err := blob.NewFS(root, "/blobs")
	if err != nil {
		return nil, err
	}
	router.PathPrefix("/blobs/").Handler(http.StripPrefix("/blobs/", http.FileServer(http.Dir(root))))
	log.Info("serving uploads from local disk", "root", root)
	return fs, nil
}

func healthChecks(st store.Store, cache kv.Store) map[string]metrics.Check {
	checks := make(map[string]metrics.Check)
	if pg, ok := st.(*store.Postgres); ok {
		checks["postgres"] = pg.Ping
	}
	if rds, ok := cache.(*kv.Redis); ok {
		checks["redis"] = rds.Ping
	}
	return checks
}

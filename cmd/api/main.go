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

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"voicebridge/internal/auth"
	"voicebridge/internal/campaign"
	"voicebridge/internal/config"
	"voicebridge/internal/dashboard"
	"voicebridge/internal/dialing"
	"voicebridge/internal/httpapi"
	"voicebridge/internal/llm"
	"voicebridge/internal/prompt"
	"voicebridge/internal/reporting"
	"voicebridge/internal/schedule"
	"voicebridge/internal/session"
	"voicebridge/internal/settings"
	"voicebridge/internal/store"
	"voicebridge/internal/stt"
	"voicebridge/internal/telephony"
	"voicebridge/internal/tts"
	"voicebridge/internal/webhook"
	"voicebridge/pkg/logger"
	"voicebridge/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		slog.Info("no env file, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	gateway := store.NewPostgres(db)

	// In-memory sessions do not survive a restart; anything still marked
	// active is a casualty of the previous process.
	if n, err := gateway.FailInFlightCalls(rootCtx, time.Now().UTC()); err != nil {
		log.Error("startup recovery failed", "err", err)
		os.Exit(1)
	} else if n > 0 {
		log.Warn("marked stale in-flight calls failed", "count", n)
	}

	settingsStore := settings.NewStore(gateway)
	if err := settingsStore.Reload(rootCtx); err != nil {
		log.Error("settings load failed", "err", err)
		os.Exit(1)
	}

	// Provider clients. Runtime settings override env credentials.
	sttClient := stt.NewDeepgram(
		settingsStore.Get(settings.KeyDeepgramAPIKey, cfg.Providers.STTAPIKey), log)
	llmClient := llm.NewOpenAI(
		settingsStore.Get(settings.KeyOpenAIAPIKey, cfg.Providers.LLMAPIKey), log)
	ttsClient := tts.NewMurf(
		settingsStore.Get(settings.KeyMurfAPIKey, cfg.Providers.TTSAPIKey),
		cfg.Providers.TTSStyle, log)

	dialer := telephony.NewESL(cfg.Switch, log)
	greetings := prompt.NewGreetingCache(rdb)

	webhooks, err := webhook.NewDispatcher(gateway, log)
	if err != nil {
		log.Error("webhook dispatcher init failed", "err", err)
		os.Exit(1)
	}
	defer webhooks.Close()

	var hub *dashboard.Hub // events fan out to webhooks and the dashboard

	registry, err := session.NewRegistry(
		session.NewRedisCapGate(rdb),
		session.LimitsFunc(func() int {
			return settingsStore.GetInt(settings.KeyMaxConcurrentCalls, cfg.Limits.MaxConcurrentCalls)
		}),
		session.Deps{
			STT: sttClient,
			LLM: llmClient,
			TTS: ttsClient,
			STTCfg: stt.StreamConfig{
				Model:    cfg.Providers.STTModel,
				Language: cfg.Providers.STTLanguage,
			},
			Gateway:   gateway,
			Greetings: greetings,
			Hangup:    dialer.Hangup,
			Notifier: session.NotifierFunc(func(event string, data map[string]any) {
				webhooks.Notify(event, data)
				if hub != nil {
					hub.Notify(event, data)
				}
			}),
			Log: log,
		},
		log,
	)
	if err != nil {
		log.Error("registry init failed", "err", err)
		os.Exit(1)
	}
	hub = dashboard.NewHub(registry, log)

	dialService, err := dialing.NewService(registry, dialer, gateway, settingsStore, cfg.Limits, log)
	if err != nil {
		log.Error("dialing init failed", "err", err)
		os.Exit(1)
	}

	campaigns, err := campaign.NewManager(gateway, dialService, webhooks, log)
	if err != nil {
		log.Error("campaign manager init failed", "err", err)
		os.Exit(1)
	}
	defer campaigns.Close()

	schedules, err := schedule.NewRunner(gateway, dialService, log)
	if err != nil {
		log.Error("schedule runner init failed", "err", err)
		os.Exit(1)
	}
	schedules.Start()
	defer schedules.Close()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	handlers := httpapi.Handlers{
		Auth:      authManager,
		Gateway:   gateway,
		Registry:  registry,
		Dialing:   dialService,
		Campaigns: campaigns,
		Webhooks:  webhooks,
		Settings:  settingsStore,
		Reports:   reporting.NewService(reporting.GatewayRepo{GW: gateway}),
		Voices:    ttsClient,
		Log:       log,
	}
	media := telephony.NewMediaHandler(registryBinder{registry}, log)

	registerRoutes(r, handlers, media, hub, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	// Live calls get a bounded chance to say goodbye.
	registry.Drain(10 * time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

// registryBinder adapts the session registry to the media adapter's
// interface.
type registryBinder struct {
	registry *session.Registry
}

func (b registryBinder) Bind(ctx context.Context, callID string) (telephony.MediaSession, bool) {
	s, ok := b.registry.Bind(ctx, callID)
	if !ok {
		return nil, false
	}
	return s, true
}

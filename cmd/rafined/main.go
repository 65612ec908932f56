package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"rafined/internal/config"
	"rafined/internal/crypto"
	"rafined/internal/enhancer"
	"rafined/internal/httpapi"
	"rafined/internal/metrics"
	"rafined/internal/providers/breaker"
	"rafined/internal/providers/registry"
	"rafined/internal/ratelimit"
	"rafined/internal/storage"
	"rafined/internal/telegram"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("upstream", cfg.Upstream.Kind).
		Str("model", cfg.Upstream.Model).
		Str("db_driver", cfg.DB.Driver).
		Bool("redis", cfg.Redis.Enabled()).
		Bool("telegram", cfg.Telegram.Enabled()).
		Int("tokens", len(cfg.Auth.Tokens)).
		Msg("starting rafined")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var keyring *crypto.Keyring
	if cfg.Crypto.Enabled() {
		keyring, err = crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize keyring")
		}
	} else {
		log.Warn().Msg("no master key configured, api keys are stored unsealed")
	}

	store, err := storage.Open(ctx, storage.Options{
		Driver:       cfg.DB.Driver,
		DSN:          cfg.DB.DSN,
		AutoMigrate:  cfg.DB.AutoMigrate,
		HistoryLimit: cfg.DB.HistoryLimit,
		Keyring:      keyring,
		Logger:       log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
	}

	m := metrics.Global()

	upstream, err := registry.Build(registry.BuildOptions{
		Kind:         cfg.Upstream.Kind,
		BaseURL:      cfg.Upstream.BaseURL,
		Headers:      cfg.Upstream.Headers,
		Grammar:      cfg.Upstream.Grammar,
		BodyTemplate: cfg.Upstream.BodyTemplate,
		Method:       cfg.Upstream.Method,
		HTTPClient:   &http.Client{Timeout: cfg.HTTP.ClientTimeout},
		MaxRetries:   cfg.HTTP.MaxRetries,
		BackoffBase:  cfg.HTTP.BackoffBase,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build upstream provider")
	}
	protected := breaker.Wrap(upstream, breaker.Config{
		MaxFailures: cfg.Breaker.MaxFailures,
		Timeout:     cfg.Breaker.Timeout,
		Logger:      log.Logger,
		OnStateChange: func(name string, to gobreaker.State) {
			m.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	enhCfg := enhancer.Config{
		Provider:  protected,
		Store:     store,
		Model:     cfg.Upstream.Model,
		MaxTokens: cfg.Upstream.MaxTokens,
		Logger:    log.Logger,
		Metrics:   m,
	}
	if rdb != nil {
		enhCfg.Limiter = ratelimit.NewRateLimiter(rdb, cfg.Rate.PerHour)
	}
	enh := enhancer.New(enhCfg)

	errCh := make(chan error, 4)

	api := httpapi.New(httpapi.Config{
		Enhancer:       enh,
		Store:          store,
		Tokens:         cfg.Auth.Tokens,
		HealthPath:     cfg.Server.HealthPath,
		MetricsPath:    cfg.Server.MetricsPath,
		OriginPatterns: cfg.Server.OriginPatterns,
		Logger:         log.Logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// Websocket handlers inherit ctx so shutdown cancels their flights.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var updater *ext.Updater
	var tg *telegram.Service
	if cfg.Telegram.Enabled() {
		bot, err := gotgbot.NewBot(cfg.Telegram.BotToken, nil)
		if err != nil {
			log.Fatal().Msg("failed to create telegram bot: " + sanitizeTelegramErr(err, cfg.Telegram.BotToken))
		}
		log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")

		logTelegramErr := func(err error) {
			log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.Telegram.BotToken))
		}
		processor := telegram.Processor{Metrics: m, Logger: log.Logger}
		if rdb != nil {
			processor.Dedupe = ratelimit.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL)
		}
		dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
			MaxRoutines:      100,
			UnhandledErrFunc: logTelegramErr,
			Processor:        processor,
		})
		tg = telegram.NewService(telegram.Config{
			Bot:      bot,
			Enhancer: enh,
			Store:    store,
			Redis:    rdb,
			EditTTL:  cfg.Redis.EditTTL,
			Logger:   log.Logger,
			Metrics:  m,
		})
		tg.Register(dispatcher)
		updater = ext.NewUpdater(dispatcher, &ext.UpdaterOpts{
			UnhandledErrFunc: logTelegramErr,
		})
		if err := updater.StartPolling(bot, &ext.PollingOpts{
			EnableWebhookDeletion: true,
			DropPendingUpdates:    true,
			GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
				Timeout: 50,
				RequestOpts: &gotgbot.RequestOpts{
					Timeout: 60 * time.Second,
				},
			},
		}); err != nil {
			log.Fatal().Msg("failed to start polling: " + sanitizeTelegramErr(err, cfg.Telegram.BotToken))
		}
		log.Info().Msg("telegram polling started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if updater != nil {
		if err := updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	if tg != nil {
		tg.Close()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}

package main

import (
	"context"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-postwatch/internal/adapters/bot"
	"tg-postwatch/internal/adapters/mtproto"
	"tg-postwatch/internal/adapters/repo"
	"tg-postwatch/internal/domain"
	"tg-postwatch/internal/infra/cache"
	"tg-postwatch/internal/infra/config"
	"tg-postwatch/internal/infra/db"
	applog "tg-postwatch/internal/infra/log"
	"tg-postwatch/internal/infra/metrics"
	"tg-postwatch/internal/usecase/checks"
	"tg-postwatch/internal/usecase/history"
	"tg-postwatch/internal/usecase/notify"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("sweeper: не указан токен Telegram (TG_BOT_TOKEN)")
	}
	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		logger.Fatal().Msg("sweeper: не указаны TG_API_ID и TG_API_HASH для MTProto")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("sweeper: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool, cfg.Checks.MaxRetries)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("sweeper: не удалось создать бота")
	}
	sender := bot.NewSender(botAPI)

	var notifyCache domain.Cache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		notifyCache = cache.NewRedis(redisClient)
	}
	notifier := notify.NewService(sender, notifyCache, notify.Config{
		SuperAdminID:  cfg.Notifications.SuperAdminID,
		MirrorToOwner: cfg.Notifications.MirrorToOwner,
		Enabled:       cfg.Notifications.Enabled,
		DedupTTL:      cfg.Notifications.DedupTTL,
	}, logger.With().Str("component", "notify").Logger())

	sessionStore := repo.NewSessionStore(pool, "sweeper")
	source := mtproto.NewMetricsSource(cfg.Telegram.APIID, cfg.Telegram.APIHash, sessionStore, logger.With().Str("component", "mtproto").Logger())
	go func() {
		if err := source.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal().Err(err).Msg("sweeper: MTProto клиент остановлен")
		}
	}()

	historyService := history.NewService(repoAdapter, logger.With().Str("component", "history").Logger())
	go historyService.RunPruner(ctx, cfg.History.PruneInterval, cfg.History.Retention)

	service := checks.NewService(repoAdapter, repoAdapter, repoAdapter, source, notifier, historyService, checks.Config{
		Delay:         cfg.Checks.Delay,
		SweepInterval: cfg.Checks.SweepInterval,
		Workers:       cfg.Checks.Workers,
		Thresholds: domain.ThresholdConfig{
			ViewsPct:     cfg.Thresholds.ViewsPct,
			ReactionsPct: cfg.Thresholds.ReactionsPct,
			ForwardsPct:  cfg.Thresholds.ForwardsPct,
		},
	}, logger.With().Str("component", "checks").Logger())

	service.Run(ctx)
}

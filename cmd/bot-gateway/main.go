package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-postwatch/internal/adapters/bot"
	"tg-postwatch/internal/adapters/mtproto"
	"tg-postwatch/internal/adapters/repo"
	"tg-postwatch/internal/domain"
	"tg-postwatch/internal/infra/cache"
	"tg-postwatch/internal/infra/config"
	"tg-postwatch/internal/infra/db"
	httpinfra "tg-postwatch/internal/infra/http"
	applog "tg-postwatch/internal/infra/log"
	"tg-postwatch/internal/infra/metrics"
	"tg-postwatch/internal/infra/queue"
	"tg-postwatch/internal/usecase/channels"
	"tg-postwatch/internal/usecase/checks"
	"tg-postwatch/internal/usecase/history"
	"tg-postwatch/internal/usecase/ingest"
	"tg-postwatch/internal/usecase/notify"
)

const (
	subscriberRefreshInterval = 6 * time.Hour
	statsWindow               = 48 * time.Hour
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("gateway: не указан токен Telegram (TG_BOT_TOKEN)")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool, cfg.Checks.MaxRetries)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway: не удалось создать бота")
	}
	sender := bot.NewSender(botAPI)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	checkQueue := buildCheckQueue(cfg, redisClient, logger)
	publisher := ingest.NewPublisher(checkQueue, logger.With().Str("component", "ingest").Logger())

	channelService := channels.NewService(repoAdapter, sender, logger.With().Str("component", "channels").Logger())
	historyService := history.NewService(repoAdapter, logger.With().Str("component", "history").Logger())

	var notifyCache domain.Cache
	if redisClient != nil {
		notifyCache = cache.NewRedis(redisClient)
	}
	notifier := notify.NewService(sender, notifyCache, notify.Config{
		SuperAdminID:  cfg.Notifications.SuperAdminID,
		MirrorToOwner: cfg.Notifications.MirrorToOwner,
		Enabled:       cfg.Notifications.Enabled,
		DedupTTL:      cfg.Notifications.DedupTTL,
	}, logger.With().Str("component", "notify").Logger())

	sessionStore := repo.NewSessionStore(pool, "gateway")
	source := mtproto.NewMetricsSource(cfg.Telegram.APIID, cfg.Telegram.APIHash, sessionStore, logger.With().Str("component", "mtproto").Logger())
	go func() {
		if err := source.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("gateway: MTProto клиент остановлен")
		}
	}()

	// проход по требованию для команды /check_now
	sweeper := checks.NewService(repoAdapter, repoAdapter, repoAdapter, source, notifier, historyService, checks.Config{
		Delay:         cfg.Checks.Delay,
		SweepInterval: cfg.Checks.SweepInterval,
		Workers:       cfg.Checks.Workers,
		Thresholds: domain.ThresholdConfig{
			ViewsPct:     cfg.Thresholds.ViewsPct,
			ReactionsPct: cfg.Thresholds.ReactionsPct,
			ForwardsPct:  cfg.Thresholds.ForwardsPct,
		},
	}, logger.With().Str("component", "checks").Logger())

	h := bot.NewHandler(botAPI, logger, channelService, historyService, publisher, sweeper, statsWindow)

	go channelService.RunRefresher(ctx, subscriberRefreshInterval)

	if cfg.Telegram.WebhookURL != "" {
		runWebhook(ctx, cfg, botAPI, h, logger)
	} else {
		runPolling(ctx, botAPI, h, logger)
	}
}

// buildCheckQueue выбирает брокер очереди: RabbitMQ при наличии AMQP_URL,
// иначе Redis.
func buildCheckQueue(cfg config.AppConfig, redisClient *redis.Client, logger zerolog.Logger) domain.CheckQueue {
	if cfg.AMQPURL != "" {
		q, err := queue.NewAMQPCheckQueue(cfg.AMQPURL, cfg.Queues.Checks)
		if err != nil {
			logger.Fatal().Err(err).Msg("gateway: не удалось подключиться к RabbitMQ")
		}
		return q
	}
	if redisClient == nil {
		logger.Fatal().Msg("gateway: нужен AMQP_URL или REDIS_ADDR для очереди проверок")
	}
	return queue.NewRedisCheckQueue(redisClient, cfg.Queues.Checks)
}

func runWebhook(ctx context.Context, cfg config.AppConfig, botAPI *tgbotapi.BotAPI, h *bot.Handler, logger zerolog.Logger) {
	wh, err := tgbotapi.NewWebhook(cfg.Telegram.WebhookURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway: некорректный адрес вебхука")
	}
	if _, err := botAPI.Request(wh); err != nil {
		logger.Fatal().Err(err).Msg("gateway: не удалось зарегистрировать вебхук")
	}

	srv := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	srv.Router.Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		if err := srv.Start(":8080"); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("gateway: HTTP сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("gateway: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func runPolling(ctx context.Context, botAPI *tgbotapi.BotAPI, h *bot.Handler, logger zerolog.Logger) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message", "channel_post", "callback_query"}
	updates := botAPI.GetUpdatesChan(u)

	logger.Info().Msg("gateway: запущен в режиме long polling")
	for {
		select {
		case <-ctx.Done():
			botAPI.StopReceivingUpdates()
			logger.Info().Msg("gateway: остановка")
			return
		case update := <-updates:
			h.HandleUpdate(ctx, update)
		}
	}
}

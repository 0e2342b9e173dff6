package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-postwatch/internal/adapters/bot"
	"tg-postwatch/internal/adapters/moderation"
	"tg-postwatch/internal/adapters/repo"
	"tg-postwatch/internal/domain"
	"tg-postwatch/internal/infra/cache"
	"tg-postwatch/internal/infra/config"
	"tg-postwatch/internal/infra/db"
	applog "tg-postwatch/internal/infra/log"
	"tg-postwatch/internal/infra/metrics"
	"tg-postwatch/internal/infra/openai"
	"tg-postwatch/internal/infra/queue"
	"tg-postwatch/internal/usecase/checks"
	"tg-postwatch/internal/usecase/history"
	"tg-postwatch/internal/usecase/ingest"
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
		logger.Fatal().Msg("worker: не указан токен Telegram (TG_BOT_TOKEN)")
	}
	if cfg.OpenAI.APIKey == "" {
		logger.Fatal().Msg("worker: не указан ключ OpenAI (OPENAI_API_KEY)")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool, cfg.Checks.MaxRetries)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: не удалось создать бота")
	}
	sender := bot.NewSender(botAPI)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	checkQueue := buildCheckQueue(cfg, redisClient, logger)

	openaiClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
	moderator := moderation.NewOpenAI(openaiClient, cfg.OpenAI.Model, cfg.OpenAI.Timeout)

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

	historyService := history.NewService(repoAdapter, logger.With().Str("component", "history").Logger())
	planner := checks.NewPlanner(repoAdapter, cfg.Checks.Delay, logger.With().Str("component", "checks").Logger())

	ingestService := ingest.NewService(checkQueue, repoAdapter, repoAdapter, moderator, planner, notifier, historyService, logger.With().Str("component", "ingest").Logger())

	logger.Info().Int("workers", cfg.Checks.Workers).Msg("worker: старт")
	var wg sync.WaitGroup
	for i := 0; i < cfg.Checks.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ingestService.Run(ctx)
		}()
	}
	wg.Wait()
	logger.Info().Msg("worker: остановка")
}

func buildCheckQueue(cfg config.AppConfig, redisClient *redis.Client, logger zerolog.Logger) domain.CheckQueue {
	if cfg.AMQPURL != "" {
		q, err := queue.NewAMQPCheckQueue(cfg.AMQPURL, cfg.Queues.Checks)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: не удалось подключиться к RabbitMQ")
		}
		return q
	}
	if redisClient == nil {
		logger.Fatal().Msg("worker: нужен AMQP_URL или REDIS_ADDR для очереди проверок")
	}
	return queue.NewRedisCheckQueue(redisClient, cfg.Queues.Checks)
}

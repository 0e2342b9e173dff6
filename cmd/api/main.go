package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
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
	httpinfra "tg-postwatch/internal/infra/http"
	applog "tg-postwatch/internal/infra/log"
	"tg-postwatch/internal/infra/metrics"
	"tg-postwatch/internal/usecase/channels"
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
		logger.Fatal().Msg("api: не указан токен Telegram (TG_BOT_TOKEN)")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool, cfg.Checks.MaxRetries)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось создать бота")
	}
	sender := bot.NewSender(botAPI)

	channelService := channels.NewService(repoAdapter, sender, logger.With().Str("component", "channels").Logger())
	historyService := history.NewService(repoAdapter, logger.With().Str("component", "history").Logger())

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

	sessionStore := repo.NewSessionStore(pool, "api")
	source := mtproto.NewMetricsSource(cfg.Telegram.APIID, cfg.Telegram.APIHash, sessionStore, logger.With().Str("component", "mtproto").Logger())
	go func() {
		if err := source.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("api: MTProto клиент остановлен")
		}
	}()

	// проход по требованию для POST /api/v1/checks/sweep
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

	srv := httpinfra.NewServer(logger.With().Str("component", "http").Logger())

	srv.Router.Group(func(protected chi.Router) {
		protected.Use(httpinfra.WebAppAuthMiddleware(cfg.Telegram.Token))

		protected.Get("/api/v1/channels", func(w http.ResponseWriter, r *http.Request) {
			adminID, err := strconv.ParseInt(r.URL.Query().Get("admin_id"), 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "admin_id обязателен")
				return
			}
			list, err := channelService.ListForAdmin(adminID)
			if err != nil {
				logger.Error().Err(err).Msg("api: список каналов")
				writeError(w, http.StatusInternalServerError, "не удалось получить каналы")
				return
			}
			writeJSON(w, channelsResponse(list))
		})

		protected.Post("/api/v1/channels", func(w http.ResponseWriter, r *http.Request) {
			defer r.Body.Close()
			var req addChannelRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "некорректное тело запроса")
				return
			}
			if req.AdminID == 0 {
				writeError(w, http.StatusBadRequest, "admin_id обязателен")
				return
			}
			ch, err := channelService.Add(r.Context(), req.Ref, req.AdminID)
			if err != nil {
				if errors.Is(err, channels.ErrBadChannelRef) {
					writeError(w, http.StatusBadRequest, "канал указывается как @username или id вида -100…")
					return
				}
				logger.Error().Err(err).Str("ref", req.Ref).Msg("api: подключение канала")
				writeError(w, http.StatusInternalServerError, "не удалось подключить канал")
				return
			}
			writeJSON(w, channelResponse(ch))
		})

		protected.Delete("/api/v1/channels/{id}", func(w http.ResponseWriter, r *http.Request) {
			if err := channelService.Remove(chi.URLParam(r, "id")); err != nil {
				logger.Error().Err(err).Msg("api: удаление канала")
				writeError(w, http.StatusInternalServerError, "не удалось удалить канал")
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		protected.Put("/api/v1/channels/{id}/timezone", func(w http.ResponseWriter, r *http.Request) {
			defer r.Body.Close()
			var req timezoneRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "некорректное тело запроса")
				return
			}
			offset, err := channelService.SetTimezone(chi.URLParam(r, "id"), req.Offset)
			if err != nil {
				if errors.Is(err, channels.ErrBadTZOffset) {
					writeError(w, http.StatusBadRequest, "смещение должно быть от -12:00 до +14:00")
					return
				}
				logger.Error().Err(err).Msg("api: часовой пояс")
				writeError(w, http.StatusInternalServerError, "не удалось сохранить пояс")
				return
			}
			writeJSON(w, map[string]any{"tz_offset": offset})
		})

		protected.Post("/api/v1/channels/{id}/news", func(w http.ResponseWriter, r *http.Request) {
			on, err := channelService.ToggleNews(chi.URLParam(r, "id"))
			if err != nil {
				if errors.Is(err, domain.ErrChannelNotFound) {
					writeError(w, http.StatusNotFound, "канал не найден")
					return
				}
				logger.Error().Err(err).Msg("api: новостной режим")
				writeError(w, http.StatusInternalServerError, "не удалось переключить режим")
				return
			}
			writeJSON(w, map[string]any{"is_news": on})
		})

		protected.Get("/api/v1/channels/{id}/stats", func(w http.ResponseWriter, r *http.Request) {
			hours := 48
			if raw := r.URL.Query().Get("hours"); raw != "" {
				if v, err := strconv.Atoi(raw); err == nil && v > 0 {
					hours = v
				}
			}
			stats, err := historyService.StatsSince(chi.URLParam(r, "id"), time.Duration(hours)*time.Hour)
			if err != nil {
				logger.Error().Err(err).Msg("api: статистика канала")
				writeError(w, http.StatusInternalServerError, "не удалось получить статистику")
				return
			}
			writeJSON(w, map[string]any{
				"hours":          hours,
				"content_checks": stats.ContentChecks,
				"content_fails":  stats.ContentFails,
				"metric_checks":  stats.MetricChecks,
				"metric_fails":   stats.MetricFails,
			})
		})

		protected.Get("/api/v1/checks/pending", func(w http.ResponseWriter, r *http.Request) {
			pending, err := repoAdapter.ListReady(time.Now(), true)
			if err != nil {
				logger.Error().Err(err).Msg("api: список отложенных проверок")
				writeError(w, http.StatusInternalServerError, "не удалось получить проверки")
				return
			}
			out := make([]map[string]any, 0, len(pending))
			for _, pc := range pending {
				out = append(out, map[string]any{
					"channel_id":  pc.ChannelID,
					"post_id":     pc.PostID,
					"ready_at":    pc.ReadyAt,
					"enqueued_at": pc.EnqueuedAt,
					"retries":     pc.Retries,
				})
			}
			writeJSON(w, out)
		})

		protected.Post("/api/v1/checks/sweep", func(w http.ResponseWriter, r *http.Request) {
			if err := sweeper.Sweep(r.Context(), true); err != nil {
				logger.Error().Err(err).Msg("api: принудительный проход")
				writeError(w, http.StatusInternalServerError, "проход завершился с ошибкой")
				return
			}
			writeJSON(w, map[string]any{"status": "ok"})
		})

		protected.Get("/api/v1/channels/{id}/posts/{post}", func(w http.ResponseWriter, r *http.Request) {
			postID, err := strconv.ParseInt(chi.URLParam(r, "post"), 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "некорректный идентификатор поста")
				return
			}
			rec, err := repoAdapter.GetPost(domain.CheckKey{ChannelID: chi.URLParam(r, "id"), PostID: postID})
			if err != nil {
				if errors.Is(err, domain.ErrPostNotFound) {
					writeError(w, http.StatusNotFound, "пост не найден")
					return
				}
				logger.Error().Err(err).Msg("api: запись о посте")
				writeError(w, http.StatusInternalServerError, "не удалось получить пост")
				return
			}
			writeJSON(w, map[string]any{
				"channel_id":   rec.ChannelID,
				"post_id":      rec.PostID,
				"text":         rec.Text,
				"published_at": rec.PublishedAt,
				"url":          rec.URL,
				"content":      rec.Content,
				"metrics":      rec.Metrics,
				"verdict":      rec.Verdict,
			})
		})
	})

	go func() {
		logger.Info().Msg("api: старт")
		if err := srv.Start(":8080"); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

type addChannelRequest struct {
	Ref     string `json:"ref"`
	AdminID int64  `json:"admin_id"`
}

type timezoneRequest struct {
	Offset string `json:"offset"`
}

func channelResponse(ch domain.Channel) map[string]any {
	return map[string]any{
		"id":          ch.ID,
		"chat_id":     ch.ChatID,
		"title":       ch.Title,
		"subscribers": ch.Subscribers,
		"tz_offset":   ch.TZOffset,
		"is_news":     ch.IsNews,
		"admins":      ch.Admins,
	}
}

func channelsResponse(list []domain.Channel) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, ch := range list {
		out = append(out, channelResponse(ch))
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}

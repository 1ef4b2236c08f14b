package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"halaqa-bot/internal/adapters/bot"
	"halaqa-bot/internal/adapters/repo"
	"halaqa-bot/internal/domain"
	"halaqa-bot/internal/infra/cache"
	"halaqa-bot/internal/infra/config"
	"halaqa-bot/internal/infra/db"
	httpinfra "halaqa-bot/internal/infra/http"
	"halaqa-bot/internal/infra/log"
	"halaqa-bot/internal/infra/metrics"
	infraqueue "halaqa-bot/internal/infra/queue"
	"halaqa-bot/internal/usecase/queue"
	"halaqa-bot/internal/usecase/session"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("бот-гейтвей: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	jobs, err := buildNotifyQueue(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("бот-гейтвей: не удалось подключить очередь уведомлений")
	}

	repoAdapter := repo.NewPostgres(pool)
	queueService := queue.NewService(repoAdapter, repoAdapter, cfg.Queue.InsertOffset)
	sessionService := session.NewService(repoAdapter)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("бот-гейтвей: не удалось создать бота")
	}
	if cfg.Telegram.WebhookURL != "" {
		webhook, err := tgbotapi.NewWebhook(cfg.Telegram.WebhookURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("бот-гейтвей: некорректный адрес вебхука")
		}
		if _, err := botAPI.Request(webhook); err != nil {
			logger.Fatal().Err(err).Msg("бот-гейтвей: не удалось установить вебхук")
		}
	}

	handler := bot.NewHandler(botAPI, logger, queueService, sessionService, repoAdapter, jobs, cache.NewRedis(redisClient), cfg.IsAdmin, cfg.Queue.RenderThrottle)

	server := httpinfra.NewServer(logger)
	server.Router.Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		handler.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("бот-гейтвей: HTTP сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("бот-гейтвей: остановка")
}

func buildNotifyQueue(cfg config.AppConfig, redisClient *redis.Client) (domain.NotifyQueue, error) {
	if cfg.Notify.Backend == "amqp" {
		return infraqueue.NewAMQPNotifyQueue(cfg.AMQPURL, cfg.Notify.Key)
	}
	return infraqueue.NewRedisNotifyQueue(redisClient, cfg.Notify.Key), nil
}

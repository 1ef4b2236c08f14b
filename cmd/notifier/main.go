package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"halaqa-bot/internal/adapters/repo"
	"halaqa-bot/internal/domain"
	"halaqa-bot/internal/infra/config"
	"halaqa-bot/internal/infra/db"
	applog "halaqa-bot/internal/infra/log"
	"halaqa-bot/internal/infra/metrics"
	infraqueue "halaqa-bot/internal/infra/queue"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("notifier: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var jobs domain.NotifyQueue
	if cfg.Notify.Backend == "amqp" {
		amqpQueue, err := infraqueue.NewAMQPNotifyQueue(cfg.AMQPURL, cfg.Notify.Key)
		if err != nil {
			logger.Fatal().Err(err).Msg("notifier: не удалось подключить RabbitMQ")
		}
		defer amqpQueue.Close()
		jobs = amqpQueue
	} else {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		jobs = infraqueue.NewRedisNotifyQueue(redisClient, cfg.Notify.Key)
	}

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("notifier: не указан токен Telegram (TG_BOT_TOKEN)")
	}
	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("notifier: не удалось создать бота")
	}

	worker := &notifyWorker{
		log:        logger,
		jobs:       jobs,
		statuses:   repoAdapter,
		identities: repoAdapter,
		bot:        botAPI,
	}

	logger.Info().Msg("notifier: запуск обработки очереди")
	worker.Run(ctx)
	logger.Info().Msg("notifier: остановлен")
}

type notifyWorker struct {
	log        zerolog.Logger
	jobs       domain.NotifyQueue
	statuses   domain.NotifyJobStatusRepo
	identities domain.IdentityRepo
	bot        *tgbotapi.BotAPI
}

const maxDeliveryAttempts = 5

func (w *notifyWorker) Run(ctx context.Context) {
	for {
		job, err := w.jobs.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("notifier: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}

		jobLog := w.log.With().
			Str("job_id", job.ID).
			Int64("user", job.UserID).
			Str("cause", string(job.Cause)).
			Logger()

		if job.ID == "" {
			jobLog.Error().Msg("notifier: получена задача без идентификатора, пропускаем")
			continue
		}

		delivered, attempt, err := w.statuses.EnsureNotifyJob(job.ID)
		if err != nil {
			jobLog.Error().Err(err).Msg("notifier: не удалось зарегистрировать задачу")
			continue
		}
		if delivered {
			jobLog.Info().Msg("notifier: уведомление уже доставлено")
			continue
		}
		if attempt > maxDeliveryAttempts {
			jobLog.Error().Msg("notifier: достигнут предел попыток, задача закрывается")
			if err := w.statuses.MarkNotifyJobDelivered(job.ID); err != nil {
				jobLog.Error().Err(err).Msg("notifier: не удалось закрыть задачу")
			}
			continue
		}

		if err := w.notify(ctx, job); err != nil {
			jobLog.Error().Err(err).Int("attempt", attempt).Msg("notifier: не удалось отправить уведомление")
			continue
		}
		if err := w.statuses.MarkNotifyJobDelivered(job.ID); err != nil {
			jobLog.Error().Err(err).Msg("notifier: не удалось пометить задачу доставленной")
			continue
		}
		jobLog.Info().Msg("notifier: уведомление доставлено")
	}
}

// notify пишет участнику в личку и дублирует в ветку поста.
func (w *notifyWorker) notify(ctx context.Context, job domain.NotifyJob) error {
	identities, err := w.identities.GetIdentities(ctx, []int64{job.UserID})
	if err != nil {
		return err
	}
	name := ""
	if participant, ok := identities[job.UserID]; ok {
		name = participant.DisplayName()
	}

	text := "🔔 حان دورك في الحلقة!"
	if name != "" {
		text = fmt.Sprintf("🔔 %s، حان دورك في الحلقة!", name)
	}
	if job.Cause == domain.NotifyCauseTurnSkipped {
		text += "\nتم تخطي الدور السابق."
	}

	dm := tgbotapi.NewMessage(job.UserID, text)
	start := time.Now()
	_, err = w.bot.Send(dm)
	metrics.ObserveNetworkRequest("telegram_bot", "send_notify", strconv.FormatInt(job.UserID, 10), start, err)
	if err != nil {
		// личка может быть закрыта, уведомляем только в ветке
		metrics.BotSendErrors.Inc()
		w.log.Warn().Err(err).Int64("user", job.UserID).Msg("notifier: не удалось написать в личку")
	}

	mention := name
	if mention == "" {
		mention = fmt.Sprintf("مشارك %d", job.UserID)
	}
	threadMsg := tgbotapi.NewMessage(job.ChatID, fmt.Sprintf("🔔 %s — دورك الآن", mention))
	threadMsg.ReplyToMessageID = int(job.PostID)
	start = time.Now()
	_, err = w.bot.Send(threadMsg)
	metrics.ObserveNetworkRequest("telegram_bot", "send_notify_thread", strconv.FormatInt(job.ChatID, 10), start, err)
	if err != nil {
		metrics.BotSendErrors.Inc()
		return err
	}
	return nil
}

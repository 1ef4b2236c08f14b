package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	QueueMutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_mutations_total",
		Help: "Количество мутаций очереди по операциям",
	}, []string{"operation", "status"})

	ResequenceBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "queue_resequence_batch_size",
		Help:    "Число записей, позиции которых изменила одна пересортировка",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
	})

	NotifyJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_jobs_total",
		Help: "Количество задач уведомлений по причинам",
	}, []string{"cause"})

	BotSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_send_errors_total",
		Help: "Ошибки отправки сообщений ботом",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		QueueMutationsTotal,
		ResequenceBatchSize,
		NotifyJobsTotal,
		BotSendErrors,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// IncQueueMutation увеличивает счётчик мутаций очереди.
func IncQueueMutation(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	QueueMutationsTotal.WithLabelValues(operation, status).Inc()
}

// ObserveResequence записывает размер батча пересортировки.
func ObserveResequence(size int) {
	ResequenceBatchSize.Observe(float64(size))
}

// IncNotifyJob увеличивает счётчик задач уведомлений.
func IncNotifyJob(cause string) {
	NotifyJobsTotal.WithLabelValues(cause).Inc()
}

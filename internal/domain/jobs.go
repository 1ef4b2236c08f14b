package domain

import (
	"context"
	"time"
)

// NotifyCause описывает, из-за чего участник оказался первым в очереди.
type NotifyCause string

const (
	// NotifyCauseTurnCompleted — предыдущий участник завершил выход.
	NotifyCauseTurnCompleted NotifyCause = "turn_completed"
	// NotifyCauseTurnSkipped — предыдущий участник был пропущен.
	NotifyCauseTurnSkipped NotifyCause = "turn_skipped"
)

// NotifyJob содержит информацию о задаче уведомления участника,
// чья очередь подошла.
type NotifyJob struct {
	ID            string      `json:"job_id"`
	ChatID        int64       `json:"chat_id"`
	PostID        int64       `json:"post_id"`
	SessionNumber int         `json:"session_number"`
	UserID        int64       `json:"user_id"`
	EntryID       int64       `json:"entry_id"`
	Cause         NotifyCause `json:"cause"`
	RequestedAt   time.Time   `json:"requested_at"`
}

// NotifyQueue описывает очередь задач уведомлений.
type NotifyQueue interface {
	Enqueue(ctx context.Context, job NotifyJob) error
	// Pop блокирующе читает следующую задачу.
	Pop(ctx context.Context) (NotifyJob, error)
}

// NotifyJobStatusRepo отвечает за идемпотентную доставку уведомлений.
type NotifyJobStatusRepo interface {
	// EnsureNotifyJob регистрирует попытку обработки и возвращает признак
	// уже состоявшейся доставки и номер текущей попытки.
	EnsureNotifyJob(jobID string) (delivered bool, attempt int, err error)
	// MarkNotifyJobDelivered помечает задачу как окончательно доставленную.
	MarkNotifyJobDelivered(jobID string) error
}

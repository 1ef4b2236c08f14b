package domain

import (
	"context"
	"time"
)

// QueueEvent описывает событие очереди, сохраняемое для последующего анализа.
type QueueEvent struct {
	Event      string
	ChatID     *int64
	PostID     *int64
	UserID     *int64
	Metadata   map[string]any
	OccurredAt time.Time
}

const (
	// QueueEventUserAdded фиксирует добавление участника в очередь.
	QueueEventUserAdded = "user_added"
	// QueueEventTurnCompleted фиксирует завершение выхода.
	QueueEventTurnCompleted = "turn_completed"
	// QueueEventTurnSkipped фиксирует пропуск выхода.
	QueueEventTurnSkipped = "turn_skipped"
	// QueueEventSessionStarted фиксирует открытие новой сессии.
	QueueEventSessionStarted = "session_started"
)

// QueueEventRepo сохраняет события очереди.
type QueueEventRepo interface {
	RecordQueueEvent(ctx context.Context, event QueueEvent) error
}

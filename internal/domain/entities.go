package domain

import (
	"strings"
	"time"
)

// QueueScope идентифицирует очередь одной сессии внутри поста.
type QueueScope struct {
	ChatID        int64
	PostID        int64
	SessionNumber int
}

// QueueEntry описывает место участника в очереди сессии.
// Позиции активных записей одной QueueScope всегда образуют множество 1..N
// без пропусков; позиция завершённой записи замораживается.
type QueueEntry struct {
	ID            int64
	ChatID        int64
	PostID        int64
	SessionNumber int
	UserID        int64
	Position      int
	SessionType   string
	Notes         string
	CarriedOver   bool
	// CompensatingForDates — даты прошлых занятий, которые этот выход
	// компенсирует. Влияет только на отчётность, не на порядок очереди.
	CompensatingForDates []time.Time
	CreatedAt            time.Time
	CompletedAt          *time.Time
}

// Scope возвращает ключ очереди, к которой относится запись.
func (e QueueEntry) Scope() QueueScope {
	return QueueScope{ChatID: e.ChatID, PostID: e.PostID, SessionNumber: e.SessionNumber}
}

// Active сообщает, ждёт ли запись своей очереди.
func (e QueueEntry) Active() bool {
	return e.CompletedAt == nil
}

// Session описывает одно занятие внутри поста.
type Session struct {
	ID            int64
	ChatID        int64
	PostID        int64
	SessionNumber int
	TeacherName   string
	CreatedAt     time.Time
}

// Participant хранит отображаемую идентичность участника. Поля RealName и
// DetectedName заполняет внешний сервис распознавания имён; ядро их только
// читает.
type Participant struct {
	UserID       int64
	TelegramName string
	Username     string
	RealName     string
	DetectedName string
	UpdatedAt    time.Time
}

// DisplayName выбирает имя для показа: подтверждённое настоящее имя,
// затем распознанное, затем имя из Telegram.
func (p Participant) DisplayName() string {
	if name := strings.TrimSpace(p.RealName); name != "" {
		return name
	}
	if name := strings.TrimSpace(p.DetectedName); name != "" {
		return name
	}
	return strings.TrimSpace(p.TelegramName)
}

// QueueUser — запись очереди, дополненная именем для показа.
type QueueUser struct {
	Entry       QueueEntry
	DisplayName string
	Username    string
}

// TurnQueue — результат чтения очереди: активные записи (перенесённые из
// прошлой сессии показываются первыми) и завершённые в их историческом
// порядке.
type TurnQueue struct {
	ChatID         int64
	PostID         int64
	SessionNumber  int
	TeacherName    string
	ActiveUsers    []QueueUser
	CompletedUsers []QueueUser
}

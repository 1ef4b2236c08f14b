package domain

import (
	"context"
	"time"
)

// PositionUpdate — новая позиция одной активной записи. Репозиторий обязан
// применить весь срез атомарно: либо все позиции, либо ни одной.
type PositionUpdate struct {
	EntryID  int64
	Position int
}

// QueueRepo управляет записями очереди.
type QueueRepo interface {
	// ListEntries возвращает все записи области, отсортированные по позиции.
	ListEntries(ctx context.Context, scope QueueScope) ([]QueueEntry, error)
	// GetEntry возвращает запись по идентификатору либо ErrNotFound.
	GetEntry(ctx context.Context, entryID int64) (QueueEntry, error)
	InsertEntry(ctx context.Context, entry QueueEntry) (QueueEntry, error)
	// InsertCarriedOver батчем вставляет перенесённые записи новой сессии.
	InsertCarriedOver(ctx context.Context, entries []QueueEntry) error
	// UpdatePositions применяет позиции одной транзакцией и только к
	// активным записям.
	UpdatePositions(ctx context.Context, updates []PositionUpdate) error
	DeleteEntry(ctx context.Context, entryID int64) error
	// CompleteEntry помечает активную запись завершённой; для уже
	// завершённой возвращает ErrInvalidOperation.
	CompleteEntry(ctx context.Context, entryID int64, sessionType string, completedAt time.Time) error
	UpdateSessionType(ctx context.Context, entryID int64, sessionType string) error
	// UpdateNotes сохраняет заметку; пустая строка очищает поле.
	UpdateNotes(ctx context.Context, entryID int64, notes string) error
}

// SessionRepo управляет сессиями поста.
type SessionRepo interface {
	// MaxSessionNumber возвращает наибольший номер сессии поста, 0 если
	// сессий ещё нет.
	MaxSessionNumber(ctx context.Context, chatID, postID int64) (int, error)
	CreateSession(ctx context.Context, session Session) (Session, error)
	// LatestSession возвращает сессию с самым поздним created_at; при
	// совпадении времени побеждает больший номер.
	LatestSession(ctx context.Context, chatID, postID int64) (Session, bool, error)
	// GetSession возвращает сессию поста по номеру; false, если записи нет.
	GetSession(ctx context.Context, chatID, postID int64, sessionNumber int) (Session, bool, error)
	// UpsertTeacher создаёт сессию с указанным преподавателем либо
	// обновляет имя у существующей. Возвращает true, если запись создана.
	UpsertTeacher(ctx context.Context, chatID, postID int64, sessionNumber int, teacherName string) (bool, error)
}

// IdentityRepo отдаёт идентичности участников для отображения очереди.
type IdentityRepo interface {
	UpsertParticipant(ctx context.Context, participant Participant) error
	// GetIdentities возвращает известные идентичности; отсутствие
	// участника не является ошибкой, его просто нет в карте.
	GetIdentities(ctx context.Context, userIDs []int64) (map[int64]Participant, error)
}

// ScopedStore — репозитории, доступные внутри замка поста.
type ScopedStore interface {
	QueueRepo
	SessionRepo
	QueueEventRepo
}

// ScopeLocker выполняет секцию "прочитать-посчитать-записать" очередей
// одного поста под замком, который действует и между процессами. Все
// записи внутри fn применяются одной транзакцией либо откатываются целиком.
type ScopeLocker interface {
	InPostScope(ctx context.Context, chatID, postID int64, fn func(ScopedStore) error) error
}

// Store объединяет хранилище очередей с замком поста.
type Store interface {
	ScopedStore
	ScopeLocker
}

// Cache используется для подавления повторных срабатываний по TTL-ключу.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
}

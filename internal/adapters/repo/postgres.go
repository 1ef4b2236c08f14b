package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"halaqa-bot/internal/domain"
	"halaqa-bot/internal/infra/metrics"
)

// querier — общий знаменатель pgxpool.Pool и pgx.Tx: одни и те же запросы
// выполняются и на пуле, и внутри транзакции замка поста.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	db querier
}

var (
	_ domain.Store               = (*Postgres)(nil)
	_ domain.IdentityRepo        = (*Postgres)(nil)
	_ domain.NotifyJobStatusRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{db: pool}
}

// postLockKey сводит пару (chat, post) к ключу советующего замка.
func postLockKey(chatID, postID int64) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%d", chatID, postID)
	return int64(h.Sum64())
}

// InPostScope выполняет fn под pg_advisory_xact_lock поста. Замок живёт в
// БД и сериализует мутации очередей между всеми процессами; записи fn
// попадают в одну транзакцию и при ошибке откатываются вместе.
func (p *Postgres) InPostScope(ctx context.Context, chatID, postID int64, fn func(domain.ScopedStore) error) error {
	ctx, cancel := p.scopeCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.db.Begin(ctx)
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "queue_entries", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	_, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, postLockKey(chatID, postID))
	metrics.ObserveNetworkRequest("postgres", "advisory_lock", "queue_entries", start, err)
	if err != nil {
		return err
	}

	if err := fn(&Postgres{db: tx}); err != nil {
		return err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "queue_entries", start, err)
	return err
}

// scopeCtx даёт секции замка больше времени, чем одиночному запросу: под
// нагрузкой ожидание советующего замка входит в этот же дедлайн.
func (p *Postgres) scopeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 10*time.Second)
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const entryColumns = `id, chat_id, post_id, session_number, user_id, queue_position, session_type, notes, carried_over, compensating_for_dates, created_at, completed_at`

func scanEntry(row pgx.Row) (domain.QueueEntry, error) {
	var (
		entry       domain.QueueEntry
		sessionType sql.NullString
		notes       sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(&entry.ID, &entry.ChatID, &entry.PostID, &entry.SessionNumber, &entry.UserID, &entry.Position,
		&sessionType, &notes, &entry.CarriedOver, &entry.CompensatingForDates, &entry.CreatedAt, &completedAt)
	if err != nil {
		return domain.QueueEntry{}, err
	}
	if sessionType.Valid {
		entry.SessionType = sessionType.String
	}
	if notes.Valid {
		entry.Notes = notes.String
	}
	if completedAt.Valid {
		ts := completedAt.Time
		entry.CompletedAt = &ts
	}
	return entry, nil
}

// ListEntries возвращает записи области по возрастанию позиции.
func (p *Postgres) ListEntries(ctx context.Context, scope domain.QueueScope) ([]domain.QueueEntry, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.db.Query(ctx, `
SELECT `+entryColumns+`
FROM queue_entries
WHERE chat_id=$1 AND post_id=$2 AND session_number=$3
ORDER BY queue_position, id
`, scope.ChatID, scope.PostID, scope.SessionNumber)
	metrics.ObserveNetworkRequest("postgres", "queue_entries_list", "queue_entries", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []domain.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetEntry возвращает запись по идентификатору.
func (p *Postgres) GetEntry(ctx context.Context, entryID int64) (domain.QueueEntry, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	entry, err := scanEntry(p.db.QueryRow(ctx, `
SELECT `+entryColumns+`
FROM queue_entries WHERE id=$1
`, entryID))
	metrics.ObserveNetworkRequest("postgres", "queue_entries_get", "queue_entries", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueEntry{}, fmt.Errorf("%w: запись %d", domain.ErrNotFound, entryID)
	}
	return entry, err
}

// InsertEntry сохраняет новую запись очереди.
func (p *Postgres) InsertEntry(ctx context.Context, entry domain.QueueEntry) (domain.QueueEntry, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	created, err := scanEntry(p.db.QueryRow(ctx, `
INSERT INTO queue_entries (chat_id, post_id, session_number, user_id, queue_position, carried_over)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING `+entryColumns+`
`, entry.ChatID, entry.PostID, entry.SessionNumber, entry.UserID, entry.Position, entry.CarriedOver))
	metrics.ObserveNetworkRequest("postgres", "queue_entries_insert", "queue_entries", start, err)
	if err != nil {
		return domain.QueueEntry{}, err
	}
	userID := created.UserID
	chatID := created.ChatID
	postID := created.PostID
	_ = p.saveQueueEvent(ctx, domain.QueueEvent{
		Event:  domain.QueueEventUserAdded,
		ChatID: &chatID,
		PostID: &postID,
		UserID: &userID,
		Metadata: map[string]any{
			"session_number": created.SessionNumber,
			"position":       created.Position,
			"carried_over":   created.CarriedOver,
		},
	})
	return created, nil
}

// InsertCarriedOver батчем вставляет перенесённые записи новой сессии.
func (p *Postgres) InsertCarriedOver(ctx context.Context, entries []domain.QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, entry := range entries {
		batch.Queue(`
INSERT INTO queue_entries (chat_id, post_id, session_number, user_id, queue_position, carried_over)
VALUES ($1,$2,$3,$4,$5,true)
`, entry.ChatID, entry.PostID, entry.SessionNumber, entry.UserID, entry.Position)
	}
	start := time.Now()
	tx, err := p.db.Begin(ctx)
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "queue_entries", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	br := tx.SendBatch(ctx, batch)
	for range entries {
		if _, execErr := br.Exec(); execErr != nil {
			_ = br.Close()
			metrics.ObserveNetworkRequest("postgres", "queue_entries_carry_over", "queue_entries", start, execErr)
			return execErr
		}
	}
	if err := br.Close(); err != nil {
		metrics.ObserveNetworkRequest("postgres", "queue_entries_carry_over", "queue_entries", start, err)
		return err
	}
	metrics.ObserveNetworkRequest("postgres", "queue_entries_carry_over", "queue_entries", start, nil)

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "queue_entries", start, err)
	return err
}

// UpdatePositions применяет позиции батчем в одной транзакции, не трогая
// завершённые записи.
func (p *Postgres) UpdatePositions(ctx context.Context, updates []domain.PositionUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.db.Begin(ctx)
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "queue_entries", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, update := range updates {
		batch.Queue(`UPDATE queue_entries SET queue_position=$2 WHERE id=$1 AND completed_at IS NULL`, update.EntryID, update.Position)
	}
	start = time.Now()
	br := tx.SendBatch(ctx, batch)
	for _, update := range updates {
		tag, execErr := br.Exec()
		if execErr != nil {
			_ = br.Close()
			metrics.ObserveNetworkRequest("postgres", "queue_entries_update_positions", "queue_entries", start, execErr)
			return execErr
		}
		if tag.RowsAffected() == 0 {
			_ = br.Close()
			err := fmt.Errorf("%w: запись %d не активна", domain.ErrInvalidOperation, update.EntryID)
			metrics.ObserveNetworkRequest("postgres", "queue_entries_update_positions", "queue_entries", start, err)
			return err
		}
	}
	if err := br.Close(); err != nil {
		metrics.ObserveNetworkRequest("postgres", "queue_entries_update_positions", "queue_entries", start, err)
		return err
	}
	metrics.ObserveNetworkRequest("postgres", "queue_entries_update_positions", "queue_entries", start, nil)

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "queue_entries", start, err)
	return err
}

// DeleteEntry удаляет запись вне зависимости от её состояния.
func (p *Postgres) DeleteEntry(ctx context.Context, entryID int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.db.Exec(ctx, `DELETE FROM queue_entries WHERE id=$1`, entryID)
	metrics.ObserveNetworkRequest("postgres", "queue_entries_delete", "queue_entries", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: запись %d", domain.ErrNotFound, entryID)
	}
	return nil
}

// CompleteEntry помечает активную запись завершённой.
func (p *Postgres) CompleteEntry(ctx context.Context, entryID int64, sessionType string, completedAt time.Time) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.db.Exec(ctx, `
UPDATE queue_entries SET completed_at=$2, session_type=$3
WHERE id=$1 AND completed_at IS NULL
`, entryID, completedAt, sessionType)
	metrics.ObserveNetworkRequest("postgres", "queue_entries_complete", "queue_entries", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := p.GetEntry(ctx, entryID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: выход уже завершён", domain.ErrInvalidOperation)
	}
	_ = p.saveQueueEvent(ctx, domain.QueueEvent{
		Event:    domain.QueueEventTurnCompleted,
		Metadata: map[string]any{"entry_id": entryID, "session_type": sessionType},
	})
	return nil
}

// UpdateSessionType меняет тип завершённого выхода.
func (p *Postgres) UpdateSessionType(ctx context.Context, entryID int64, sessionType string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.db.Exec(ctx, `UPDATE queue_entries SET session_type=$2 WHERE id=$1`, entryID, sessionType)
	metrics.ObserveNetworkRequest("postgres", "queue_entries_update_type", "queue_entries", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: запись %d", domain.ErrNotFound, entryID)
	}
	return nil
}

// UpdateNotes сохраняет заметку; пустая строка записывается как NULL.
func (p *Postgres) UpdateNotes(ctx context.Context, entryID int64, notes string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.db.Exec(ctx, `UPDATE queue_entries SET notes=NULLIF($2,'') WHERE id=$1`, entryID, notes)
	metrics.ObserveNetworkRequest("postgres", "queue_entries_update_notes", "queue_entries", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: запись %d", domain.ErrNotFound, entryID)
	}
	return nil
}

// MaxSessionNumber возвращает наибольший номер сессии поста.
func (p *Postgres) MaxSessionNumber(ctx context.Context, chatID, postID int64) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var number int
	start := time.Now()
	err := p.db.QueryRow(ctx, `
SELECT COALESCE(MAX(session_number), 0) FROM sessions WHERE chat_id=$1 AND post_id=$2
`, chatID, postID).Scan(&number)
	metrics.ObserveNetworkRequest("postgres", "sessions_max_number", "sessions", start, err)
	return number, err
}

// CreateSession сохраняет новую сессию.
func (p *Postgres) CreateSession(ctx context.Context, session domain.Session) (domain.Session, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	err := p.db.QueryRow(ctx, `
INSERT INTO sessions (chat_id, post_id, session_number, teacher_name)
VALUES ($1,$2,$3,$4)
RETURNING id, created_at
`, session.ChatID, session.PostID, session.SessionNumber, session.TeacherName).Scan(&session.ID, &session.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "sessions_insert", "sessions", start, err)
	if err != nil {
		return domain.Session{}, err
	}
	chatID := session.ChatID
	postID := session.PostID
	_ = p.saveQueueEvent(ctx, domain.QueueEvent{
		Event:  domain.QueueEventSessionStarted,
		ChatID: &chatID,
		PostID: &postID,
		Metadata: map[string]any{
			"session_number": session.SessionNumber,
			"teacher_name":   session.TeacherName,
		},
	})
	return session, nil
}

func scanSession(row pgx.Row) (domain.Session, error) {
	var (
		session domain.Session
		teacher sql.NullString
	)
	err := row.Scan(&session.ID, &session.ChatID, &session.PostID, &session.SessionNumber, &teacher, &session.CreatedAt)
	if err != nil {
		return domain.Session{}, err
	}
	if teacher.Valid {
		session.TeacherName = teacher.String
	}
	return session, nil
}

// LatestSession возвращает последнюю сессию поста; при равном created_at
// побеждает больший номер.
func (p *Postgres) LatestSession(ctx context.Context, chatID, postID int64) (domain.Session, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	session, err := scanSession(p.db.QueryRow(ctx, `
SELECT id, chat_id, post_id, session_number, teacher_name, created_at
FROM sessions WHERE chat_id=$1 AND post_id=$2
ORDER BY created_at DESC, session_number DESC
LIMIT 1
`, chatID, postID))
	metrics.ObserveNetworkRequest("postgres", "sessions_latest", "sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, err
	}
	return session, true, nil
}

// GetSession возвращает сессию поста по номеру.
func (p *Postgres) GetSession(ctx context.Context, chatID, postID int64, sessionNumber int) (domain.Session, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	session, err := scanSession(p.db.QueryRow(ctx, `
SELECT id, chat_id, post_id, session_number, teacher_name, created_at
FROM sessions WHERE chat_id=$1 AND post_id=$2 AND session_number=$3
`, chatID, postID, sessionNumber))
	metrics.ObserveNetworkRequest("postgres", "sessions_get", "sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, err
	}
	return session, true, nil
}

// UpsertTeacher создаёт сессию с преподавателем либо обновляет имя.
func (p *Postgres) UpsertTeacher(ctx context.Context, chatID, postID int64, sessionNumber int, teacherName string) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var created bool
	start := time.Now()
	err := p.db.QueryRow(ctx, `
INSERT INTO sessions (chat_id, post_id, session_number, teacher_name)
VALUES ($1,$2,$3,$4)
ON CONFLICT (chat_id, post_id, session_number) DO UPDATE SET teacher_name=EXCLUDED.teacher_name
RETURNING (xmax = 0) AS inserted
`, chatID, postID, sessionNumber, teacherName).Scan(&created)
	metrics.ObserveNetworkRequest("postgres", "sessions_upsert_teacher", "sessions", start, err)
	return created, err
}

// UpsertParticipant обновляет идентичность участника. Ненулевые поля имён
// приходят от внешнего сервиса распознавания и не затираются пустым вводом.
func (p *Postgres) UpsertParticipant(ctx context.Context, participant domain.Participant) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.db.Exec(ctx, `
INSERT INTO participants (user_id, tg_name, username, real_name, detected_name)
VALUES ($1, $2, NULLIF($3,''), NULLIF($4,''), NULLIF($5,''))
ON CONFLICT (user_id) DO UPDATE SET
    tg_name = EXCLUDED.tg_name,
    username = COALESCE(EXCLUDED.username, participants.username),
    real_name = COALESCE(EXCLUDED.real_name, participants.real_name),
    detected_name = COALESCE(EXCLUDED.detected_name, participants.detected_name),
    updated_at = now()
`, participant.UserID, participant.TelegramName, participant.Username, participant.RealName, participant.DetectedName)
	metrics.ObserveNetworkRequest("postgres", "participants_upsert", "participants", start, err)
	return err
}

// GetIdentities возвращает идентичности участников по списку.
func (p *Postgres) GetIdentities(ctx context.Context, userIDs []int64) (map[int64]domain.Participant, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.db.Query(ctx, `
SELECT user_id, tg_name, username, real_name, detected_name, updated_at
FROM participants WHERE user_id = ANY($1)
`, userIDs)
	metrics.ObserveNetworkRequest("postgres", "participants_get", "participants", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	identities := make(map[int64]domain.Participant, len(userIDs))
	for rows.Next() {
		var (
			participant  domain.Participant
			username     sql.NullString
			realName     sql.NullString
			detectedName sql.NullString
		)
		if err := rows.Scan(&participant.UserID, &participant.TelegramName, &username, &realName, &detectedName, &participant.UpdatedAt); err != nil {
			return nil, err
		}
		if username.Valid {
			participant.Username = username.String
		}
		if realName.Valid {
			participant.RealName = realName.String
		}
		if detectedName.Valid {
			participant.DetectedName = detectedName.String
		}
		identities[participant.UserID] = participant
	}
	return identities, rows.Err()
}

// EnsureNotifyJob регистрирует попытку обработки уведомления.
func (p *Postgres) EnsureNotifyJob(jobID string) (bool, int, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var (
		delivered sql.NullTime
		attempts  int
	)
	start := time.Now()
	err := p.db.QueryRow(ctx, `
INSERT INTO notify_job_statuses (job_id, attempts, updated_at)
VALUES ($1, 1, now())
ON CONFLICT (job_id) DO UPDATE
    SET attempts = notify_job_statuses.attempts + 1,
        updated_at = now()
RETURNING delivered_at, attempts
`, jobID).Scan(&delivered, &attempts)
	metrics.ObserveNetworkRequest("postgres", "notify_job_statuses_upsert", "notify_job_statuses", start, err)
	if err != nil {
		return false, 0, err
	}
	return delivered.Valid, attempts, nil
}

// MarkNotifyJobDelivered помечает уведомление доставленным.
func (p *Postgres) MarkNotifyJobDelivered(jobID string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.db.Exec(ctx, `
UPDATE notify_job_statuses
SET delivered_at = COALESCE(delivered_at, now()),
    updated_at = now()
WHERE job_id = $1
`, jobID)
	metrics.ObserveNetworkRequest("postgres", "notify_job_statuses_mark_delivered", "notify_job_statuses", start, err)
	return err
}

func (p *Postgres) saveQueueEvent(ctx context.Context, event domain.QueueEvent) error {
	if event.Event == "" {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var chatID, postID, userID sql.NullInt64
	if event.ChatID != nil {
		chatID = sql.NullInt64{Int64: *event.ChatID, Valid: true}
	}
	if event.PostID != nil {
		postID = sql.NullInt64{Int64: *event.PostID, Valid: true}
	}
	if event.UserID != nil {
		userID = sql.NullInt64{Int64: *event.UserID, Valid: true}
	}
	var payload []byte
	if event.Metadata != nil {
		if data, err := json.Marshal(event.Metadata); err == nil {
			payload = data
		}
	}

	start := time.Now()
	_, err := p.db.Exec(ctx, `
INSERT INTO queue_events (event, chat_id, post_id, user_id, metadata, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, event.Event, chatID, postID, userID, payload, event.OccurredAt)
	metrics.ObserveNetworkRequest("postgres", "queue_events_insert", "queue_events", start, err)
	return err
}

// RecordQueueEvent сохраняет событие очереди в БД.
func (p *Postgres) RecordQueueEvent(ctx context.Context, event domain.QueueEvent) error {
	return p.saveQueueEvent(ctx, event)
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"halaqa-bot/internal/domain"
)

type memStore struct {
	mu        sync.Mutex
	nextID    int64
	entries   map[int64]*domain.QueueEntry
	sessions  []domain.Session
	failCarry bool
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[int64]*domain.QueueEntry)}
}

func (m *memStore) ListEntries(_ context.Context, scope domain.QueueScope) ([]domain.QueueEntry, error) {
	var result []domain.QueueEntry
	for _, entry := range m.entries {
		if entry.Scope() == scope {
			result = append(result, *entry)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Position < result[j].Position })
	return result, nil
}

func (m *memStore) GetEntry(_ context.Context, entryID int64) (domain.QueueEntry, error) {
	entry, ok := m.entries[entryID]
	if !ok {
		return domain.QueueEntry{}, fmt.Errorf("%w: запись %d", domain.ErrNotFound, entryID)
	}
	return *entry, nil
}

func (m *memStore) InsertEntry(_ context.Context, entry domain.QueueEntry) (domain.QueueEntry, error) {
	m.nextID++
	entry.ID = m.nextID
	entry.CreatedAt = time.Now().UTC()
	m.entries[entry.ID] = &entry
	return entry, nil
}

func (m *memStore) InsertCarriedOver(ctx context.Context, entries []domain.QueueEntry) error {
	if m.failCarry {
		return errors.New("обрыв соединения")
	}
	for _, entry := range entries {
		if _, err := m.InsertEntry(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) UpdatePositions(_ context.Context, updates []domain.PositionUpdate) error {
	for _, update := range updates {
		m.entries[update.EntryID].Position = update.Position
	}
	return nil
}

func (m *memStore) DeleteEntry(_ context.Context, entryID int64) error {
	delete(m.entries, entryID)
	return nil
}

func (m *memStore) CompleteEntry(_ context.Context, entryID int64, sessionType string, completedAt time.Time) error {
	entry := m.entries[entryID]
	entry.SessionType = sessionType
	entry.CompletedAt = &completedAt
	return nil
}

func (m *memStore) UpdateSessionType(_ context.Context, entryID int64, sessionType string) error {
	m.entries[entryID].SessionType = sessionType
	return nil
}

func (m *memStore) UpdateNotes(_ context.Context, entryID int64, notes string) error {
	m.entries[entryID].Notes = notes
	return nil
}

func (m *memStore) MaxSessionNumber(_ context.Context, chatID, postID int64) (int, error) {
	max := 0
	for _, s := range m.sessions {
		if s.ChatID == chatID && s.PostID == postID && s.SessionNumber > max {
			max = s.SessionNumber
		}
	}
	return max, nil
}

func (m *memStore) CreateSession(_ context.Context, session domain.Session) (domain.Session, error) {
	session.ID = int64(len(m.sessions) + 1)
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	m.sessions = append(m.sessions, session)
	return session, nil
}

func (m *memStore) LatestSession(_ context.Context, chatID, postID int64) (domain.Session, bool, error) {
	var latest domain.Session
	found := false
	for _, s := range m.sessions {
		if s.ChatID != chatID || s.PostID != postID {
			continue
		}
		if !found || s.CreatedAt.After(latest.CreatedAt) ||
			(s.CreatedAt.Equal(latest.CreatedAt) && s.SessionNumber > latest.SessionNumber) {
			latest = s
			found = true
		}
	}
	return latest, found, nil
}

func (m *memStore) GetSession(_ context.Context, chatID, postID int64, sessionNumber int) (domain.Session, bool, error) {
	for _, s := range m.sessions {
		if s.ChatID == chatID && s.PostID == postID && s.SessionNumber == sessionNumber {
			return s, true, nil
		}
	}
	return domain.Session{}, false, nil
}

func (m *memStore) UpsertTeacher(_ context.Context, chatID, postID int64, sessionNumber int, teacherName string) (bool, error) {
	for i, s := range m.sessions {
		if s.ChatID == chatID && s.PostID == postID && s.SessionNumber == sessionNumber {
			m.sessions[i].TeacherName = teacherName
			return false, nil
		}
	}
	m.sessions = append(m.sessions, domain.Session{
		ChatID:        chatID,
		PostID:        postID,
		SessionNumber: sessionNumber,
		TeacherName:   teacherName,
		CreatedAt:     time.Now().UTC(),
	})
	return true, nil
}

func (m *memStore) RecordQueueEvent(_ context.Context, _ domain.QueueEvent) error {
	return nil
}

// InPostScope повторяет транзакционную семантику хранилища: секции поста
// сериализуются, при ошибке fn изменения откатываются целиком.
func (m *memStore) InPostScope(_ context.Context, _, _ int64, fn func(domain.ScopedStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make(map[int64]*domain.QueueEntry, len(m.entries))
	for id, entry := range m.entries {
		copied := *entry
		entries[id] = &copied
	}
	sessions := append([]domain.Session(nil), m.sessions...)
	nextID := m.nextID
	if err := fn(m); err != nil {
		m.entries = entries
		m.sessions = sessions
		m.nextID = nextID
		return err
	}
	return nil
}

func completedAt(ts time.Time) *time.Time { return &ts }

func TestStartNewSessionNumbering(t *testing.T) {
	store := newMemStore()
	service := NewService(store)
	ctx := context.Background()

	first, err := service.StartNewSession(ctx, 10, 100, "الشيخ أحمد", true)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if first.SessionNumber != 1 {
		t.Fatalf("первая сессия должна получить номер 1, получили %d", first.SessionNumber)
	}
	second, err := service.StartNewSession(ctx, 10, 100, "", true)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if second.SessionNumber != 2 {
		t.Fatalf("вторая сессия должна получить номер 2, получили %d", second.SessionNumber)
	}
}

func TestStartNewSessionCarryOver(t *testing.T) {
	store := newMemStore()
	service := NewService(store)
	ctx := context.Background()

	if _, err := service.StartNewSession(ctx, 10, 100, "", true); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// трое в очереди первой сессии, средний уже выходил
	store.InsertEntry(ctx, domain.QueueEntry{ChatID: 10, PostID: 100, SessionNumber: 1, UserID: 1, Position: 1})
	store.InsertEntry(ctx, domain.QueueEntry{ChatID: 10, PostID: 100, SessionNumber: 1, UserID: 2, Position: 2, CompletedAt: completedAt(time.Now()), SessionType: "تلاوة"})
	store.InsertEntry(ctx, domain.QueueEntry{ChatID: 10, PostID: 100, SessionNumber: 1, UserID: 3, Position: 3, Notes: "ملاحظة"})

	created, err := service.StartNewSession(ctx, 10, 100, "", true)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if created.SessionNumber != 2 {
		t.Fatalf("ожидали сессию 2, получили %d", created.SessionNumber)
	}

	carried, _ := store.ListEntries(ctx, domain.QueueScope{ChatID: 10, PostID: 100, SessionNumber: 2})
	if len(carried) != 2 {
		t.Fatalf("переноситься должны только незавершённые, получили %d записей", len(carried))
	}
	if carried[0].UserID != 1 || carried[0].Position != 1 || !carried[0].CarriedOver {
		t.Fatalf("первая перенесённая запись неверна: %+v", carried[0])
	}
	if carried[1].UserID != 3 || carried[1].Position != 2 || !carried[1].CarriedOver {
		t.Fatalf("вторая перенесённая запись неверна: %+v", carried[1])
	}
	if carried[1].Notes != "" {
		t.Fatalf("заметки не переносятся в новую сессию, получили %q", carried[1].Notes)
	}

	// старая сессия остаётся нетронутой
	previous, _ := store.ListEntries(ctx, domain.QueueScope{ChatID: 10, PostID: 100, SessionNumber: 1})
	if len(previous) != 3 {
		t.Fatalf("записи прошлой сессии должны сохраниться, получили %d", len(previous))
	}
}

func TestStartNewSessionFresh(t *testing.T) {
	store := newMemStore()
	service := NewService(store)
	ctx := context.Background()

	service.StartNewSession(ctx, 10, 100, "", true)
	store.InsertEntry(ctx, domain.QueueEntry{ChatID: 10, PostID: 100, SessionNumber: 1, UserID: 1, Position: 1})

	created, err := service.StartNewSession(ctx, 10, 100, "", false)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	entries, _ := store.ListEntries(ctx, domain.QueueScope{ChatID: 10, PostID: 100, SessionNumber: created.SessionNumber})
	if len(entries) != 0 {
		t.Fatalf("сессия без переноса должна начинаться пустой, получили %d записей", len(entries))
	}
}

func TestStartNewSessionRollsBackOnCarryFailure(t *testing.T) {
	store := newMemStore()
	service := NewService(store)
	ctx := context.Background()

	if _, err := service.StartNewSession(ctx, 10, 100, "", true); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	store.InsertEntry(ctx, domain.QueueEntry{ChatID: 10, PostID: 100, SessionNumber: 1, UserID: 1, Position: 1})

	store.failCarry = true
	if _, err := service.StartNewSession(ctx, 10, 100, "", true); err == nil {
		t.Fatalf("ожидали ошибку переноса участников")
	}
	store.failCarry = false

	// сессия и перенос пишутся одной транзакцией: сбой переноса не должен
	// оставить пустую сессию с большим номером
	if len(store.sessions) != 1 {
		t.Fatalf("сбойное открытие должно откатить сессию, осталось %d", len(store.sessions))
	}
	number, err := service.ResolveLatest(ctx, 10, 100)
	if err != nil || number != 1 {
		t.Fatalf("последней должна остаться сессия 1, получили %d (%v)", number, err)
	}
}

func TestResolveLatestBootstrap(t *testing.T) {
	store := newMemStore()
	service := NewService(store)

	number, err := service.ResolveLatest(context.Background(), 10, 100)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if number != 1 {
		t.Fatalf("пост без сессий должен работать в сессии 1, получили %d", number)
	}
}

func TestResolveLatestTieBreak(t *testing.T) {
	store := newMemStore()
	now := time.Now().UTC().Truncate(time.Second)
	store.sessions = []domain.Session{
		{ChatID: 10, PostID: 100, SessionNumber: 3, CreatedAt: now},
		{ChatID: 10, PostID: 100, SessionNumber: 4, CreatedAt: now},
	}
	service := NewService(store)

	number, err := service.ResolveLatest(context.Background(), 10, 100)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if number != 4 {
		t.Fatalf("при равном created_at побеждает больший номер, получили %d", number)
	}
}

func TestUpdateTeacher(t *testing.T) {
	store := newMemStore()
	service := NewService(store)
	ctx := context.Background()

	if _, err := service.UpdateTeacher(ctx, 10, 100, 1, "  "); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("пустое имя должно вернуть ErrInvalidOperation, получили %v", err)
	}

	created, err := service.UpdateTeacher(ctx, 10, 100, 0, "الشيخ أحمد")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !created {
		t.Fatalf("сессии ещё не было, ожидали признак создания")
	}

	created, err = service.UpdateTeacher(ctx, 10, 100, 1, "الشيخ محمود")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if created {
		t.Fatalf("повторный вызов должен обновить существующую сессию")
	}
	session, found, _ := store.GetSession(ctx, 10, 100, 1)
	if !found || session.TeacherName != "الشيخ محمود" {
		t.Fatalf("ожидали обновлённое имя, получили %+v", session)
	}
}

package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"halaqa-bot/internal/domain"
	"halaqa-bot/internal/infra/metrics"
)

// DefaultInsertOffset — после скольких ожидающих вставляется участник без
// активной записи. Продуктовая константа, переопределяется конфигом.
const DefaultInsertOffset = 3

const bootstrapSessionNumber = 1

// Service реализует мутации и чтение очереди. Каждая мутация выполняется
// целиком под замком поста в хранилище: свежая выборка активных записей,
// расчёт нового порядка и запись позиций попадают в одну транзакцию, замок
// действует и между процессами.
type Service struct {
	store        domain.Store
	identities   domain.IdentityRepo
	insertOffset int
}

// NewService создаёт сервис очереди. insertOffset <= 0 заменяется значением
// по умолчанию.
func NewService(store domain.Store, identities domain.IdentityRepo, insertOffset int) *Service {
	if insertOffset <= 0 {
		insertOffset = DefaultInsertOffset
	}
	return &Service{
		store:        store,
		identities:   identities,
		insertOffset: insertOffset,
	}
}

// ResolveSession возвращает номер сессии для операции: явно указанный, иначе
// последнюю сессию поста, иначе 1 для постов, созданных до появления сессий.
func (s *Service) ResolveSession(ctx context.Context, chatID, postID int64, sessionNumber int) (int, error) {
	return resolveSession(ctx, s.store, chatID, postID, sessionNumber)
}

// AddUser добавляет участника в конец очереди. Если участник уже ждёт
// выхода в этой сессии, возвращается его существующая запись и false:
// повторная заявка не дублирует запись.
func (s *Service) AddUser(ctx context.Context, chatID, postID, userID int64, sessionNumber int) (domain.QueueEntry, bool, error) {
	var (
		result domain.QueueEntry
		added  bool
	)
	err := s.store.InPostScope(ctx, chatID, postID, func(st domain.ScopedStore) error {
		num, err := resolveSession(ctx, st, chatID, postID, sessionNumber)
		if err != nil {
			return err
		}
		scope := domain.QueueScope{ChatID: chatID, PostID: postID, SessionNumber: num}
		active, err := loadActive(ctx, st, scope)
		if err != nil {
			return err
		}
		for _, entry := range active {
			if entry.UserID == userID {
				result = entry
				return nil
			}
		}
		position := 1
		if n := len(active); n > 0 {
			position = active[n-1].Position + 1
		}
		created, err := st.InsertEntry(ctx, domain.QueueEntry{
			ChatID:        chatID,
			PostID:        postID,
			SessionNumber: num,
			UserID:        userID,
			Position:      position,
		})
		if err != nil {
			return fmt.Errorf("добавление участника: %w", err)
		}
		result = created
		added = true
		return nil
	})
	metrics.IncQueueMutation("append", err)
	if err != nil {
		return domain.QueueEntry{}, false, err
	}
	return result, added, nil
}

// AddUserAtPosition вставляет участника после turnsToWait ожидающих за
// якорной позицией. anchorPosition 0 означает, что активной записи у
// участника нет: тогда он встаёт после insertOffset первых ожидающих.
// Обе формы ограничиваются концом очереди.
func (s *Service) AddUserAtPosition(ctx context.Context, chatID, postID, userID int64, anchorPosition, turnsToWait, sessionNumber int) (domain.QueueEntry, error) {
	if turnsToWait < 0 {
		return domain.QueueEntry{}, fmt.Errorf("%w: отрицательное число пропускаемых участников", domain.ErrInvalidOperation)
	}
	var result domain.QueueEntry
	err := s.store.InPostScope(ctx, chatID, postID, func(st domain.ScopedStore) error {
		num, err := resolveSession(ctx, st, chatID, postID, sessionNumber)
		if err != nil {
			return err
		}
		scope := domain.QueueScope{ChatID: chatID, PostID: postID, SessionNumber: num}
		active, err := loadActive(ctx, st, scope)
		if err != nil {
			return err
		}

		targetIndex := s.insertOffset
		if anchorPosition > 0 {
			anchorIndex := -1
			for i, entry := range active {
				if entry.Position == anchorPosition {
					anchorIndex = i
					break
				}
			}
			if anchorIndex < 0 {
				return fmt.Errorf("%w: нет активной записи на позиции %d", domain.ErrNotFound, anchorPosition)
			}
			targetIndex = anchorIndex + turnsToWait + 1
		}
		if targetIndex > len(active) {
			targetIndex = len(active)
		}

		// Сначала запись появляется в конце очереди: контигуальность позиций
		// не нарушается ни в один момент, затем батч переносит её на место.
		created, err := st.InsertEntry(ctx, domain.QueueEntry{
			ChatID:        chatID,
			PostID:        postID,
			SessionNumber: num,
			UserID:        userID,
			Position:      len(active) + 1,
		})
		if err != nil {
			return fmt.Errorf("вставка участника: %w", err)
		}

		orderedIDs := make([]int64, 0, len(active)+1)
		for _, entry := range active[:targetIndex] {
			orderedIDs = append(orderedIDs, entry.ID)
		}
		orderedIDs = append(orderedIDs, created.ID)
		for _, entry := range active[targetIndex:] {
			orderedIDs = append(orderedIDs, entry.ID)
		}
		if err := applyOrder(ctx, st, append(active, created), orderedIDs); err != nil {
			return err
		}
		created.Position = targetIndex + 1
		result = created
		return nil
	})
	metrics.IncQueueMutation("insert", err)
	if err != nil {
		return domain.QueueEntry{}, err
	}
	return result, nil
}

// RemoveEntry удаляет запись. Удаление активной записи закрывает её позицию
// пересортировкой; замороженные позиции завершённых записей не трогаются.
func (s *Service) RemoveEntry(ctx context.Context, entryID int64) error {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	err = s.store.InPostScope(ctx, entry.ChatID, entry.PostID, func(st domain.ScopedStore) error {
		current, err := st.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if err := st.DeleteEntry(ctx, entryID); err != nil {
			return fmt.Errorf("удаление записи: %w", err)
		}
		if !current.Active() {
			return nil
		}
		return closeGap(ctx, st, current.Scope())
	})
	metrics.IncQueueMutation("remove", err)
	return err
}

// CompleteTurn завершает активный выход и закрывает его позицию. Статус и
// новые позиции соседей пишутся одной транзакцией.
func (s *Service) CompleteTurn(ctx context.Context, entryID int64, sessionType string) error {
	sessionType = strings.TrimSpace(sessionType)
	if sessionType == "" {
		return fmt.Errorf("%w: не указан тип сессии", domain.ErrInvalidOperation)
	}
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	err = s.store.InPostScope(ctx, entry.ChatID, entry.PostID, func(st domain.ScopedStore) error {
		current, err := st.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if !current.Active() {
			return fmt.Errorf("%w: выход уже завершён", domain.ErrInvalidOperation)
		}
		if err := st.CompleteEntry(ctx, entryID, sessionType, time.Now().UTC()); err != nil {
			return err
		}
		return closeGap(ctx, st, current.Scope())
	})
	metrics.IncQueueMutation("complete", err)
	return err
}

// SkipTurn меняет запись местами со следующей активной: пропущенный
// сдвигается на слот позже, его сосед — на слот раньше.
func (s *Service) SkipTurn(ctx context.Context, entryID int64) error {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if !entry.Active() {
		return fmt.Errorf("%w: выход уже завершён", domain.ErrInvalidOperation)
	}
	err = s.store.InPostScope(ctx, entry.ChatID, entry.PostID, func(st domain.ScopedStore) error {
		active, err := loadActive(ctx, st, entry.Scope())
		if err != nil {
			return err
		}
		if len(active) < 2 {
			return fmt.Errorf("%w: недостаточно активных участников для пропуска", domain.ErrInvalidOperation)
		}
		idx := indexOfEntry(active, entryID)
		if idx < 0 {
			return fmt.Errorf("%w: запись %d больше не активна", domain.ErrNotFound, entryID)
		}
		if idx == len(active)-1 {
			return fmt.Errorf("%w: после записи нет следующего участника", domain.ErrInvalidOperation)
		}
		orderedIDs := entryIDs(active)
		orderedIDs[idx], orderedIDs[idx+1] = orderedIDs[idx+1], orderedIDs[idx]
		if err := applyOrder(ctx, st, active, orderedIDs); err != nil {
			return err
		}
		chatID, postID, userID := entry.ChatID, entry.PostID, entry.UserID
		_ = st.RecordQueueEvent(ctx, domain.QueueEvent{
			Event:  domain.QueueEventTurnSkipped,
			ChatID: &chatID,
			PostID: &postID,
			UserID: &userID,
			Metadata: map[string]any{
				"entry_id":       entryID,
				"session_number": entry.SessionNumber,
			},
		})
		return nil
	})
	metrics.IncQueueMutation("skip", err)
	return err
}

// UpdatePosition переставляет активную запись на указанную позицию. Равная
// текущей позиция — no-op.
func (s *Service) UpdatePosition(ctx context.Context, entryID int64, newPosition int) error {
	return s.reorder(ctx, entryID, newPosition, false)
}

// MoveToEnd отправляет активную запись в конец очереди.
func (s *Service) MoveToEnd(ctx context.Context, entryID int64) error {
	return s.reorder(ctx, entryID, 0, true)
}

func (s *Service) reorder(ctx context.Context, entryID int64, newPosition int, toEnd bool) error {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if !entry.Active() {
		return fmt.Errorf("%w: завершённые записи не переставляются", domain.ErrInvalidOperation)
	}
	err = s.store.InPostScope(ctx, entry.ChatID, entry.PostID, func(st domain.ScopedStore) error {
		active, err := loadActive(ctx, st, entry.Scope())
		if err != nil {
			return err
		}
		target := newPosition
		if toEnd {
			target = len(active)
		}
		if target < 1 || target > len(active) {
			return fmt.Errorf("%w: позиция %d вне диапазона 1..%d", domain.ErrInvalidOperation, target, len(active))
		}
		idx := indexOfEntry(active, entryID)
		if idx < 0 {
			return fmt.Errorf("%w: запись %d больше не активна", domain.ErrNotFound, entryID)
		}
		if active[idx].Position == target {
			return nil
		}
		orderedIDs := make([]int64, 0, len(active))
		for i, e := range active {
			if i != idx {
				orderedIDs = append(orderedIDs, e.ID)
			}
		}
		orderedIDs = append(orderedIDs[:target-1], append([]int64{entryID}, orderedIDs[target-1:]...)...)
		return applyOrder(ctx, st, active, orderedIDs)
	})
	metrics.IncQueueMutation("reorder", err)
	return err
}

// UpdateSessionType меняет тип уже завершённого выхода (ретроактивная
// правка).
func (s *Service) UpdateSessionType(ctx context.Context, entryID int64, sessionType string) error {
	sessionType = strings.TrimSpace(sessionType)
	if sessionType == "" {
		return fmt.Errorf("%w: не указан тип сессии", domain.ErrInvalidOperation)
	}
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.Active() {
		return fmt.Errorf("%w: выход ещё не завершён", domain.ErrInvalidOperation)
	}
	return s.store.UpdateSessionType(ctx, entryID, sessionType)
}

// UpdateNotes сохраняет заметку к записи. Пустой или пробельный ввод
// очищает поле.
func (s *Service) UpdateNotes(ctx context.Context, entryID int64, notes string) error {
	if _, err := s.store.GetEntry(ctx, entryID); err != nil {
		return err
	}
	return s.store.UpdateNotes(ctx, entryID, strings.TrimSpace(notes))
}

// GetQueue читает очередь сессии: активные записи с перенесёнными впереди,
// завершённые в историческом порядке, все с разрешёнными именами.
// Отсутствие идентичности участника не срывает чтение.
func (s *Service) GetQueue(ctx context.Context, chatID, postID int64, sessionNumber int) (domain.TurnQueue, error) {
	num, err := s.ResolveSession(ctx, chatID, postID, sessionNumber)
	if err != nil {
		return domain.TurnQueue{}, err
	}
	scope := domain.QueueScope{ChatID: chatID, PostID: postID, SessionNumber: num}
	entries, err := s.store.ListEntries(ctx, scope)
	if err != nil {
		return domain.TurnQueue{}, fmt.Errorf("чтение очереди: %w", err)
	}

	var active, completed []domain.QueueEntry
	for _, entry := range entries {
		if entry.Active() {
			active = append(active, entry)
		} else {
			completed = append(completed, entry)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].CarriedOver != active[j].CarriedOver {
			return active[i].CarriedOver
		}
		return active[i].Position < active[j].Position
	})
	sort.SliceStable(completed, func(i, j int) bool {
		return completed[i].Position < completed[j].Position
	})

	identities, err := s.resolveIdentities(ctx, entries)
	if err != nil {
		return domain.TurnQueue{}, err
	}

	result := domain.TurnQueue{ChatID: chatID, PostID: postID, SessionNumber: num}
	if session, found, err := s.store.GetSession(ctx, chatID, postID, num); err == nil && found {
		result.TeacherName = session.TeacherName
	} else if err != nil {
		return domain.TurnQueue{}, fmt.Errorf("чтение сессии: %w", err)
	}
	result.ActiveUsers = joinIdentities(active, identities)
	result.CompletedUsers = joinIdentities(completed, identities)
	return result, nil
}

func (s *Service) resolveIdentities(ctx context.Context, entries []domain.QueueEntry) (map[int64]domain.Participant, error) {
	seen := make(map[int64]struct{}, len(entries))
	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		if _, ok := seen[entry.UserID]; ok {
			continue
		}
		seen[entry.UserID] = struct{}{}
		ids = append(ids, entry.UserID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	identities, err := s.identities.GetIdentities(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("разрешение имён: %w", err)
	}
	return identities, nil
}

func joinIdentities(entries []domain.QueueEntry, identities map[int64]domain.Participant) []domain.QueueUser {
	users := make([]domain.QueueUser, 0, len(entries))
	for _, entry := range entries {
		participant := identities[entry.UserID]
		users = append(users, domain.QueueUser{
			Entry:       entry,
			DisplayName: participant.DisplayName(),
			Username:    participant.Username,
		})
	}
	return users
}

func resolveSession(ctx context.Context, sessions domain.SessionRepo, chatID, postID int64, sessionNumber int) (int, error) {
	if sessionNumber > 0 {
		return sessionNumber, nil
	}
	latest, found, err := sessions.LatestSession(ctx, chatID, postID)
	if err != nil {
		return 0, fmt.Errorf("определение сессии: %w", err)
	}
	if !found {
		return bootstrapSessionNumber, nil
	}
	return latest.SessionNumber, nil
}

// loadActive выбирает свежий список активных записей области по возрастанию
// позиции.
func loadActive(ctx context.Context, entries domain.QueueRepo, scope domain.QueueScope) ([]domain.QueueEntry, error) {
	all, err := entries.ListEntries(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("чтение очереди: %w", err)
	}
	active := all[:0:0]
	for _, entry := range all {
		if entry.Active() {
			active = append(active, entry)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].Position < active[j].Position })
	return active, nil
}

func closeGap(ctx context.Context, st domain.QueueRepo, scope domain.QueueScope) error {
	active, err := loadActive(ctx, st, scope)
	if err != nil {
		return err
	}
	return applyOrder(ctx, st, active, entryIDs(active))
}

func applyOrder(ctx context.Context, st domain.QueueRepo, entries []domain.QueueEntry, orderedIDs []int64) error {
	updates, err := resequence(entries, orderedIDs)
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}
	metrics.ObserveResequence(len(updates))
	if err := st.UpdatePositions(ctx, updates); err != nil {
		return fmt.Errorf("запись позиций: %w", err)
	}
	return nil
}

package session

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"halaqa-bot/internal/domain"
)

// Service управляет жизненным циклом сессий поста: нумерация, перенос
// незавершённых участников, имя преподавателя. Мутации выполняются под тем
// же замком поста, что и мутации очереди: открытие сессии не гонится с
// заявками участников.
type Service struct {
	store domain.Store
}

// NewService создаёт сервис сессий.
func NewService(store domain.Store) *Service {
	return &Service{store: store}
}

// StartNewSession открывает сессию с номером max+1. При carryOver активные
// записи предыдущей сессии копируются в новую с позициями 1..K в прежнем
// относительном порядке; исходные записи старой сессии остаются нетронутыми
// как исторический след. Сессия и перенесённые записи пишутся одной
// транзакцией.
func (s *Service) StartNewSession(ctx context.Context, chatID, postID int64, teacherName string, carryOver bool) (domain.Session, error) {
	var created domain.Session
	err := s.store.InPostScope(ctx, chatID, postID, func(st domain.ScopedStore) error {
		maxNumber, err := st.MaxSessionNumber(ctx, chatID, postID)
		if err != nil {
			return fmt.Errorf("номер сессии: %w", err)
		}
		created, err = st.CreateSession(ctx, domain.Session{
			ChatID:        chatID,
			PostID:        postID,
			SessionNumber: maxNumber + 1,
			TeacherName:   strings.TrimSpace(teacherName),
		})
		if err != nil {
			return fmt.Errorf("создание сессии: %w", err)
		}
		if !carryOver || maxNumber == 0 {
			return nil
		}

		previous := domain.QueueScope{ChatID: chatID, PostID: postID, SessionNumber: maxNumber}
		entries, err := st.ListEntries(ctx, previous)
		if err != nil {
			return fmt.Errorf("чтение прошлой сессии: %w", err)
		}
		var incomplete []domain.QueueEntry
		for _, entry := range entries {
			if entry.Active() {
				incomplete = append(incomplete, entry)
			}
		}
		if len(incomplete) == 0 {
			return nil
		}
		sort.SliceStable(incomplete, func(i, j int) bool { return incomplete[i].Position < incomplete[j].Position })

		carried := make([]domain.QueueEntry, 0, len(incomplete))
		for i, entry := range incomplete {
			carried = append(carried, domain.QueueEntry{
				ChatID:        chatID,
				PostID:        postID,
				SessionNumber: created.SessionNumber,
				UserID:        entry.UserID,
				Position:      i + 1,
				CarriedOver:   true,
			})
		}
		if err := st.InsertCarriedOver(ctx, carried); err != nil {
			return fmt.Errorf("перенос участников: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return created, nil
}

// ResolveLatest возвращает номер последней сессии поста. Для постов без
// сессий действует номер 1.
func (s *Service) ResolveLatest(ctx context.Context, chatID, postID int64) (int, error) {
	latest, found, err := s.store.LatestSession(ctx, chatID, postID)
	if err != nil {
		return 0, fmt.Errorf("определение сессии: %w", err)
	}
	if !found {
		return 1, nil
	}
	return latest.SessionNumber, nil
}

// UpdateTeacher задаёт имя преподавателя сессии с upsert-семантикой: если
// записи о сессии ещё нет, она создаётся. sessionNumber 0 означает
// последнюю сессию поста.
func (s *Service) UpdateTeacher(ctx context.Context, chatID, postID int64, sessionNumber int, teacherName string) (bool, error) {
	teacherName = strings.TrimSpace(teacherName)
	if teacherName == "" {
		return false, fmt.Errorf("%w: не указано имя преподавателя", domain.ErrInvalidOperation)
	}
	var created bool
	err := s.store.InPostScope(ctx, chatID, postID, func(st domain.ScopedStore) error {
		number := sessionNumber
		if number <= 0 {
			latest, found, err := st.LatestSession(ctx, chatID, postID)
			if err != nil {
				return fmt.Errorf("определение сессии: %w", err)
			}
			number = 1
			if found {
				number = latest.SessionNumber
			}
		}
		c, err := st.UpsertTeacher(ctx, chatID, postID, number, teacherName)
		if err != nil {
			return fmt.Errorf("сохранение преподавателя: %w", err)
		}
		created = c
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

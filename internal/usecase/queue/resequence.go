package queue

import (
	"fmt"

	"halaqa-bot/internal/domain"
)

// resequence приводит активные записи к порядку orderedIDs, назначая позиции
// 1..N, и возвращает обновления только для записей, чья позиция изменилась.
// orderedIDs обязан быть перестановкой идентификаторов entries; нарушение —
// ошибка программирования, о которой сообщаем сразу.
func resequence(entries []domain.QueueEntry, orderedIDs []int64) ([]domain.PositionUpdate, error) {
	if len(entries) != len(orderedIDs) {
		return nil, fmt.Errorf("%w: пересортировка ожидает %d записей, получила %d", domain.ErrInvalidOperation, len(entries), len(orderedIDs))
	}
	byID := make(map[int64]domain.QueueEntry, len(entries))
	for _, entry := range entries {
		byID[entry.ID] = entry
	}
	seen := make(map[int64]struct{}, len(orderedIDs))
	var updates []domain.PositionUpdate
	for idx, id := range orderedIDs {
		entry, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: запись %d не входит в пересортируемую область", domain.ErrInvalidOperation, id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: запись %d встречается дважды", domain.ErrInvalidOperation, id)
		}
		seen[id] = struct{}{}
		if target := idx + 1; entry.Position != target {
			updates = append(updates, domain.PositionUpdate{EntryID: id, Position: target})
		}
	}
	return updates, nil
}

func entryIDs(entries []domain.QueueEntry) []int64 {
	ids := make([]int64, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	return ids
}

func indexOfEntry(entries []domain.QueueEntry, entryID int64) int {
	for i, entry := range entries {
		if entry.ID == entryID {
			return i
		}
	}
	return -1
}

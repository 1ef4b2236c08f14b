package domain

import "errors"

// ErrNotFound возвращается, когда запись или сессия не существует.
var ErrNotFound = errors.New("запись не найдена")

// ErrInvalidOperation возвращается при нарушении предусловия мутации:
// позиция вне диапазона, повторное завершение, пропуск без следующего
// участника и тому подобное. Это ошибки вызывающей стороны, ядро их не
// умалчивает и не повторяет.
var ErrInvalidOperation = errors.New("недопустимая операция")

package telegram

import "strings"

// Телеграм ограничивает одно сообщение 4096 символами; длинные очереди
// разбиваем по строкам, чтобы не рвать строку участника пополам.
const messageLimit = 4096

// SplitMessage режет текст на части, укладывающиеся в лимит Телеграма.
// Разрез проходит по границе строки; строка длиннее лимита режется жёстко.
func SplitMessage(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if len([]rune(trimmed)) <= messageLimit {
		return []string{trimmed}
	}

	var (
		parts   []string
		current []rune
	)
	flush := func() {
		chunk := strings.Trim(string(current), "\n")
		if chunk != "" {
			parts = append(parts, chunk)
		}
		current = current[:0]
	}

	for _, line := range strings.Split(trimmed, "\n") {
		lineRunes := []rune(line)
		for len(lineRunes) > messageLimit {
			flush()
			parts = append(parts, string(lineRunes[:messageLimit]))
			lineRunes = lineRunes[messageLimit:]
		}
		if len(current)+len(lineRunes)+1 > messageLimit {
			flush()
		}
		if len(current) > 0 {
			current = append(current, '\n')
		}
		current = append(current, lineRunes...)
	}
	flush()

	if len(parts) == 0 {
		return []string{trimmed}
	}
	return parts
}

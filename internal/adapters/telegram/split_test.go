package telegram

import (
	"strings"
	"testing"
)

func TestSplitMessageShortText(t *testing.T) {
	parts := SplitMessage("  قائمة الدور  ")
	if len(parts) != 1 || parts[0] != "قائمة الدور" {
		t.Fatalf("ожидали одну обрезанную часть, получили %#v", parts)
	}
}

func TestSplitMessageEmpty(t *testing.T) {
	if parts := SplitMessage("   \n  "); parts != nil {
		t.Fatalf("ожидали nil для пустого текста, получили %#v", parts)
	}
}

func TestSplitMessagePrefersLineBoundaries(t *testing.T) {
	line := strings.Repeat("ا", 1500)
	text := line + "\n" + line + "\n" + line + "\n" + line

	parts := SplitMessage(text)
	if len(parts) != 2 {
		t.Fatalf("ожидали 2 части, получили %d", len(parts))
	}
	for i, part := range parts {
		if strings.Count(part, "\n") != 1 {
			t.Fatalf("часть %d должна содержать две строки: %q", i, part[:20])
		}
		if len([]rune(part)) > messageLimit {
			t.Fatalf("часть %d превышает лимит: %d", i, len([]rune(part)))
		}
	}
}

func TestSplitMessageHardSplitsLongLine(t *testing.T) {
	text := strings.Repeat("b", messageLimit*2+10)

	parts := SplitMessage(text)
	if len(parts) != 3 {
		t.Fatalf("ожидали 3 части, получили %d", len(parts))
	}
	for i, part := range parts {
		if len([]rune(part)) > messageLimit {
			t.Fatalf("часть %d превышает лимит", i)
		}
	}
	if got := strings.Join(parts, ""); got != text {
		t.Fatal("после склейки текст должен совпадать с исходным")
	}
}

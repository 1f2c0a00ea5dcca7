package session

import (
	"testing"

	"github.com/kirillkom/ragdesk/internal/core/domain"
)

func TestAppendBoundedKeepsNewestTurns(t *testing.T) {
	var history []domain.ChatTurn
	for i := 0; i < 6; i++ {
		history = AppendBounded(history, []domain.ChatTurn{
			{Role: domain.RoleUser, Content: string(rune('a' + i))},
			{Role: domain.RoleAssistant, Content: string(rune('A' + i))},
		}, 4)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(history))
	}
	if history[0].Content != "e" || history[3].Content != "F" {
		t.Fatalf("unexpected window %#v", history)
	}
}

func TestNormalizeWindow(t *testing.T) {
	if NormalizeWindow(0) != DefaultWindow {
		t.Fatalf("expected default window")
	}
	if NormalizeWindow(5) != 6 {
		t.Fatalf("expected odd window to round up to a whole pair")
	}
}

func TestEncodeIDIsKeySafe(t *testing.T) {
	got := EncodeID("user 42/chat.*")
	for _, r := range got {
		ok := r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			t.Fatalf("unexpected rune %q in %q", r, got)
		}
	}
}

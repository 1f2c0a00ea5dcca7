// Package session holds helpers shared by the chat session store backends.
package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/kirillkom/ragdesk/internal/core/domain"
)

const DefaultWindow = 10

// NormalizeWindow keeps whole user/assistant pairs in the window.
func NormalizeWindow(window int) int {
	if window <= 0 {
		window = DefaultWindow
	}
	if window%2 != 0 {
		window++
	}
	return window
}

// AppendBounded returns history with turns appended, keeping the newest window turns.
func AppendBounded(history, turns []domain.ChatTurn, window int) []domain.ChatTurn {
	out := make([]domain.ChatTurn, 0, len(history)+len(turns))
	out = append(out, history...)
	out = append(out, turns...)
	if len(out) > window {
		out = out[len(out)-window:]
	}
	return out
}

// EncodeID maps an arbitrary client id to a key-safe token.
func EncodeID(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

type record struct {
	Turns []domain.ChatTurn `json:"turns"`
}

func Marshal(turns []domain.ChatTurn) ([]byte, error) {
	raw, err := json.Marshal(record{Turns: turns})
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return raw, nil
}

func Unmarshal(raw []byte) ([]domain.ChatTurn, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return rec.Turns, nil
}

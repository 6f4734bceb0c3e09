package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrPromptTooLong is returned, before any fragment, when the prompt exceeds
// the model's context window.
var ErrPromptTooLong = errors.New("prompt is too long")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversational turn
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a generation request
type Request struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
}

// Model streams generated text. fn receives each fragment in order; when it
// returns false the model stops and Stream returns nil.
type Model interface {
	Stream(ctx context.Context, req Request, fn func(fragment string) bool) error
}

// Complete runs req to completion and returns the accumulated text
func Complete(ctx context.Context, m Model, req Request) (string, error) {
	var b strings.Builder
	err := m.Stream(ctx, req, func(f string) bool {
		b.WriteString(f)
		return true
	})
	return b.String(), err
}

var tooLongMarkers = []string{
	"prompt is too long",
	"exceeds the maximum number of tokens",
	"context length",
	"context window",
}

func isPromptTooLong(message string) bool {
	m := strings.ToLower(message)
	for _, marker := range tooLongMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

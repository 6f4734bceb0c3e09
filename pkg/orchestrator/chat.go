package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/web3ekko/ekko-explain/pkg/llm"
	"github.com/web3ekko/ekko-explain/pkg/persistence"
	"github.com/web3ekko/ekko-explain/pkg/stream"
	"go.uber.org/zap"
)

// DefaultChatConstraint keeps follow-up questions on topic
const DefaultChatConstraint = `Conversation constraint:
Only discuss the provided transaction and blockchain technology. Do not answer general knowledge questions (geography, history, popular culture and the like) unless they bear directly on the transaction.
If the question is unrelated, reply only with: "Sorry, I can only help with questions about this transaction or general blockchain concepts such as gas fees, smart contracts or consensus. Is there anything else about this transaction you would like to know?"`

// ChatRequest is one follow-up turn in a conversation about a transaction.
// Messages holds the whole conversation so far, ending with the user's
// question.
type ChatRequest struct {
	SessionID   string        `json:"session_id"`
	Network     string        `json:"network"`
	Model       string        `json:"model,omitempty"`
	System      string        `json:"system,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Messages    []llm.Message `json:"messages"`
}

// ChatLog is the persisted transcript of a chat session
type ChatLog struct {
	SessionID string        `json:"session_id"`
	Network   string        `json:"network"`
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []llm.Message `json:"messages"`
	UpdatedAt string        `json:"updated_at"`
}

// Chat streams the reply to the latest user message. The topical constraint
// is attached to that message for the model call only. Once the reply is
// complete the transcript is stored under the session id; a missing id is
// generated and written back to req.
func (o *Orchestrator) Chat(ctx context.Context, req *ChatRequest) *stream.Stream {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.Model == "" {
		req.Model = o.cfg.Model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = o.cfg.MaxTokens
	}
	if req.System == "" {
		req.System = o.cfg.SystemPrompt
	}
	r := *req
	conversation := append([]llm.Message(nil), r.Messages...)
	network, sessionID := r.Network, r.SessionID

	return stream.New(ctx, stream.DefaultBuffer, func(ctx context.Context, emit stream.Emit) error {
		if len(conversation) == 0 || conversation[len(conversation)-1].Role != llm.RoleUser {
			return errors.New("chat: conversation must end with a user message")
		}
		release, err := o.gate.Acquire(ctx)
		if err != nil {
			return err
		}
		defer release()

		logger := o.log.With(zap.String("session_id", sessionID), zap.String("network", network))
		reply, err := o.generate(ctx, llm.Request{
			Model:       r.Model,
			MaxTokens:   r.MaxTokens,
			Temperature: r.Temperature,
			System:      r.System,
			Messages:    withConstraint(conversation, o.cfg.ChatConstraint),
		}, emit, nil)
		if err != nil {
			logger.Warn("chat generation failed", zap.Error(err))
			return err
		}
		if reply == "" {
			return nil
		}

		entry := ChatLog{
			SessionID: sessionID,
			Network:   network,
			Model:     r.Model,
			System:    r.System,
			Messages:  append(conversation, llm.Message{Role: llm.RoleAssistant, Content: reply}),
			UpdatedAt: o.deps.Now().UTC().Format(time.RFC3339),
		}
		key := persistence.ChatLogKey(network, sessionID)
		if err := persistence.PutJSON(ctx, o.deps.Store, key, entry); err != nil {
			logger.Error("failed to store chat log", zap.String("key", key), zap.Error(err))
		}
		return nil
	})
}

// withConstraint returns a copy of messages whose last user message carries
// constraint.
func withConstraint(messages []llm.Message, constraint string) []llm.Message {
	out := append([]llm.Message(nil), messages...)
	last := &out[len(out)-1]
	last.Content = fmt.Sprintf("%s %s", last.Content, constraint)
	return out
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/web3ekko/ekko-explain/pkg/llm"
	"github.com/web3ekko/ekko-explain/pkg/retry"
	"github.com/web3ekko/ekko-explain/pkg/stream"
	"github.com/web3ekko/ekko-explain/pkg/trace"
	"go.uber.org/zap"
)

const correctionPrompt = `You proofread token amounts in a blockchain transaction explanation.
The asset changes below are authoritative. Wherever the explanation states an amount that disagrees with them, replace that number with the correct one.
Change nothing else. Reply with the full explanation text only, without notes or preamble.`

// Generate streams req from the model, handing each fragment to emit (which
// may be nil) and returning the full text. If the prompt is too long before
// anything was emitted, the oldest messages are dropped and the call is
// retried once.
func (o *Orchestrator) Generate(ctx context.Context, req llm.Request, emit stream.Emit) (string, error) {
	return o.generate(ctx, req, emit, nil)
}

func (o *Orchestrator) generate(ctx context.Context, req llm.Request, emit stream.Emit, onRetry func()) (string, error) {
	emitted := false
	policy := retry.Policy[string]{
		MaxAttempts: 2,
		Classify: func(err error) retry.Class {
			if errors.Is(err, llm.ErrPromptTooLong) && !emitted {
				return retry.Retryable
			}
			return retry.Fatal
		},
		OnRetry: func(attempt int, _ time.Duration, err error) {
			before := len(req.Messages)
			req.Messages = dropOldest(req.Messages, o.cfg.OverflowDrop)
			o.log.Warn("prompt too long, dropping oldest messages",
				zap.String("model", req.Model),
				zap.Int("attempt", attempt),
				zap.Int("dropped", before-len(req.Messages)))
			if onRetry != nil {
				onRetry()
			}
		},
	}

	return retry.Do(ctx, policy, func(ctx context.Context, _ int) (string, error) {
		var b strings.Builder
		canceled := false
		err := o.deps.Model.Stream(ctx, req, func(fragment string) bool {
			b.WriteString(fragment)
			if emit == nil {
				return true
			}
			emitted = true
			if !emit(fragment) {
				canceled = true
				return false
			}
			return true
		})
		if err != nil {
			return "", err
		}
		if canceled {
			return "", ErrCanceled
		}
		return b.String(), nil
	})
}

// explain generates the explanation of payload. With correction enabled the
// draft is held back, checked against the known amounts and then emitted word
// by word; otherwise fragments go out as the model produces them.
func (o *Orchestrator) explain(ctx context.Context, item *WorkItem, payload []byte, changes []trace.AssetChange, emit stream.Emit) (string, error) {
	req := llm.Request{
		Model:       o.cfg.Model,
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
		System:      o.cfg.SystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: string(payload)}},
	}
	onRetry := func() { item.set(func(w *WorkItem) { w.retries++ }) }

	if !o.cfg.Correction {
		text, err := o.generate(ctx, req, emit, onRetry)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) == "" {
			return "", ErrEmptyResult
		}
		return text, nil
	}

	draft, err := o.generate(ctx, req, nil, onRetry)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(draft) == "" {
		return "", ErrEmptyResult
	}
	text := o.correct(ctx, item, draft, changes)
	for _, w := range stream.Words(text) {
		if !emit(w) {
			return "", ErrCanceled
		}
	}
	return text, nil
}

// correct asks the correction model to fix amounts in text that contradict
// changes. Only changes with a known amount count as ground truth; with none,
// text is returned untouched. Failures keep the draft.
func (o *Orchestrator) correct(ctx context.Context, item *WorkItem, text string, changes []trace.AssetChange) string {
	known := make([]trace.AssetChange, 0, len(changes))
	for _, c := range changes {
		if c.Amount != nil {
			known = append(known, c)
		}
	}
	if len(known) == 0 {
		return text
	}
	truth, err := json.Marshal(known)
	if err != nil {
		return text
	}

	req := llm.Request{
		Model:     o.cfg.CorrectionModel,
		MaxTokens: o.cfg.MaxTokens,
		System:    correctionPrompt,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("Asset changes:\n%s\n\nExplanation:\n%s", truth, text),
		}},
	}
	corrected, err := o.generate(ctx, req, nil, nil)
	if err != nil || strings.TrimSpace(corrected) == "" {
		o.log.Warn("correction pass failed, keeping draft",
			zap.String("tx_hash", item.TxHash),
			zap.String("model", req.Model),
			zap.Error(err))
		return text
	}
	return corrected
}

// dropOldest removes up to n messages from the front, always keeping the
// latest one.
func dropOldest(messages []llm.Message, n int) []llm.Message {
	if n > len(messages)-1 {
		n = len(messages) - 1
	}
	if n <= 0 {
		return messages
	}
	return append([]llm.Message(nil), messages[n:]...)
}

package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result kinds carried by ResultEvent
const (
	KindExplanation = "explanation"
	KindCategory    = "category"
)

// ResultEvent announces that a result document was stored. Consumers fetch
// the document from the blob store by Key.
type ResultEvent struct {
	EventID   string `json:"event_id"`
	TxHash    string `json:"tx_hash"`
	Network   string `json:"network"`
	Kind      string `json:"kind"`
	Key       string `json:"key"`
	Model     string `json:"model,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

// NewResultEvent stamps a fresh event id and an RFC 3339 UTC timestamp
func NewResultEvent(network, txHash, kind, key, model string, at time.Time) ResultEvent {
	return ResultEvent{
		EventID:   uuid.NewString(),
		TxHash:    txHash,
		Network:   network,
		Kind:      kind,
		Key:       key,
		Model:     model,
		UpdatedAt: at.UTC().Format(time.RFC3339),
	}
}

// Publisher delivers result events to downstream consumers
type Publisher interface {
	Publish(ctx context.Context, event ResultEvent) error
}

// Recorder is an in-memory Publisher
type Recorder struct {
	mu     sync.Mutex
	events []ResultEvent
}

func (r *Recorder) Publish(_ context.Context, event ResultEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns what was published, in order
func (r *Recorder) Events() []ResultEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ResultEvent(nil), r.events...)
}

package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by Get when no object exists at key
var ErrNotFound = errors.New("object not found")

// Result kinds stored under {network}/transactions/
const (
	KindExplanations       = "explanations"
	KindCategories         = "categories"
	KindSimulationsTrimmed = "simulations/trimmed"
	KindSimulationsFull    = "simulations/full"
)

// BlobStore is a flat key/value object store holding UTF-8 JSON documents
type BlobStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Key returns the object key for a transaction result of the given kind
func Key(network, kind, txHash string) string {
	return fmt.Sprintf("%s/transactions/%s/%s.json", network, kind, txHash)
}

// ChatLogKey returns the object key of a chat session transcript
func ChatLogKey(network, sessionID string) string {
	return fmt.Sprintf("%s/transactions/chat_logs/chat_%s.json", network, sessionID)
}

// ExplanationRecord is the persisted explanation document. It is written
// once and never updated in place.
type ExplanationRecord struct {
	Result    string `json:"result"`
	Model     string `json:"model"`
	UpdatedAt string `json:"updated_at"`
}

// NewExplanationRecord stamps result with the current UTC time in RFC 3339
func NewExplanationRecord(result, model string, now time.Time) ExplanationRecord {
	return ExplanationRecord{Result: result, Model: model, UpdatedAt: now.UTC().Format(time.RFC3339)}
}

// PutJSON marshals v and stores it at key
func PutJSON(ctx context.Context, s BlobStore, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// GetJSON loads key into v
func GetJSON(ctx context.Context, s BlobStore, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// MemoryStore is an in-process BlobStore used for local runs and tests
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

// Keys lists stored keys in sorted order
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

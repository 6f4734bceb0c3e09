package orchestrator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned when a work item is moved backwards or out
// of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the processing state of a work item
type Status int

const (
	Pending Status = iota
	CacheHit
	Simulating
	Normalizing
	Enriching
	Generating
	Stored
	Failed
)

var statusNames = [...]string{
	Pending:     "pending",
	CacheHit:    "cache_hit",
	Simulating:  "simulating",
	Normalizing: "normalizing",
	Enriching:   "enriching",
	Generating:  "generating",
	Stored:      "stored",
	Failed:      "failed",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == Stored || s == Failed
}

var transitions = map[Status][]Status{
	Pending:     {CacheHit, Simulating, Failed},
	CacheHit:    {Stored, Failed},
	Simulating:  {Normalizing, Failed},
	Normalizing: {Enriching, Failed},
	Enriching:   {Generating, Failed},
	Generating:  {Stored, Failed},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Observer is told about every status change. It runs on the item's
// goroutine and must not block.
type Observer func(item *WorkItem, from, to Status)

// WorkItem is one transaction moving through the explanation pipeline
type WorkItem struct {
	ID      string
	TxHash  string
	Network string
	Force   bool // bypass the cached result

	mu      sync.Mutex
	status  Status
	retries int
	payload []byte
	result  string
	err     error
}

// NewWorkItem creates a pending item
func NewWorkItem(network, txHash string, force bool) *WorkItem {
	return &WorkItem{ID: uuid.NewString(), TxHash: txHash, Network: network, Force: force}
}

func (w *WorkItem) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Retries counts the overflow retries spent on the item
func (w *WorkItem) Retries() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retries
}

// Err is the reason a Failed item failed
func (w *WorkItem) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Result is the explanation text of a Stored item
func (w *WorkItem) Result() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result
}

// Payload is the prompt document sent to the model, once built
func (w *WorkItem) Payload() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.payload
}

func (w *WorkItem) advance(to Status) (Status, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	from := w.status
	if !canTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	w.status = to
	return from, nil
}

func (w *WorkItem) set(fn func(w *WorkItem)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(w)
}

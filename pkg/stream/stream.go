package stream

import (
	"context"
	"strings"
	"sync"
	"unicode"
)

// DefaultBuffer is the fragment capacity used by Replay
const DefaultBuffer = 16

// Emit hands one fragment to the consumer. It returns false once the
// consumer has closed the stream; the producer should stop then.
type Emit func(fragment string) bool

// Stream is a bounded sequence of text fragments fed by one producer
// goroutine. The consumer reads until Next reports false, or calls Close to
// stop early.
type Stream struct {
	ch       chan string
	done     chan struct{}
	finished chan struct{}
	cancel   context.CancelFunc
	once     sync.Once
	err      error
}

// New starts produce on its own goroutine. The context passed to produce is
// canceled when the consumer closes the stream.
func New(ctx context.Context, buffer int, produce func(ctx context.Context, emit Emit) error) *Stream {
	if buffer < 0 {
		buffer = 0
	}
	pctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ch:       make(chan string, buffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		cancel:   cancel,
	}

	emit := func(fragment string) bool {
		select {
		case <-s.done:
			return false
		default:
		}
		select {
		case s.ch <- fragment:
			return true
		case <-s.done:
			return false
		}
	}

	go func() {
		defer close(s.finished)
		defer close(s.ch)
		defer cancel()
		s.err = produce(pctx, emit)
	}()
	return s
}

// Next returns the next fragment, or false when the stream is drained or
// closed.
func (s *Stream) Next() (string, bool) {
	select {
	case <-s.done:
		return "", false
	default:
	}
	select {
	case f, ok := <-s.ch:
		return f, ok
	case <-s.done:
		return "", false
	}
}

// C exposes the fragments for range loops
func (s *Stream) C() <-chan string {
	return s.ch
}

// Err returns the producer's error. It is nil until the producer returns.
func (s *Stream) Err() error {
	select {
	case <-s.finished:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the producer has returned and reports its error
func (s *Stream) Wait() error {
	<-s.finished
	return s.err
}

// Close stops consumption. The producer sees emit return false and its
// context canceled; Close returns after the producer has exited.
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
	<-s.finished
}

// Collect drains the stream and returns the concatenated text
func (s *Stream) Collect() (string, error) {
	var b strings.Builder
	for {
		f, ok := s.Next()
		if !ok {
			break
		}
		b.WriteString(f)
	}
	return b.String(), s.Wait()
}

// Replay streams text word by word
func Replay(ctx context.Context, text string) *Stream {
	words := Words(text)
	return New(ctx, DefaultBuffer, func(ctx context.Context, emit Emit) error {
		for _, w := range words {
			if !emit(w) {
				return nil
			}
		}
		return nil
	})
}

// Words splits text into fragments that each end with the whitespace
// following a word. Joining the fragments yields text unchanged.
func Words(text string) []string {
	var out []string
	start := 0
	inSpace, seenWord := false, false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if !space && inSpace && seenWord {
			out = append(out, text[start:i])
			start = i
			seenWord = false
		}
		if !space {
			seenWord = true
		}
		inSpace = space
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

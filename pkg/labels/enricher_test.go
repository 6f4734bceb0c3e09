package labels

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSource struct {
	rows      []Label
	err       error
	addresses []string
	network   string
}

func (s *recordingSource) Query(ctx context.Context, addresses []string, network string) ([]Label, error) {
	s.addresses = addresses
	s.network = network
	return s.rows, s.err
}

// blockingSource ignores ctx like a synchronous SDK would
type blockingSource struct {
	release chan struct{}
}

func (s *blockingSource) Query(ctx context.Context, addresses []string, network string) ([]Label, error) {
	<-s.release
	return nil, nil
}

func TestEnricher_Enrich(t *testing.T) {
	router := "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"
	src := &recordingSource{rows: []Label{{
		Address: "0x7a250d5630b4cf539739df2c5dacb4c659f2488d", AddressName: "uniswap v2: router 2",
		Label: "uniswap", LabelType: "dex", LabelSubtype: "router",
	}}}
	e := NewEnricher(src, nil)

	rows, doc := e.Enrich(context.Background(), map[string]any{"to": router, "calls": []any{map[string]any{"to": router}}}, "ethereum")
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"0x7a250d5630b4cf539739df2c5dacb4c659f2488d"}, src.addresses)
	assert.Equal(t, "ethereum", src.network)
	assert.JSONEq(t, `{"address_labels":[{"address":"0x7a250d5630b4cf539739df2c5dacb4c659f2488d","address_name":"uniswap v2: router 2","label":"uniswap","label_type":"dex","label_subtype":"router"}]}`, string(doc))
}

func TestEnricher_EmptyResults(t *testing.T) {
	tests := []struct {
		name string
		src  Source
		in   any
	}{
		{"no matches", &recordingSource{}, map[string]any{"to": "0x" + "ab"}},
		{"nil rows", &recordingSource{rows: nil}, map[string]any{"to": addr(1)}},
		{"source error", &recordingSource{err: errors.New("malformed result")}, map[string]any{"to": addr(1)}},
		{"no source", nil, map[string]any{"to": addr(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, doc := NewEnricher(tt.src, nil).Enrich(context.Background(), tt.in, "base")
			assert.NotNil(t, rows)
			assert.Empty(t, rows)
			assert.JSONEq(t, `{"address_labels":[]}`, string(doc))
		})
	}
}

func TestEnricher_LookupDoesNotBlockPastContext(t *testing.T) {
	src := &blockingSource{release: make(chan struct{})}
	defer close(src.release)
	e := NewEnricher(src, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Lookup(ctx, []string{addr(1)}, "ethereum")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestToCanonicalJSON(t *testing.T) {
	assert.Equal(t, `{"address_labels":[]}`, string(ToCanonicalJSON(nil)))
	assert.Equal(t, `{"address_labels":[]}`, string(ToCanonicalJSON([]Label{})))
}

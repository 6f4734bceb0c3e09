package labels

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Label is one labeling row. An address may carry several labels.
type Label struct {
	Address      string `json:"address"`
	AddressName  string `json:"address_name"`
	Label        string `json:"label"`
	LabelType    string `json:"label_type"`
	LabelSubtype string `json:"label_subtype"`
}

// Source answers label queries for a set of lower-case addresses on one
// network. Implementations may block for a long time and need not honor ctx.
type Source interface {
	Query(ctx context.Context, addresses []string, network string) ([]Label, error)
}

// Enricher resolves the addresses found in a payload to labels
type Enricher struct {
	source  Source
	pattern *regexp.Regexp
	logger  *zap.Logger
}

// Option configures an Enricher
type Option func(*Enricher)

// WithPattern overrides AddressPattern
func WithPattern(p *regexp.Regexp) Option {
	return func(e *Enricher) { e.pattern = p }
}

// NewEnricher creates an enricher. A nil source resolves nothing.
func NewEnricher(source Source, logger *zap.Logger, opts ...Option) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Enricher{source: source, pattern: AddressPattern, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract collects the matching addresses of any JSON-marshalable value
func (e *Enricher) Extract(v any) ([]string, error) {
	root, err := FromValue(v)
	if err != nil {
		return nil, err
	}
	return Extract(root, e.pattern), nil
}

type lookupResult struct {
	rows []Label
	err  error
}

// Lookup queries the label source. The query runs on its own goroutine so a
// synchronous source never holds up the caller past ctx.
func (e *Enricher) Lookup(ctx context.Context, addresses []string, network string) ([]Label, error) {
	normalized := normalize(addresses)
	if e.source == nil || len(normalized) == 0 {
		return []Label{}, nil
	}

	done := make(chan lookupResult, 1)
	go func() {
		rows, err := e.source.Query(ctx, normalized, network)
		done <- lookupResult{rows: rows, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("label query on %s failed: %w", network, res.err)
		}
		if res.rows == nil {
			res.rows = []Label{}
		}
		return res.rows, nil
	}
}

// Enrich extracts, looks up and renders labels for v. Failures are logged and
// yield an empty label document.
func (e *Enricher) Enrich(ctx context.Context, v any, network string) ([]Label, []byte) {
	addresses, err := e.Extract(v)
	if err != nil {
		e.logger.Error("address extraction failed", zap.String("network", network), zap.Error(err))
		return []Label{}, ToCanonicalJSON(nil)
	}
	rows, err := e.Lookup(ctx, addresses, network)
	if err != nil {
		e.logger.Error("address label lookup failed",
			zap.String("network", network),
			zap.Int("addresses", len(addresses)),
			zap.Error(err))
		return []Label{}, ToCanonicalJSON(nil)
	}
	return rows, ToCanonicalJSON(rows)
}

type labelDocument struct {
	AddressLabels []Label `json:"address_labels"`
}

// ToCanonicalJSON renders rows as {"address_labels": [...]}. The list is
// never null.
func ToCanonicalJSON(rows []Label) []byte {
	if rows == nil {
		rows = []Label{}
	}
	b, err := json.Marshal(labelDocument{AddressLabels: rows})
	if err != nil {
		return []byte(`{"address_labels":[]}`)
	}
	return b
}

func normalize(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

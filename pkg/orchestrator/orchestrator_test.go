package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web3ekko/ekko-explain/pkg/events"
	"github.com/web3ekko/ekko-explain/pkg/labels"
	"github.com/web3ekko/ekko-explain/pkg/llm"
	"github.com/web3ekko/ekko-explain/pkg/persistence"
	"github.com/web3ekko/ekko-explain/pkg/retry"
	"github.com/web3ekko/ekko-explain/pkg/trace"
)

const (
	router = "0x7a250d5630b4cf539739df2c5dacb4c659f2488d"
	sender = "0x1111111111111111111111111111111111111111"
	weth   = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
)

var fixedNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeSimulator struct {
	calls atomic.Int32
	delay time.Duration
	fail  map[string]error
	root  map[string]string
}

func (f *fakeSimulator) Simulate(ctx context.Context, network, txHash string) (*trace.Simulation, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err := f.fail[txHash]; err != nil {
		return nil, err
	}
	fn := "swapExactTokensForTokens"
	if r, ok := f.root[txHash]; ok {
		fn = r
	}
	amount := "1"
	return &trace.Simulation{
		Hash:    txHash,
		Success: true,
		CallTrace: &trace.RawCallFrame{
			ContractName: "UniswapV2Router02",
			FunctionName: fn,
			From:         sender,
			To:           router,
		},
		AssetChanges: []trace.AssetChange{{
			Type: "Transfer", From: sender, To: router, Amount: &amount,
			TokenInfo: trace.TokenInfo{Symbol: "WETH", ContractAddress: weth},
		}},
		Raw: []byte(`{"transaction":{}}`),
	}, nil
}

type scripted struct {
	fragments []string
	err       error
}

type fakeModel struct {
	mu       sync.Mutex
	script   []scripted
	requests []llm.Request
}

func (m *fakeModel) Stream(ctx context.Context, req llm.Request, fn func(string) bool) error {
	m.mu.Lock()
	i := len(m.requests)
	m.requests = append(m.requests, req)
	s := m.script[min(i, len(m.script)-1)]
	m.mu.Unlock()

	for _, f := range s.fragments {
		if !fn(f) {
			return nil
		}
	}
	return s.err
}

func (m *fakeModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *fakeModel) request(i int) llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func says(text string) scripted {
	return scripted{fragments: strings.SplitAfter(text, " ")}
}

var tooLong = scripted{err: fmt.Errorf("%w: 300000 tokens", llm.ErrPromptTooLong)}

type labelSource map[string][]labels.Label

func (s labelSource) Query(ctx context.Context, addresses []string, network string) ([]labels.Label, error) {
	var out []labels.Label
	for _, a := range addresses {
		out = append(out, s[a]...)
	}
	return out, nil
}

type failingStore struct {
	*persistence.MemoryStore
}

func (failingStore) Put(context.Context, string, []byte) error {
	return errors.New("bucket unavailable")
}

type harness struct {
	orch      *Orchestrator
	sim       *fakeSimulator
	model     *fakeModel
	store     *persistence.MemoryStore
	published *events.Recorder

	mu          sync.Mutex
	transitions map[string][]Status
}

func newHarness(t *testing.T, cfg Config, model *fakeModel, opts ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		sim:         &fakeSimulator{},
		model:       model,
		store:       persistence.NewMemoryStore(),
		published:   &events.Recorder{},
		transitions: map[string][]Status{},
	}
	if cfg.Model == "" {
		cfg.Model = "model-x"
	}
	deps := Deps{
		Simulator: h.sim,
		Tracer:    trace.NewPipeline(nil, nil),
		Enricher: labels.NewEnricher(labelSource{
			router: {{Address: router, AddressName: "uniswap v2: router 2", Label: "uniswap", LabelType: "dex"}},
		}, nil),
		Model:     model,
		Store:     h.store,
		Publisher: h.published,
		Observer: func(item *WorkItem, from, to Status) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.transitions[item.TxHash] = append(h.transitions[item.TxHash], to)
		},
		Now: func() time.Time { return fixedNow },
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.orch = New(cfg, deps)
	t.Cleanup(h.orch.Close)
	return h
}

func (h *harness) seen(txHash string) []Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transitions[txHash]
}

func TestExplain_EndToEnd(t *testing.T) {
	model := &fakeModel{script: []scripted{says("The sender swapped 1 WETH on Uniswap.")}}
	h := newHarness(t, Config{SystemPrompt: "explain"}, model)

	item, s := h.orch.Explain(context.Background(), "ethereum", "0xabc", false)
	text, err := s.Collect()
	require.NoError(t, err)

	assert.Equal(t, "The sender swapped 1 WETH on Uniswap.", text)
	assert.Equal(t, Stored, item.Status())
	assert.Equal(t, []Status{Simulating, Normalizing, Enriching, Generating, Stored}, h.seen("0xabc"))

	payload := string(item.Payload())
	assert.Contains(t, payload, `"contract_name":"UniswapV2Router02"`)
	assert.Contains(t, payload, `"function":"swapExactTokensForTokens"`)
	assert.Contains(t, payload, `"address_name":"uniswap v2: router 2"`)

	req := model.request(0)
	assert.Equal(t, "model-x", req.Model)
	assert.Equal(t, "explain", req.System)
	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, payload, req.Messages[0].Content)

	var rec persistence.ExplanationRecord
	require.NoError(t, persistence.GetJSON(context.Background(), h.store, "ethereum/transactions/explanations/0xabc.json", &rec))
	assert.Equal(t, text, rec.Result)
	assert.Equal(t, "model-x", rec.Model)
	_, err = time.Parse(time.RFC3339, rec.UpdatedAt)
	assert.NoError(t, err)

	assert.Contains(t, h.store.Keys(), "ethereum/transactions/simulations/trimmed/0xabc.json")
	assert.Contains(t, h.store.Keys(), "ethereum/transactions/simulations/full/0xabc.json")

	published := h.published.Events()
	require.Len(t, published, 1)
	assert.Equal(t, events.KindExplanation, published[0].Kind)
	assert.Equal(t, "ethereum/transactions/explanations/0xabc.json", published[0].Key)
}

func TestExplain_CacheHitSkipsUpstreams(t *testing.T) {
	model := &fakeModel{script: []scripted{says("fresh")}}
	h := newHarness(t, Config{}, model)
	ctx := context.Background()
	cached := persistence.ExplanationRecord{Result: "Cached  explanation\nof 0xabc.", Model: "old", UpdatedAt: "2024-01-01T00:00:00Z"}
	require.NoError(t, persistence.PutJSON(ctx, h.store, "ethereum/transactions/explanations/0xabc.json", cached))

	item, s := h.orch.Explain(ctx, "ethereum", "0xabc", false)
	var words []string
	for {
		w, ok := s.Next()
		if !ok {
			break
		}
		words = append(words, w)
	}
	require.NoError(t, s.Wait())

	assert.Equal(t, []string{"Cached  ", "explanation\n", "of ", "0xabc."}, words)
	assert.Equal(t, []Status{CacheHit, Stored}, h.seen("0xabc"))
	assert.Equal(t, cached.Result, item.Result())
	assert.Zero(t, h.sim.calls.Load())
	assert.Zero(t, model.calls())
	assert.Empty(t, h.published.Events())
}

func TestExplain_ForceBypassesCache(t *testing.T) {
	model := &fakeModel{script: []scripted{says("fresh text")}}
	h := newHarness(t, Config{}, model)
	ctx := context.Background()
	require.NoError(t, persistence.PutJSON(ctx, h.store, "ethereum/transactions/explanations/0xabc.json",
		persistence.ExplanationRecord{Result: "stale"}))

	_, s := h.orch.Explain(ctx, "ethereum", "0xabc", true)
	text, err := s.Collect()
	require.NoError(t, err)
	assert.Equal(t, "fresh text", text)
	assert.EqualValues(t, 1, h.sim.calls.Load())

	var rec persistence.ExplanationRecord
	require.NoError(t, persistence.GetJSON(ctx, h.store, "ethereum/transactions/explanations/0xabc.json", &rec))
	assert.Equal(t, "fresh text", rec.Result)
}

func TestExplain_ConsumerCloseDiscardsText(t *testing.T) {
	fragments := make([]string, 100)
	for i := range fragments {
		fragments[i] = "word "
	}
	model := &fakeModel{script: []scripted{{fragments: fragments}}}
	h := newHarness(t, Config{}, model)

	item, s := h.orch.Explain(context.Background(), "ethereum", "0xabc", false)
	first, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, "word ", first)
	s.Close()

	assert.Equal(t, Failed, item.Status())
	assert.ErrorIs(t, item.Err(), ErrCanceled)
	assert.NotContains(t, h.store.Keys(), "ethereum/transactions/explanations/0xabc.json")
	assert.Empty(t, h.published.Events())
}

func TestExplain_OverflowRetriesOnce(t *testing.T) {
	model := &fakeModel{script: []scripted{tooLong, says("short enough")}}
	h := newHarness(t, Config{}, model)

	item, s := h.orch.Explain(context.Background(), "ethereum", "0xabc", false)
	text, err := s.Collect()
	require.NoError(t, err)
	assert.Equal(t, "short enough", text)
	assert.Equal(t, 2, model.calls())
	assert.Equal(t, 1, item.Retries())
	assert.Equal(t, Stored, item.Status())
}

func TestExplain_SecondOverflowFails(t *testing.T) {
	model := &fakeModel{script: []scripted{tooLong}}
	h := newHarness(t, Config{}, model)

	item, s := h.orch.Explain(context.Background(), "ethereum", "0xabc", false)
	_, err := s.Collect()
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrPromptTooLong)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, 2, model.calls())
	assert.Equal(t, Failed, item.Status())
	assert.NotContains(t, h.store.Keys(), "ethereum/transactions/explanations/0xabc.json")
}

func TestExplain_CorrectionPass(t *testing.T) {
	model := &fakeModel{script: []scripted{
		says("The sender swapped 2 WETH."),
		says("The sender swapped 1 WETH."),
	}}
	h := newHarness(t, Config{Correction: true, CorrectionModel: "checker"}, model)

	_, s := h.orch.Explain(context.Background(), "ethereum", "0xabc", false)
	text, err := s.Collect()
	require.NoError(t, err)
	assert.Equal(t, "The sender swapped 1 WETH.", text)
	require.Equal(t, 2, model.calls())

	check := model.request(1)
	assert.Equal(t, "checker", check.Model)
	assert.Equal(t, correctionPrompt, check.System)
	assert.Contains(t, check.Messages[0].Content, `"amount":"1"`)
	assert.Contains(t, check.Messages[0].Content, "The sender swapped 2 WETH.")

	var rec persistence.ExplanationRecord
	require.NoError(t, persistence.GetJSON(context.Background(), h.store, "ethereum/transactions/explanations/0xabc.json", &rec))
	assert.Equal(t, "The sender swapped 1 WETH.", rec.Result)
}

type nullAmountSimulator struct{ fakeSimulator }

func (n *nullAmountSimulator) Simulate(ctx context.Context, network, txHash string) (*trace.Simulation, error) {
	sim, err := n.fakeSimulator.Simulate(ctx, network, txHash)
	if err != nil {
		return nil, err
	}
	for i := range sim.AssetChanges {
		sim.AssetChanges[i].Amount = nil
	}
	return sim, nil
}

func TestExplain_CorrectionSkippedWithoutKnownAmounts(t *testing.T) {
	model := &fakeModel{script: []scripted{says("The sender swapped some WETH.")}}
	h := newHarness(t, Config{Correction: true}, model, func(d *Deps) {
		d.Simulator = &nullAmountSimulator{}
	})

	_, s := h.orch.Explain(context.Background(), "ethereum", "0xabc", false)
	text, err := s.Collect()
	require.NoError(t, err)
	assert.Equal(t, "The sender swapped some WETH.", text)
	assert.Equal(t, 1, model.calls())
}

func TestExplain_CorrectionFailureKeepsDraft(t *testing.T) {
	model := &fakeModel{script: []scripted{says("draft text"), {err: errors.New("overloaded")}}}
	h := newHarness(t, Config{Correction: true}, model)

	_, s := h.orch.Explain(context.Background(), "ethereum", "0xabc", false)
	text, err := s.Collect()
	require.NoError(t, err)
	assert.Equal(t, "draft text", text)
}

func TestExplain_StoreWriteFailureStillStored(t *testing.T) {
	model := &fakeModel{script: []scripted{says("kept in memory")}}
	h := newHarness(t, Config{}, model, func(d *Deps) {
		d.Store = failingStore{persistence.NewMemoryStore()}
	})

	item, s := h.orch.Explain(context.Background(), "ethereum", "0xabc", false)
	text, err := s.Collect()
	require.NoError(t, err)
	assert.Equal(t, "kept in memory", text)
	assert.Equal(t, Stored, item.Status())
	assert.Equal(t, "kept in memory", item.Result())
	assert.Empty(t, h.published.Events())
}

func TestExplain_EmptyModelOutputFails(t *testing.T) {
	model := &fakeModel{script: []scripted{{}}}
	h := newHarness(t, Config{}, model)

	item, s := h.orch.Explain(context.Background(), "ethereum", "0xabc", false)
	_, err := s.Collect()
	assert.ErrorIs(t, err, ErrEmptyResult)
	assert.Equal(t, Failed, item.Status())
}

func TestProcess_GateBoundsConcurrency(t *testing.T) {
	model := &fakeModel{script: []scripted{says("ok")}}
	h := newHarness(t, Config{MaxConcurrency: 2}, model, func(d *Deps) {
		d.Simulator = &fakeSimulator{delay: 20 * time.Millisecond}
	})

	var mu sync.Mutex
	active, peak := 0, 0
	h.orch.deps.Observer = func(item *WorkItem, from, to Status) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case to == Simulating:
			active++
			peak = max(peak, active)
		case to.Terminal() && from >= Simulating:
			active--
		}
	}

	items := make([]*WorkItem, 5)
	for i := range items {
		items[i] = NewWorkItem("ethereum", fmt.Sprintf("0x%d", i), false)
	}
	require.NoError(t, h.orch.Process(context.Background(), items))

	for _, item := range items {
		assert.Equal(t, Stored, item.Status(), item.TxHash)
	}
	assert.LessOrEqual(t, peak, 2)
	assert.Equal(t, 2, peak)
	assert.Equal(t, 0, active)
}

func TestProcess_IsolatesFailures(t *testing.T) {
	model := &fakeModel{script: []scripted{says("ok")}}
	h := newHarness(t, Config{MaxConcurrency: 3, SkipFunctions: []string{"transfer", "approve"}}, model, func(d *Deps) {
		d.Simulator = &fakeSimulator{
			fail: map[string]error{"0xbad": errors.New("simulator 502")},
			root: map[string]string{"0xskip": "transfer"},
		}
	})

	items := []*WorkItem{
		NewWorkItem("ethereum", "0x1", false),
		NewWorkItem("ethereum", "0xbad", false),
		NewWorkItem("ethereum", "0xskip", false),
		NewWorkItem("ethereum", "0x2", false),
	}
	require.NoError(t, h.orch.Process(context.Background(), items))

	assert.Equal(t, Stored, items[0].Status())
	assert.Equal(t, Failed, items[1].Status())
	assert.ErrorContains(t, items[1].Err(), "simulator 502")
	assert.Equal(t, Failed, items[2].Status())
	assert.ErrorIs(t, items[2].Err(), ErrSkipped)
	assert.Equal(t, Stored, items[3].Status())

	keys := h.store.Keys()
	assert.NotContains(t, keys, "ethereum/transactions/explanations/0xskip.json")
	assert.NotContains(t, keys, "ethereum/transactions/simulations/trimmed/0xskip.json")
	assert.Contains(t, keys, "ethereum/transactions/explanations/0x2.json")
}

func TestProcess_CanceledBeforeAdmission(t *testing.T) {
	model := &fakeModel{script: []scripted{says("ok")}}
	h := newHarness(t, Config{}, model)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	items := []*WorkItem{NewWorkItem("ethereum", "0x1", false), NewWorkItem("ethereum", "0x2", false)}
	err := h.orch.Process(ctx, items)
	assert.ErrorIs(t, err, context.Canceled)
	for _, item := range items {
		assert.Equal(t, Failed, item.Status())
	}
	assert.Zero(t, model.calls())
}

func TestGenerate_NoRetryAfterEmission(t *testing.T) {
	model := &fakeModel{script: []scripted{{fragments: []string{"partial "}, err: tooLong.err}, says("never")}}
	h := newHarness(t, Config{}, model)

	var got []string
	_, err := h.orch.Generate(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "q"}}},
		func(f string) bool {
			got = append(got, f)
			return true
		})
	assert.ErrorIs(t, err, llm.ErrPromptTooLong)
	assert.Equal(t, 1, model.calls())
	assert.Equal(t, []string{"partial "}, got)
}

func TestGenerate_DropsOldestMessages(t *testing.T) {
	model := &fakeModel{script: []scripted{tooLong, says("answer")}}
	h := newHarness(t, Config{}, model)

	messages := make([]llm.Message, 10)
	for i := range messages {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		messages[i] = llm.Message{Role: role, Content: fmt.Sprintf("m%d", i)}
	}
	messages[9].Role = llm.RoleUser

	text, err := h.orch.Generate(context.Background(), llm.Request{Messages: messages}, nil)
	require.NoError(t, err)
	assert.Equal(t, "answer", text)
	assert.Len(t, model.request(0).Messages, 10)
	retried := model.request(1).Messages
	require.Len(t, retried, 2)
	assert.Equal(t, "m8", retried[0].Content)
	assert.Equal(t, "m9", retried[1].Content)
	assert.Equal(t, "m0", messages[0].Content)
}

func TestDropOldest(t *testing.T) {
	msgs := func(n int) []llm.Message { return make([]llm.Message, n) }
	tests := []struct {
		have, drop, want int
	}{
		{10, 8, 2},
		{9, 8, 1},
		{3, 8, 1},
		{1, 8, 1},
		{0, 8, 0},
		{5, 0, 5},
	}
	for _, tt := range tests {
		assert.Len(t, dropOldest(msgs(tt.have), tt.drop), tt.want, "%d-%d", tt.have, tt.drop)
	}
}

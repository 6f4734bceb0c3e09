package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web3ekko/ekko-explain/pkg/persistence"
	"github.com/web3ekko/ekko-explain/pkg/testutils"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "ethereum/transactions/explanations/0xabc.json",
		persistence.Key("ethereum", persistence.KindExplanations, "0xabc"))
	assert.Equal(t, "base/transactions/categories/0x1.json",
		persistence.Key("base", persistence.KindCategories, "0x1"))
	assert.Equal(t, "ethereum/transactions/simulations/trimmed/0xabc.json",
		persistence.Key("ethereum", persistence.KindSimulationsTrimmed, "0xabc"))
	assert.Equal(t, "ethereum/transactions/simulations/full/0xabc.json",
		persistence.Key("ethereum", persistence.KindSimulationsFull, "0xabc"))
	assert.Equal(t, "arbitrum/transactions/chat_logs/chat_s1.json",
		persistence.ChatLogKey("arbitrum", "s1"))
}

func TestNewExplanationRecord(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 30, 0, 0, time.FixedZone("X", 3600))
	rec := persistence.NewExplanationRecord("text", "model-x", at)
	assert.Equal(t, "2024-03-01T11:30:00Z", rec.UpdatedAt)

	_, err := time.Parse(time.RFC3339, rec.UpdatedAt)
	assert.NoError(t, err)
}

func exerciseStore(t *testing.T, store persistence.BlobStore) {
	t.Helper()
	ctx := context.Background()
	key := persistence.Key("ethereum", persistence.KindExplanations, "0xabc")

	ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	rec := persistence.ExplanationRecord{Result: "hello", Model: "m", UpdatedAt: "2024-01-01T00:00:00Z"}
	require.NoError(t, persistence.PutJSON(ctx, store, key, rec))

	ok, err = store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	var got persistence.ExplanationRecord
	require.NoError(t, persistence.GetJSON(ctx, store, key, &got))
	assert.Equal(t, rec, got)
}

func TestMemoryStore(t *testing.T) {
	store := persistence.NewMemoryStore()
	exerciseStore(t, store)
	assert.Equal(t, []string{"ethereum/transactions/explanations/0xabc.json"}, store.Keys())
}

func TestMemoryStore_CopiesData(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	data := []byte(`{"a":1}`)
	require.NoError(t, store.Put(ctx, "k", data))
	data[2] = 'b'

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))
}

func TestGetJSON_Corrupt(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "k", []byte("not json")))

	var v map[string]any
	err := persistence.GetJSON(ctx, store, "k", &v)
	require.Error(t, err)
	assert.NotErrorIs(t, err, persistence.ErrNotFound)
}

func TestMinioStore(t *testing.T) {
	testutils.RequireIntegration(t)
	ctx := context.Background()
	env, err := testutils.GetTestEnvironment(ctx)
	require.NoError(t, err)
	t.Cleanup(testutils.CleanupTestEnvironment)

	store, err := persistence.NewMinioStore(ctx, persistence.MinioConfig{
		Endpoint:   env.MinioEndpoint,
		AccessKey:  testutils.MinioAccessKey,
		SecretKey:  testutils.MinioSecretKey,
		BucketName: "ekko-explain-test",
		BasePath:   "unit",
	}, nil)
	require.NoError(t, err)
	exerciseStore(t, store)
}

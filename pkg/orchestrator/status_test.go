package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "cache_hit", CacheHit.String())
	assert.Equal(t, "generating", Generating.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "status(42)", Status(42).String())
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{Pending, CacheHit, Simulating, Normalizing, Enriching, Generating} {
		assert.False(t, s.Terminal(), s.String())
	}
	assert.True(t, Stored.Terminal())
	assert.True(t, Failed.Terminal())
}

func TestWorkItem_Advance(t *testing.T) {
	tests := []struct {
		name  string
		path  []Status
		valid bool
	}{
		{"full pipeline", []Status{Simulating, Normalizing, Enriching, Generating, Stored}, true},
		{"cache hit", []Status{CacheHit, Stored}, true},
		{"fail from any stage", []Status{Simulating, Normalizing, Failed}, true},
		{"fail before start", []Status{Failed}, true},
		{"skip a stage", []Status{Simulating, Enriching}, false},
		{"go backwards", []Status{Simulating, Normalizing, Simulating}, false},
		{"leave stored", []Status{CacheHit, Stored, Failed}, false},
		{"leave failed", []Status{Failed, Simulating}, false},
		{"store without output", []Status{Stored}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := NewWorkItem("ethereum", "0xabc", false)
			require.Equal(t, Pending, item.Status())

			var err error
			for _, s := range tt.path {
				if _, err = item.advance(s); err != nil {
					break
				}
			}
			if tt.valid {
				assert.NoError(t, err)
				assert.Equal(t, tt.path[len(tt.path)-1], item.Status())
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestNewWorkItem(t *testing.T) {
	a := NewWorkItem("base", "0x1", true)
	b := NewWorkItem("base", "0x1", false)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.True(t, a.Force)
	assert.Equal(t, 0, a.Retries())
	assert.Nil(t, a.Err())
}

package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/pkg/types"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func record(code string) *types.ExecutionRecord {
	return &types.ExecutionRecord{
		SessionID:  "sess-" + code,
		Code:       code,
		Outputs:    []types.Event{{Type: types.EventStreamComplete}},
		StartedAt:  time.Now().UTC().Truncate(time.Millisecond),
		FinishedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestSaveAndListExecutions(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.SaveExecution("team-a:k1", record(fmt.Sprintf("print(%d)", i))))
	}

	records, err := store.ListExecutions("team-a:k1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	// Completion order is preserved
	for i, rec := range records {
		assert.Equal(t, fmt.Sprintf("print(%d)", i), rec.Code)
	}
}

func TestListUnknownKernel(t *testing.T) {
	store := openTestStore(t)
	records, err := store.ListExecutions("team-a:nope")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestKernelsAreIsolated(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.SaveExecution("team-a:k1", record("a")))
	require.NoError(t, store.SaveExecution("team-a:k2", record("b")))

	records, err := store.ListExecutions("team-a:k1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].Code)
}

func TestDeleteKernel(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.SaveExecution("team-a:k1", record("a")))
	require.NoError(t, store.DeleteKernel("team-a:k1"))

	records, err := store.ListExecutions("team-a:k1")
	require.NoError(t, err)
	assert.Empty(t, records)

	// Deleting an absent kernel is a no-op
	assert.NoError(t, store.DeleteKernel("team-a:never"))
}

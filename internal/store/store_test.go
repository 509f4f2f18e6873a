package store

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"blockwatch/internal/ethrpc"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "blockwatch.db")
	st, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(t.Context()))
	return st
}

func TestLastBlockNoTracker(t *testing.T) {
	st := newTestStore(t)
	_, ok, err := st.LastBlock(t.Context(), 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecordBlockAdvancesTrackerAndInsertsDeliveries(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()

	entries := []DeliveryEntry{
		{HookID: "hook1", Logs: []ethrpc.Log{{Address: common.HexToAddress("0xAAAA")}}},
	}
	require.NoError(t, st.RecordBlock(ctx, 1, 100, entries))

	last, ok, err := st.LastBlock(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), last)

	pending, err := st.PendingDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "hook1", pending[0].HookID)
	require.Equal(t, uint64(100), pending[0].BlockNumber)
}

func TestRecordBlockIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()

	entries := []DeliveryEntry{
		{HookID: "hook1", Logs: []ethrpc.Log{{Address: common.HexToAddress("0xAAAA")}}},
	}
	require.NoError(t, st.RecordBlock(ctx, 1, 100, entries))
	require.NoError(t, st.RecordBlock(ctx, 1, 100, entries))

	pending, err := st.PendingDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	last, _, err := st.LastBlock(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(100), last)
}

func TestRecordBlockWithNoEntriesStillAdvancesTracker(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, st.RecordBlock(ctx, 1, 50, nil))

	last, ok, err := st.LastBlock(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(50), last)

	pending, err := st.PendingDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestDeliveryTxCommitRemovesRow(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()

	entries := []DeliveryEntry{{HookID: "hook1", Logs: []ethrpc.Log{{}}}}
	require.NoError(t, st.RecordBlock(ctx, 1, 10, entries))

	pending, err := st.PendingDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	dtx, err := st.BeginDeliveryTx(ctx, pending[0].ID)
	require.NoError(t, err)
	require.NoError(t, dtx.Commit())

	pending, err = st.PendingDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestDeliveryTxRollbackRestoresRowForMarkFailed(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()

	entries := []DeliveryEntry{{HookID: "hook1", Logs: []ethrpc.Log{{}}}}
	require.NoError(t, st.RecordBlock(ctx, 1, 10, entries))

	pending, err := st.PendingDeliveries(ctx, 10)
	require.NoError(t, err)
	id := pending[0].ID

	dtx, err := st.BeginDeliveryTx(ctx, id)
	require.NoError(t, err)
	require.NoError(t, dtx.Rollback())

	require.NoError(t, st.MarkDeliveryFailed(ctx, id))

	pending, err = st.PendingDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending, "failed deliveries are excluded from the pending queue")
}

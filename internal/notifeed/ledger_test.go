package notifeed

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	ledger, err := NewLedger(NewInMemoryLedgerBackend(), LedgerOptions{})
	require.NoError(t, err)
	return ledger
}

func TestLedgerDeleteSupersedesRead(t *testing.T) {
	ledger := newTestLedger(t)

	require.NoError(t, ledger.RecordRead(5))
	require.NoError(t, ledger.RecordDelete(5))

	readIDs, deleteIDs := ledger.Pending()
	assert.NotContains(t, readIDs, int64(5))
	assert.Contains(t, deleteIDs, int64(5))

	// A read recorded after the delete stays superseded.
	require.NoError(t, ledger.RecordRead(5))
	readIDs, _ = ledger.Pending()
	assert.Empty(t, readIDs)
}

func TestLedgerDrainRestoreRoundTrip(t *testing.T) {
	ledger := newTestLedger(t)
	require.NoError(t, ledger.RecordRead(1))
	require.NoError(t, ledger.RecordRead(2))
	require.NoError(t, ledger.RecordDelete(3))

	readIDs, deleteIDs := ledger.Drain()
	assert.Equal(t, []int64{1, 2}, readIDs)
	assert.Equal(t, []int64{3}, deleteIDs)
	assert.True(t, ledger.Empty())

	require.NoError(t, ledger.Restore(readIDs, deleteIDs))
	gotRead, gotDelete := ledger.Pending()
	assert.Equal(t, map[int64]struct{}{1: {}, 2: {}}, gotRead)
	assert.Equal(t, map[int64]struct{}{3: {}}, gotDelete)
}

func TestLedgerRestoreKeepsDeletePrecedence(t *testing.T) {
	ledger := newTestLedger(t)
	require.NoError(t, ledger.RecordRead(7))
	readIDs, deleteIDs := ledger.Drain()

	// While the flush is in flight the user deletes 7.
	require.NoError(t, ledger.RecordDelete(7))

	require.NoError(t, ledger.Restore(readIDs, deleteIDs))
	gotRead, gotDelete := ledger.Pending()
	assert.NotContains(t, gotRead, int64(7))
	assert.Contains(t, gotDelete, int64(7))
}

func TestLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	backend := NewJSONFileLedgerBackend(path)
	ledger, err := NewLedger(backend, LedgerOptions{})
	require.NoError(t, err)

	require.NoError(t, ledger.RecordRead(11))
	require.NoError(t, ledger.RecordDelete(12))
	require.NoError(t, ledger.SetLastConnected(true))

	reopened, err := NewLedger(NewJSONFileLedgerBackend(path), LedgerOptions{})
	require.NoError(t, err)
	readIDs, deleteIDs := reopened.Pending()
	assert.Contains(t, readIDs, int64(11))
	assert.Contains(t, deleteIDs, int64(12))
	assert.True(t, reopened.LastConnected())
}

func TestLedgerDrainDoesNotTouchDurableState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	ledger, err := NewLedger(NewJSONFileLedgerBackend(path), LedgerOptions{})
	require.NoError(t, err)
	require.NoError(t, ledger.RecordRead(4))

	ledger.Drain()

	// A crash after drain but before the server acknowledged must not
	// lose the intent: the durable snapshot still carries it.
	reopened, err := NewLedger(NewJSONFileLedgerBackend(path), LedgerOptions{})
	require.NoError(t, err)
	readIDs, _ := reopened.Pending()
	assert.Contains(t, readIDs, int64(4))
}

func TestLedgerCheckpointClearsDurableState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	ledger, err := NewLedger(NewJSONFileLedgerBackend(path), LedgerOptions{})
	require.NoError(t, err)
	require.NoError(t, ledger.RecordRead(4))

	ledger.Drain()
	require.NoError(t, ledger.Checkpoint())

	reopened, err := NewLedger(NewJSONFileLedgerBackend(path), LedgerOptions{})
	require.NoError(t, err)
	assert.True(t, reopened.Empty())
}

func TestLedgerUsesDistinctStorageSlots(t *testing.T) {
	backend := NewInMemoryLedgerBackend()
	keys := LedgerKeys{
		PendingRead:   "test.reads.v9",
		PendingDelete: "test.deletes.v9",
		LastConnected: "test.connected.v9",
	}
	ledger, err := NewLedger(backend, LedgerOptions{Keys: keys})
	require.NoError(t, err)
	require.NoError(t, ledger.RecordRead(1))
	require.NoError(t, ledger.SetLastConnected(true))

	slots, err := backend.Load()
	require.NoError(t, err)
	assert.JSONEq(t, "[1]", string(slots["test.reads.v9"]))
	assert.JSONEq(t, "[]", string(slots["test.deletes.v9"]))
	assert.JSONEq(t, "true", string(slots["test.connected.v9"]))
}

func TestLedgerReloadReestablishesPrecedence(t *testing.T) {
	backend := NewInMemoryLedgerBackend()
	// A hand-edited snapshot with an ID in both sets.
	require.NoError(t, backend.Save(map[string]json.RawMessage{
		DefaultPendingReadKey:   json.RawMessage(`[1, 2]`),
		DefaultPendingDeleteKey: json.RawMessage(`[2]`),
	}))

	ledger, err := NewLedger(backend, LedgerOptions{})
	require.NoError(t, err)
	readIDs, deleteIDs := ledger.Pending()
	assert.Equal(t, map[int64]struct{}{1: {}}, readIDs)
	assert.Equal(t, map[int64]struct{}{2: {}}, deleteIDs)
}

func TestBuildLedgerBackendFromDSN(t *testing.T) {
	dir := t.TempDir()

	backend, err := BuildLedgerBackendFromDSN(filepath.Join(dir, "plain.json"))
	require.NoError(t, err)
	assert.IsType(t, &JSONFileLedgerBackend{}, backend)

	backend, err = BuildLedgerBackendFromDSN("file://" + filepath.Join(dir, "scheme.json"))
	require.NoError(t, err)
	assert.IsType(t, &JSONFileLedgerBackend{}, backend)

	backend, err = BuildLedgerBackendFromDSN("memory://")
	require.NoError(t, err)
	assert.IsType(t, &InMemoryLedgerBackend{}, backend)

	backend, err = BuildLedgerBackendFromDSN("postgres://user:pw@localhost/notifeed")
	require.NoError(t, err)
	assert.IsType(t, &PostgresLedgerBackend{}, backend)

	_, err = BuildLedgerBackendFromDSN("sqlite:///tmp/x.db")
	require.ErrorIs(t, err, ErrNotImplemented)

	_, err = BuildLedgerBackendFromDSN("carrierpigeon://coop")
	require.Error(t, err)
}

func TestRegisterLedgerBackendFactory(t *testing.T) {
	fake := NewInMemoryLedgerBackend()
	RegisterLedgerBackendFactory("testscheme", func(dsn string) (LedgerBackend, error) {
		return fake, nil
	})
	backend, err := BuildLedgerBackendFromDSN("testscheme://anything")
	require.NoError(t, err)
	assert.Same(t, fake, backend)
}

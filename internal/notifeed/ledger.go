package notifeed

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Default storage keys. Versioned so a future layout change can coexist
// with snapshots written by older builds.
const (
	DefaultPendingReadKey   = "notifeed.pending_read.v1"
	DefaultPendingDeleteKey = "notifeed.pending_delete.v1"
	DefaultLastConnectedKey = "notifeed.last_connected.v1"
)

// LedgerKeys names the three durable storage slots. The pending sets
// and the last-connected flag are kept in distinct slots so ledger
// state survives independently of connection-state bookkeeping.
type LedgerKeys struct {
	PendingRead   string
	PendingDelete string
	LastConnected string
}

func (k LedgerKeys) withDefaults() LedgerKeys {
	if k.PendingRead == "" {
		k.PendingRead = DefaultPendingReadKey
	}
	if k.PendingDelete == "" {
		k.PendingDelete = DefaultPendingDeleteKey
	}
	if k.LastConnected == "" {
		k.LastConnected = DefaultLastConnectedKey
	}
	return k
}

// LedgerBackend stores ledger slots durably. Save must complete the
// durable write before returning; the ledger treats a returned nil as
// the intent having survived a crash.
type LedgerBackend interface {
	Load() (map[string]json.RawMessage, error)
	Save(slots map[string]json.RawMessage) error
}

type ledgerBackendCloser interface {
	Close() error
}

type LedgerOptions struct {
	Keys LedgerKeys
}

// Ledger is the durable bridge between instantaneous UI actions and
// batched network writes: read/delete intents the server has not yet
// acknowledged, persisted on every mutation.
type Ledger struct {
	mu            sync.Mutex
	keys          LedgerKeys
	backend       LedgerBackend
	pendingRead   map[int64]struct{}
	pendingDelete map[int64]struct{}
	lastConnected bool
}

// NewLedger seeds the in-memory pending sets from the backend.
func NewLedger(backend LedgerBackend, opts LedgerOptions) (*Ledger, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: ledger backend is required", ErrInvalidInput)
	}
	l := &Ledger{
		keys:          opts.Keys.withDefaults(),
		backend:       backend,
		pendingRead:   map[int64]struct{}{},
		pendingDelete: map[int64]struct{}{},
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// RecordRead marks id as read-but-unacknowledged and persists. A
// pending delete supersedes the read intent.
func (l *Ledger) RecordRead(id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, deleted := l.pendingDelete[id]; deleted {
		return nil
	}
	if _, ok := l.pendingRead[id]; ok {
		return nil
	}
	l.pendingRead[id] = struct{}{}
	return l.saveLocked()
}

// RecordDelete marks id as deleted-but-unacknowledged, purges any
// pending read intent for the same id, and persists.
func (l *Ledger) RecordDelete(id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pendingRead, id)
	if _, ok := l.pendingDelete[id]; ok {
		return l.saveLocked()
	}
	l.pendingDelete[id] = struct{}{}
	return l.saveLocked()
}

// Drain returns the current pending sets, sorted, and clears both sets
// in memory. Durable storage is left untouched: the caller checkpoints
// after the server accepts the flush, or restores on failure.
func (l *Ledger) Drain() (readIDs, deleteIDs []int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	readIDs = sortedIDs(l.pendingRead)
	deleteIDs = sortedIDs(l.pendingDelete)
	l.pendingRead = map[int64]struct{}{}
	l.pendingDelete = map[int64]struct{}{}
	return readIDs, deleteIDs
}

// Restore re-adds drained IDs after a failed flush and persists.
// Delete precedence holds: an ID restored into the delete set is
// removed from the read set even if it re-entered it concurrently.
func (l *Ledger) Restore(readIDs, deleteIDs []int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range readIDs {
		l.pendingRead[id] = struct{}{}
	}
	for _, id := range deleteIDs {
		l.pendingDelete[id] = struct{}{}
	}
	for id := range l.pendingDelete {
		delete(l.pendingRead, id)
	}
	return l.saveLocked()
}

// Checkpoint persists the current in-memory state. Called after a
// successful flush so the durable slots drop the acknowledged IDs.
func (l *Ledger) Checkpoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked()
}

// Pending returns copies of both pending sets.
func (l *Ledger) Pending() (readIDs, deleteIDs map[int64]struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	readIDs = make(map[int64]struct{}, len(l.pendingRead))
	for id := range l.pendingRead {
		readIDs[id] = struct{}{}
	}
	deleteIDs = make(map[int64]struct{}, len(l.pendingDelete))
	for id := range l.pendingDelete {
		deleteIDs[id] = struct{}{}
	}
	return readIDs, deleteIDs
}

// Empty reports whether no intent is pending.
func (l *Ledger) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pendingRead) == 0 && len(l.pendingDelete) == 0
}

// SetLastConnected persists the last-known-connected flag.
func (l *Ledger) SetLastConnected(connected bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastConnected == connected {
		return nil
	}
	l.lastConnected = connected
	return l.saveLocked()
}

func (l *Ledger) LastConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastConnected
}

// Reload replaces the in-memory sets with the backend's current
// snapshot. Used at startup and when a watcher observes an
// out-of-process write. Delete precedence is re-established so a
// hand-edited snapshot never leaves an ID in both sets.
func (l *Ledger) Reload() error {
	slots, err := l.backend.Load()
	if err != nil {
		return fmt.Errorf("ledger load: %w", err)
	}
	pendingRead := map[int64]struct{}{}
	pendingDelete := map[int64]struct{}{}
	lastConnected := false
	if raw, ok := slots[l.keys.PendingRead]; ok {
		if err := decodeIDSet(raw, pendingRead); err != nil {
			return fmt.Errorf("ledger slot %s: %w", l.keys.PendingRead, err)
		}
	}
	if raw, ok := slots[l.keys.PendingDelete]; ok {
		if err := decodeIDSet(raw, pendingDelete); err != nil {
			return fmt.Errorf("ledger slot %s: %w", l.keys.PendingDelete, err)
		}
	}
	if raw, ok := slots[l.keys.LastConnected]; ok {
		if err := json.Unmarshal(raw, &lastConnected); err != nil {
			return fmt.Errorf("ledger slot %s: %w", l.keys.LastConnected, err)
		}
	}
	for id := range pendingDelete {
		delete(pendingRead, id)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingRead = pendingRead
	l.pendingDelete = pendingDelete
	l.lastConnected = lastConnected
	return nil
}

// Close releases the backend if it holds resources.
func (l *Ledger) Close() error {
	if closer, ok := l.backend.(ledgerBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (l *Ledger) saveLocked() error {
	readJSON, err := json.Marshal(sortedIDs(l.pendingRead))
	if err != nil {
		return err
	}
	deleteJSON, err := json.Marshal(sortedIDs(l.pendingDelete))
	if err != nil {
		return err
	}
	connectedJSON, err := json.Marshal(l.lastConnected)
	if err != nil {
		return err
	}
	slots := map[string]json.RawMessage{
		l.keys.PendingRead:   readJSON,
		l.keys.PendingDelete: deleteJSON,
		l.keys.LastConnected: connectedJSON,
	}
	if err := l.backend.Save(slots); err != nil {
		return fmt.Errorf("ledger save: %w", err)
	}
	return nil
}

func sortedIDs(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func decodeIDSet(raw json.RawMessage, dst map[int64]struct{}) error {
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return err
	}
	for _, id := range ids {
		dst[id] = struct{}{}
	}
	return nil
}

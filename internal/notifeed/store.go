package notifeed

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Store is the single source of truth for what the view layer renders:
// an ordered notification list (newest first, unique by ID) and an
// unread count that always equals the number of unread items.
//
// Three inputs merge here: pushed events (optimistic prepends), full
// refetches (authoritative, filtered through the ledger so a slow
// refetch never undoes a local action), and local read/delete actions
// (applied immediately, with intent recorded in the ledger).
type Store struct {
	mu     sync.Mutex
	ledger *Ledger
	api    RemoteAPI
	log    zerolog.Logger

	items  []Record
	unread int
	epoch  uint64

	reconcileFn func()
}

type StoreOptions struct {
	Ledger *Ledger
	API    RemoteAPI
	Logger zerolog.Logger
}

func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger is required", ErrInvalidInput)
	}
	if opts.API == nil {
		return nil, fmt.Errorf("%w: remote API is required", ErrInvalidInput)
	}
	return &Store{
		ledger: opts.Ledger,
		api:    opts.API,
		log:    opts.Logger,
	}, nil
}

// SetReconcileSignal registers the callback invoked when the store
// needs an authoritative refetch (handshake events). Must be set before
// the push stream starts delivering events.
func (s *Store) SetReconcileSignal(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcileFn = fn
}

// ReplaceAll installs a full server refetch. Handshake records are
// filtered out, then the ledger is applied on top: pending deletes are
// removed before the merge and pending reads are forced read, so the
// user's local actions win over a refetch that raced them. The unread
// count is recomputed from the merged result.
func (s *Store) ReplaceAll(records []Record) {
	pendingRead, pendingDelete := s.ledger.Pending()

	merged := make([]Record, 0, len(records))
	seen := make(map[int64]bool, len(records))
	for _, rec := range records {
		if !rec.Visible() {
			continue
		}
		if seen[rec.ID] {
			continue
		}
		if _, deleted := pendingDelete[rec.ID]; deleted {
			continue
		}
		if _, read := pendingRead[rec.ID]; read {
			rec.Read = true
		}
		seen[rec.ID] = true
		merged = append(merged, rec)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.After(merged[j].CreatedAt)
		}
		return merged[i].ID > merged[j].ID
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = merged
	s.unread = countUnread(merged)
}

// ApplyPushed applies one pushed event optimistically. A handshake
// record produces no visible notification; it only signals that the
// stream is live and a reconciliation fetch should run. Any other
// record is prepended and bumps the unread count; the refetch triggered
// by the same event supersedes it within one round trip.
func (s *Store) ApplyPushed(rec Record) {
	if !rec.Visible() {
		s.signalReconcile()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.items {
		if existing.ID == rec.ID {
			return
		}
	}
	s.items = append([]Record{rec}, s.items...)
	if !rec.Read {
		s.unread++
	}
}

// MarkRead flips a record to read and records the intent in the
// ledger. Idempotent: already-read and unknown IDs are no-ops. The
// in-memory flip stands even if ledger persistence fails; the error is
// returned so callers can log the lost durability.
func (s *Store) MarkRead(id int64) error {
	s.mu.Lock()
	flipped := false
	for i := range s.items {
		if s.items[i].ID != id {
			continue
		}
		if s.items[i].Read {
			s.mu.Unlock()
			return nil
		}
		s.items[i].Read = true
		flipped = true
		break
	}
	if flipped && s.unread > 0 {
		s.unread--
	}
	s.mu.Unlock()
	if !flipped {
		return nil
	}
	// A placeholder ID was never assigned by the server; the refetch
	// that reconciles it carries the real ID, so there is no intent to
	// deliver.
	if id < 0 {
		return nil
	}
	if err := s.ledger.RecordRead(id); err != nil {
		s.log.Warn().Err(err).Int64("id", id).Msg("read intent not persisted")
		return err
	}
	return nil
}

// Delete removes a record and records the delete intent, which also
// purges any pending read intent for the same ID.
func (s *Store) Delete(id int64) error {
	s.mu.Lock()
	found := false
	for i := range s.items {
		if s.items[i].ID != id {
			continue
		}
		if !s.items[i].Read && s.unread > 0 {
			s.unread--
		}
		s.items = append(s.items[:i], s.items[i+1:]...)
		found = true
		break
	}
	s.mu.Unlock()
	if !found {
		return nil
	}
	if id < 0 {
		return nil
	}
	if err := s.ledger.RecordDelete(id); err != nil {
		s.log.Warn().Err(err).Int64("id", id).Msg("delete intent not persisted")
		return err
	}
	return nil
}

// MarkAllReadNow marks everything read optimistically and confirms with
// the server immediately, bypassing the deferred flush. On server
// failure the optimistic change is rolled back and the error surfaces.
func (s *Store) MarkAllReadNow(ctx context.Context) error {
	mut, ids := s.beginMutation(func(items []Record) []Record {
		for i := range items {
			items[i].Read = true
		}
		return items
	})
	if len(ids) == 0 {
		return nil
	}
	if err := s.api.MarkAllRead(ctx, ids); err != nil {
		mut.Rollback()
		return fmt.Errorf("mark all read: %w", err)
	}
	return nil
}

// DeleteAllNow deletes everything optimistically and confirms with the
// server immediately. Rolls back on failure.
func (s *Store) DeleteAllNow(ctx context.Context) error {
	mut, ids := s.beginMutation(func(items []Record) []Record {
		return items[:0]
	})
	if len(ids) == 0 {
		return nil
	}
	if err := s.api.DeleteAll(ctx, ids); err != nil {
		mut.Rollback()
		return fmt.Errorf("delete all: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the current list, newest first.
func (s *Store) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.items...)
}

func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Epoch identifies the current session. Async completions that started
// under an older epoch must discard their results.
func (s *Store) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// ResetForSession clears all state and starts a new session epoch, so
// in-flight completions from the previous session are discarded.
func (s *Store) ResetForSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	s.unread = 0
	s.epoch++
}

// Mutation captures the pre-action snapshot of an optimistic bulk
// update so the rollback path is independent of the action that failed.
type Mutation struct {
	store      *Store
	prevItems  []Record
	prevUnread int
	epoch      uint64
}

// Rollback restores the pre-action snapshot unless the session has
// been reset since the mutation was taken.
func (m *Mutation) Rollback() {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if m.store.epoch != m.epoch {
		return
	}
	m.store.items = m.prevItems
	m.store.unread = m.prevUnread
}

// beginMutation snapshots current state, applies fn to a working copy,
// and returns the mutation handle plus the IDs the server call should
// carry (all non-placeholder IDs present before the mutation).
func (s *Store) beginMutation(fn func(items []Record) []Record) (*Mutation, []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mut := &Mutation{
		store:      s,
		prevItems:  append([]Record(nil), s.items...),
		prevUnread: s.unread,
		epoch:      s.epoch,
	}
	ids := make([]int64, 0, len(s.items))
	for _, rec := range s.items {
		if !rec.Placeholder() {
			ids = append(ids, rec.ID)
		}
	}
	working := append([]Record(nil), s.items...)
	working = fn(working)
	s.items = working
	s.unread = countUnread(working)
	return mut, ids
}

func (s *Store) signalReconcile() {
	s.mu.Lock()
	fn := s.reconcileFn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func countUnread(items []Record) int {
	n := 0
	for _, rec := range items {
		if !rec.Read {
			n++
		}
	}
	return n
}

package notifeed

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/notifeed/notifeed/internal/pushstream"
)

const (
	defaultRefetchMinInterval = 2 * time.Second
	refetchTimeout            = 15 * time.Second
)

// PermissionRequester asks the host environment for permission to show
// system-level notification popups. The default does nothing.
type PermissionRequester interface {
	RequestPermission(ctx context.Context) error
}

type noopPermissionRequester struct{}

func (noopPermissionRequester) RequestPermission(context.Context) error { return nil }

// Client is one notification session: store, ledger, reconciler, and
// push stream wired together behind the contract the view layer
// consumes. It is an owned object — construct one per session and tear
// it down with Close — never a package-level singleton, so independent
// sessions (and tests) do not interfere.
type Client struct {
	api         RemoteAPI
	ledger      *Ledger
	store       *Store
	reconciler  *Reconciler
	stream      *pushstream.Client
	log         zerolog.Logger
	permissions PermissionRequester

	refetchLimiter *rate.Limiter
	refetchCh      chan struct{}

	mu             sync.Mutex
	stopReconciler func()

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type ClientOptions struct {
	API    RemoteAPI
	Ledger *Ledger
	// Stream configures the push connection. OnHandshake and
	// OnStateChange are owned by the client and must be left nil.
	Stream pushstream.ClientOptions

	Logger zerolog.Logger

	FlushInterval time.Duration
	FlushTimeout  time.Duration

	// RefetchMinInterval bounds how often pushed events can trigger a
	// full refetch; a burst of events coalesces into one fetch.
	// Defaults to 2s.
	RefetchMinInterval time.Duration

	Permissions PermissionRequester
}

func NewClient(opts ClientOptions) (*Client, error) {
	store, err := NewStore(StoreOptions{Ledger: opts.Ledger, API: opts.API, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	c := &Client{
		api:         opts.API,
		ledger:      opts.Ledger,
		store:       store,
		log:         opts.Logger,
		permissions: opts.Permissions,
		refetchCh:   make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	if c.permissions == nil {
		c.permissions = noopPermissionRequester{}
	}
	minInterval := opts.RefetchMinInterval
	if minInterval <= 0 {
		minInterval = defaultRefetchMinInterval
	}
	c.refetchLimiter = rate.NewLimiter(rate.Every(minInterval), 1)

	streamOpts := opts.Stream
	streamOpts.Logger = opts.Logger
	streamOpts.OnHandshake = c.onHandshake
	streamOpts.OnStateChange = c.onStreamState
	stream, err := pushstream.NewClient(streamOpts)
	if err != nil {
		return nil, err
	}
	c.stream = stream

	reconciler, err := NewReconciler(ReconcilerOptions{
		Ledger:        opts.Ledger,
		API:           opts.API,
		Logger:        opts.Logger,
		FlushInterval: opts.FlushInterval,
		FlushTimeout:  opts.FlushTimeout,
		Eligible:      stream.Eligible,
	})
	if err != nil {
		return nil, err
	}
	c.reconciler = reconciler

	store.SetReconcileSignal(c.requestRefetch)

	c.wg.Add(1)
	go c.refetchLoop()
	return c, nil
}

// SetAuth feeds the authentication signal. An eligible session opens
// the stream and starts the flush timer; an ineligible one performs a
// final flush, disconnects, and resets the store for a new session.
func (c *Client) SetAuth(isAuthenticated bool, displayName string) {
	displayName = strings.TrimSpace(displayName)
	eligible := isAuthenticated && displayName != ""
	if eligible {
		c.registerDispatchers()
		c.mu.Lock()
		if c.stopReconciler == nil {
			c.stopReconciler = c.reconciler.Start()
		}
		c.mu.Unlock()
		c.stream.SetAuth(isAuthenticated, displayName)
		c.requestRefetch()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), refetchTimeout)
	if err := c.reconciler.FlushNow(ctx); err != nil {
		c.log.Debug().Err(err).Msg("flush on session end failed; ledger keeps the intent")
	}
	cancel()
	c.mu.Lock()
	stop := c.stopReconciler
	c.stopReconciler = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	c.stream.SetAuth(isAuthenticated, displayName)
	if err := c.ledger.SetLastConnected(false); err != nil {
		c.log.Debug().Err(err).Msg("last-connected flag not persisted")
	}
	c.store.ResetForSession()
}

// Notifications returns the records the view layer should render,
// newest first.
func (c *Client) Notifications() []Record {
	return c.store.Snapshot()
}

func (c *Client) UnreadCount() int {
	return c.store.UnreadCount()
}

func (c *Client) ConnectionState() pushstream.State {
	return c.stream.State()
}

// MarkAsRead marks one notification read. Individual actions never
// surface errors: the local change always succeeds and reconciliation
// corrects any divergence later.
func (c *Client) MarkAsRead(id int64) {
	if err := c.store.MarkRead(id); err != nil {
		c.log.Warn().Err(err).Int64("id", id).Msg("mark-as-read intent not durable")
	}
}

// DeleteOne removes one notification. Never surfaces errors.
func (c *Client) DeleteOne(id int64) {
	if err := c.store.Delete(id); err != nil {
		c.log.Warn().Err(err).Int64("id", id).Msg("delete intent not durable")
	}
}

// MarkAllRead confirms with the server immediately; on failure the
// optimistic change is rolled back and the error surfaces to the user.
func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.store.MarkAllReadNow(ctx)
}

// DeleteAll confirms with the server immediately; rolls back and
// surfaces the error on failure.
func (c *Client) DeleteAll(ctx context.Context) error {
	return c.store.DeleteAllNow(ctx)
}

// Refresh requests an authoritative refetch, coalesced with any other
// pending request.
func (c *Client) Refresh() {
	c.requestRefetch()
}

func (c *Client) RequestNotifyPermission(ctx context.Context) error {
	return c.permissions.RequestPermission(ctx)
}

// Close flushes pending intent, tears down the stream and timers, and
// waits for background work to stop.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if err := c.reconciler.Close(); err != nil {
			c.log.Debug().Err(err).Msg("reconciler close")
		}
		c.mu.Lock()
		c.stopReconciler = nil
		c.mu.Unlock()
		c.stream.Close()
		close(c.done)
		c.wg.Wait()
		if err := c.ledger.Close(); err != nil {
			c.log.Debug().Err(err).Msg("ledger close")
		}
	})
	return nil
}

func (c *Client) registerDispatchers() {
	for category := range knownCategories {
		if category == CategoryHandshake {
			continue
		}
		c.stream.Register(string(category), c.handlePushed)
	}
}

// handlePushed turns one validated wire event into an optimistic store
// update under a placeholder ID, then schedules the refetch that
// reconciles it with the authoritative server record.
func (c *Client) handlePushed(tag string, p pushstream.Payload) {
	category, err := ParseCategory(tag)
	if err != nil {
		c.log.Warn().Str("tag", tag).Msg("dropping pushed event with unknown category")
		return
	}
	c.store.ApplyPushed(Record{
		ID:        NextPlaceholderID(),
		Content:   p.Message,
		TargetURL: p.URL,
		Category:  category,
		CreatedAt: p.CreatedAt,
	})
	c.requestRefetch()
}

func (c *Client) onHandshake() {
	if err := c.ledger.SetLastConnected(true); err != nil {
		c.log.Debug().Err(err).Msg("last-connected flag not persisted")
	}
	c.requestRefetch()
}

func (c *Client) onStreamState(s pushstream.State) {
	c.log.Debug().Stringer("state", s).Msg("push stream state")
	if s != pushstream.StateOpen {
		if err := c.ledger.SetLastConnected(false); err != nil {
			c.log.Debug().Err(err).Msg("last-connected flag not persisted")
		}
	}
}

// requestRefetch coalesces: at most one refetch request is ever queued.
func (c *Client) requestRefetch() {
	select {
	case c.refetchCh <- struct{}{}:
	default:
	}
}

// refetchLoop is the single path by which server state enters the
// store. Requests are rate-limited so a burst of pushed events becomes
// one fetch, and results are discarded if the session epoch moved while
// the fetch was in flight.
func (c *Client) refetchLoop() {
	defer c.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.done
		cancel()
	}()

	for {
		select {
		case <-c.done:
			return
		case <-c.refetchCh:
		}
		if err := c.refetchLimiter.Wait(ctx); err != nil {
			return
		}

		epoch := c.store.Epoch()
		fetchCtx, fetchCancel := context.WithTimeout(ctx, refetchTimeout)
		records, err := c.api.FetchNotifications(fetchCtx)
		fetchCancel()
		if err != nil {
			c.log.Warn().Err(err).Msg("notification refetch failed")
			continue
		}
		if c.store.Epoch() != epoch {
			c.log.Debug().Msg("discarding refetch from an ended session")
			continue
		}
		c.store.ReplaceAll(records)
	}
}

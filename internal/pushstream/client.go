// Package pushstream maintains the long-lived server-push websocket
// connection and translates tagged wire events into callbacks. It knows
// nothing about notification state; the embedding client registers one
// dispatcher per category tag.
package pushstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// State of the push connection. Owned exclusively by the Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed // closed after an error; reconnecting or given up
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler receives one validated event for a registered tag.
type Handler func(tag string, p Payload)

// Conn is the subset of the websocket connection the client uses.
// *websocket.Conn satisfies it; tests substitute fakes.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens one connection attempt.
type DialFunc func(ctx context.Context) (Conn, error)

const (
	defaultHandshakeTag     = "handshake"
	defaultBaseRetryDelay   = 2 * time.Second
	defaultMaxRetries       = 5
	defaultLivenessInterval = 30 * time.Second
	defaultDialTimeout      = 10 * time.Second
	livenessPingTimeout     = 5 * time.Second
)

type ClientOptions struct {
	// URL of the push subscription endpoint (ws:// or wss://).
	URL   string
	Token string

	// HandshakeTag is the wire tag of the connection-handshake event.
	// Defaults to "handshake".
	HandshakeTag string

	// BaseRetryDelay scales the linear reconnect backoff: attempt n
	// waits n*BaseRetryDelay. Defaults to 2s.
	BaseRetryDelay time.Duration
	// MaxRetries bounds automatic reconnects after an error. Defaults
	// to 5; past the cap an explicit Connect is required.
	MaxRetries int
	// LivenessInterval between connection health probes. Defaults to 30s.
	LivenessInterval time.Duration
	DialTimeout      time.Duration

	// Dial overrides the websocket dial, for tests. Nil dials URL.
	Dial DialFunc

	Logger zerolog.Logger

	// OnHandshake fires when the handshake event arrives: the stream is
	// live and a reconciliation fetch should run.
	OnHandshake func()
	// OnStateChange fires after every state transition.
	OnStateChange func(State)
}

// Client owns the push connection state machine:
// Disconnected -> Connecting -> Open, error -> Closed with bounded
// linear-backoff reconnects, and an explicit Disconnect from anywhere.
type Client struct {
	url              string
	token            string
	handshakeTag     string
	baseRetryDelay   time.Duration
	maxRetries       int
	livenessInterval time.Duration
	dialTimeout      time.Duration
	dial             DialFunc
	log              zerolog.Logger
	onHandshake      func()
	onStateChange    func(State)

	mu            sync.Mutex
	state         State
	conn          Conn
	handlers      map[string]Handler
	attempts      int
	generation    uint64
	authenticated bool
	displayName   string
	cancelRead    context.CancelFunc
	retryTimer    *time.Timer

	wg sync.WaitGroup
}

func NewClient(opts ClientOptions) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" && opts.Dial == nil {
		return nil, errors.New("pushstream: endpoint URL is required")
	}
	c := &Client{
		url:              strings.TrimSpace(opts.URL),
		token:            strings.TrimSpace(opts.Token),
		handshakeTag:     opts.HandshakeTag,
		baseRetryDelay:   opts.BaseRetryDelay,
		maxRetries:       opts.MaxRetries,
		livenessInterval: opts.LivenessInterval,
		dialTimeout:      opts.DialTimeout,
		dial:             opts.Dial,
		log:              opts.Logger,
		onHandshake:      opts.OnHandshake,
		onStateChange:    opts.OnStateChange,
		handlers:         map[string]Handler{},
	}
	if c.handshakeTag == "" {
		c.handshakeTag = defaultHandshakeTag
	}
	if c.baseRetryDelay <= 0 {
		c.baseRetryDelay = defaultBaseRetryDelay
	}
	if c.maxRetries <= 0 {
		c.maxRetries = defaultMaxRetries
	}
	if c.livenessInterval <= 0 {
		c.livenessInterval = defaultLivenessInterval
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = defaultDialTimeout
	}
	if c.dial == nil {
		c.dial = c.dialWebsocket
	}
	return c, nil
}

// Register installs the dispatcher for one category tag. Dispatchers
// are removed by Disconnect, so they are re-registered per session.
func (c *Client) Register(tag string, handler Handler) {
	tag = strings.TrimSpace(tag)
	if tag == "" || handler == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[tag] = handler
}

// SetAuth feeds the authentication signal. The eligibility gate —
// authenticated with a non-empty display name — is re-evaluated on
// every call: a user who has not completed profile setup must not open
// the stream.
func (c *Client) SetAuth(authenticated bool, displayName string) {
	c.mu.Lock()
	c.authenticated = authenticated
	c.displayName = strings.TrimSpace(displayName)
	eligible := c.eligibleLocked()
	c.mu.Unlock()
	if eligible {
		c.Connect()
	} else {
		c.Disconnect()
	}
}

// Eligible reports whether the gate currently allows connecting.
func (c *Client) Eligible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eligibleLocked()
}

func (c *Client) eligibleLocked() bool {
	return c.authenticated && c.displayName != ""
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the stream if the gate holds. Idempotent while
// Connecting or Open. An explicit call resets the reconnect attempt
// counter, so a stream that gave up after the retry cap can be revived.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return
	}
	if !c.eligibleLocked() {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	c.startDialLocked()
	c.mu.Unlock()
	c.notifyState(StateConnecting)
}

// Disconnect removes all dispatchers, closes the connection, and
// resets state to Disconnected. Called on logout and final teardown.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.generation++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	c.closeConnLocked()
	c.handlers = map[string]Handler{}
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()
	if changed {
		c.notifyState(StateDisconnected)
	}
}

// Close disconnects and waits for background goroutines to finish.
func (c *Client) Close() {
	c.Disconnect()
	c.wg.Wait()
}

func (c *Client) startDialLocked() {
	c.generation++
	gen := c.generation
	c.state = StateConnecting
	if c.cancelRead != nil {
		c.cancelRead()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRead = cancel
	c.wg.Add(1)
	go c.dialAndRead(ctx, gen)
}

func (c *Client) dialAndRead(ctx context.Context, gen uint64) {
	defer c.wg.Done()

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	conn, err := c.dial(dialCtx)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			c.handleFailure(gen, fmt.Errorf("dial: %w", err))
		}
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.liveness(ctx, gen, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.handleFailure(gen, fmt.Errorf("read: %w", err))
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed push frame")
		return
	}
	tag := strings.TrimSpace(env.Tag)
	if tag == c.handshakeTag {
		c.mu.Lock()
		c.attempts = 0
		changed := c.state != StateOpen
		c.state = StateOpen
		hs := c.onHandshake
		c.mu.Unlock()
		if changed {
			c.notifyState(StateOpen)
		}
		if hs != nil {
			hs()
		}
		return
	}

	c.mu.Lock()
	handler := c.handlers[tag]
	c.mu.Unlock()
	if handler == nil {
		c.log.Debug().Str("tag", tag).Msg("dropping event with no dispatcher")
		return
	}
	p, err := parsePayload(env.Payload)
	if err != nil {
		c.log.Warn().Err(err).Str("tag", tag).Msg("dropping malformed push payload")
		return
	}
	handler(tag, p)
}

// handleFailure closes the connection, marks the stream Closed, and
// schedules a reconnect with linearly increasing delay, up to the
// retry cap while the gate holds.
func (c *Client) handleFailure(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.closeConnLocked()
	c.state = StateClosed
	retry := c.eligibleLocked() && c.attempts < c.maxRetries
	var delay time.Duration
	if retry {
		c.attempts++
		delay = time.Duration(c.attempts) * c.baseRetryDelay
		failedGen := c.generation
		c.retryTimer = time.AfterFunc(delay, func() { c.reconnect(failedGen) })
	}
	attempts := c.attempts
	c.mu.Unlock()

	c.notifyState(StateClosed)
	if retry {
		c.log.Warn().Err(cause).Int("attempt", attempts).Dur("delay", delay).Msg("push stream lost; reconnecting")
	} else {
		c.log.Error().Err(cause).Int("attempts", attempts).Msg("push stream lost; giving up until next explicit connect")
	}
}

func (c *Client) reconnect(failedGen uint64) {
	c.mu.Lock()
	if c.generation != failedGen || c.state != StateClosed || !c.eligibleLocked() {
		c.mu.Unlock()
		return
	}
	c.startDialLocked()
	c.mu.Unlock()
	c.notifyState(StateConnecting)
}

// liveness re-verifies the underlying connection is actually open while
// the stream is nominally connected, and re-invokes Connect if it is
// not and the gate still holds.
func (c *Client) liveness(ctx context.Context, gen uint64, conn Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := gen != c.generation
			c.mu.Unlock()
			if stale {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, livenessPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err == nil || ctx.Err() != nil {
				continue
			}
			c.mu.Lock()
			if gen != c.generation {
				c.mu.Unlock()
				return
			}
			c.closeConnLocked()
			c.state = StateClosed
			c.attempts = 0
			c.mu.Unlock()
			c.notifyState(StateClosed)
			c.log.Warn().Err(err).Msg("liveness check failed; reconnecting")
			c.Connect()
			return
		}
	}
}

func (c *Client) closeConnLocked() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "client closing")
		c.conn = nil
	}
}

func (c *Client) notifyState(s State) {
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}

func (c *Client) dialWebsocket(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

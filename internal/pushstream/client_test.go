package pushstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

type fakeConn struct {
	pingErr error
	frames  chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn(pingErr error) *fakeConn {
	return &fakeConn{
		pingErr: pingErr,
		frames:  make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	case data := <-f.frames:
		return websocket.MessageText, data, nil
	}
}

func (f *fakeConn) Ping(ctx context.Context) error {
	return f.pingErr
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) push(data []byte) {
	f.frames <- data
}

type fakeDialer struct {
	mu           sync.Mutex
	dials        int
	dialErr      error
	firstPingErr error
	conns        []*fakeConn
}

func (d *fakeDialer) dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	var pingErr error
	if len(d.conns) == 0 {
		pingErr = d.firstPingErr
	}
	conn := newFakeConn(pingErr)
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func newTestClient(t *testing.T, opts ClientOptions) *Client {
	t.Helper()
	if opts.BaseRetryDelay == 0 {
		opts.BaseRetryDelay = time.Millisecond
	}
	if opts.LivenessInterval == 0 {
		opts.LivenessInterval = time.Hour
	}
	opts.Logger = zerolog.Nop()
	c, err := NewClient(opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func eventFrame(tag, message string) []byte {
	return []byte(fmt.Sprintf(`{"tag":%q,"payload":{"message":%q,"createdAt":"2026-08-30T10:00:00Z"}}`, tag, message))
}

func handshakeFrame() []byte {
	return []byte(`{"tag":"handshake","payload":{}}`)
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	if _, err := NewClient(ClientOptions{}); err == nil {
		t.Fatal("expected error for missing URL and dial func")
	}
}

func TestEligibilityGate(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, ClientOptions{Dial: d.dial})

	c.SetAuth(true, "")
	c.SetAuth(false, "ada")
	c.SetAuth(true, "   ")
	time.Sleep(20 * time.Millisecond)
	if got := d.dialCount(); got != 0 {
		t.Fatalf("ineligible client dialed %d times", got)
	}

	c.SetAuth(true, "ada")
	waitFor(t, func() bool { return d.dialCount() == 1 }, "first dial")
}

func TestConnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, ClientOptions{Dial: d.dial})

	c.SetAuth(true, "ada")
	c.Connect()
	c.Connect()
	waitFor(t, func() bool { return d.dialCount() == 1 }, "dial")
	time.Sleep(20 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Fatalf("connect while connecting dialed again: %d dials", got)
	}
}

func TestHandshakeOpensStream(t *testing.T) {
	d := &fakeDialer{}
	var handshakes atomic.Int32
	c := newTestClient(t, ClientOptions{
		Dial:        d.dial,
		OnHandshake: func() { handshakes.Add(1) },
	})

	c.SetAuth(true, "ada")
	waitFor(t, func() bool { return d.conn(0) != nil }, "connection")
	d.conn(0).push(handshakeFrame())

	waitFor(t, func() bool { return c.State() == StateOpen }, "open state")
	waitFor(t, func() bool { return handshakes.Load() == 1 }, "handshake callback")
}

func TestDispatchDeliversOnceAndDropsMalformed(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, ClientOptions{Dial: d.dial})

	var mu sync.Mutex
	var got []Payload
	c.Register("comment_reply", func(tag string, p Payload) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})

	c.SetAuth(true, "ada")
	waitFor(t, func() bool { return d.conn(0) != nil }, "connection")
	conn := d.conn(0)

	conn.push(handshakeFrame())
	conn.push([]byte(`not json`))
	conn.push([]byte(`{"tag":"comment_reply","payload":{"url":"/p"}}`)) // missing required fields
	conn.push(eventFrame("mystery_tag", "nobody listens"))
	conn.push(eventFrame("comment_reply", "hello"))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "dispatched event")

	mu.Lock()
	defer mu.Unlock()
	if got[0].Message != "hello" {
		t.Fatalf("payload message = %q, want %q", got[0].Message, "hello")
	}
	if c.State() != StateOpen {
		t.Fatalf("state = %v after malformed frames, want open", c.State())
	}
}

func TestReconnectGivesUpAfterCap(t *testing.T) {
	d := &fakeDialer{dialErr: errors.New("refused")}
	c := newTestClient(t, ClientOptions{Dial: d.dial, MaxRetries: 3})

	c.SetAuth(true, "ada")
	// Initial attempt plus three retries.
	waitFor(t, func() bool { return d.dialCount() == 4 }, "retries")
	time.Sleep(30 * time.Millisecond)
	if got := d.dialCount(); got != 4 {
		t.Fatalf("dialed %d times past the retry cap", got)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %v after giving up, want closed", c.State())
	}

	// An explicit connect resets the attempt counter and tries again.
	c.Connect()
	waitFor(t, func() bool { return d.dialCount() >= 5 }, "revival dial")
}

func TestDisconnectClearsDispatchers(t *testing.T) {
	d := &fakeDialer{}
	var delivered atomic.Int32
	c := newTestClient(t, ClientOptions{Dial: d.dial})
	c.Register("admin", func(string, Payload) { delivered.Add(1) })

	c.SetAuth(true, "ada")
	waitFor(t, func() bool { return d.conn(0) != nil }, "first connection")
	c.Disconnect()
	if c.State() != StateDisconnected {
		t.Fatalf("state = %v after disconnect", c.State())
	}

	// A new session without re-registering must not deliver old tags.
	c.SetAuth(true, "ada")
	waitFor(t, func() bool { return d.conn(1) != nil }, "second connection")
	d.conn(1).push(eventFrame("admin", "stale"))
	time.Sleep(30 * time.Millisecond)
	if got := delivered.Load(); got != 0 {
		t.Fatalf("cleared dispatcher still delivered %d events", got)
	}
}

func TestLivenessFailureTriggersReconnect(t *testing.T) {
	d := &fakeDialer{firstPingErr: errors.New("ping timeout")}
	c := newTestClient(t, ClientOptions{Dial: d.dial, LivenessInterval: 5 * time.Millisecond})

	c.SetAuth(true, "ada")
	waitFor(t, func() bool { return d.dialCount() >= 2 }, "reconnect after failed ping")
	waitFor(t, func() bool { return d.conn(1) != nil }, "healthy connection")
	d.conn(1).push(handshakeFrame())
	waitFor(t, func() bool { return c.State() == StateOpen }, "open after reconnect")
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateOpen:         "open",
		StateClosed:       "closed",
		State(42):         "state(42)",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}

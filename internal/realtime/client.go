package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"backend-deliverytrack/internal/route"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the connection state of a tracking session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

const (
	defaultRetryAttempts = 5
	defaultRetryDelay    = 2 * time.Second
	defaultDialTimeout   = 10 * time.Second
)

// Options configures a tracking client. DeliveryID and Token are immutable
// for the client's lifetime; Start is a no-op while either is empty.
type Options struct {
	BroadcastURL string
	DeliveryID   string
	Token        string

	OnLocation    func(route.Point)
	OnError       func(string)
	OnStateChange func(State)

	// RetryAttempts redials after an abnormal disconnect are spaced by the
	// fixed RetryDelay. A dial failure on an explicit Start is reported and
	// left to the caller (Reconnect).
	RetryAttempts int
	RetryDelay    time.Duration
	DialTimeout   time.Duration
}

// Client owns exactly one channel to the location-broadcast service and the
// route history accumulated from it. One client per tracked delivery view.
type Client struct {
	opts    Options
	history *route.History

	mu         sync.Mutex
	sessionID  string
	generation int
	state      State
	lastError  string
	conn       *websocket.Conn

	// gorilla conns allow one concurrent writer; writeMu serializes the
	// join envelope against the close frame sent from Stop
	writeMu sync.Mutex
}

// Snapshot is the connection-health view consumed by the rendering layer.
type Snapshot struct {
	Connected    bool         `json:"connected"`
	LastError    string       `json:"last_error,omitempty"`
	LastLocation *route.Point `json:"last_location,omitempty"`
}

func NewClient(opts Options) *Client {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = defaultRetryAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	return &Client{
		opts:    opts,
		history: route.NewHistory(),
		state:   StateDisconnected,
	}
}

// Start opens the channel. It is a no-op when the delivery id or token is
// missing, and idempotent while a session is already connecting or
// connected, so re-invocations cannot stack up duplicate channels.
func (c *Client) Start() {
	if c.opts.DeliveryID == "" || c.opts.Token == "" {
		return
	}

	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.generation++
	gen := c.generation
	if c.sessionID == "" {
		c.sessionID = uuid.NewString()
	}
	c.state = StateConnecting
	cb := c.opts.OnStateChange
	c.mu.Unlock()

	if cb != nil {
		cb(StateConnecting)
	}
	go c.run(gen)
}

// Stop tears the session down. Idempotent and safe from an unmount path:
// the generation bump happens before the conn is closed, so once Stop
// returns no in-flight event from the old channel can mutate state.
func (c *Client) Stop() {
	c.mu.Lock()
	c.generation++
	conn := c.conn
	c.conn = nil
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	c.lastError = ""
	cb := c.opts.OnStateChange
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if changed && cb != nil {
		cb(StateDisconnected)
	}
}

// Reconnect force-closes the current channel and redials with the same
// credentials. Manual recovery only; automatic retry after a dropped
// connection is handled by the transport loop.
func (c *Client) Reconnect() {
	c.Stop()
	c.Start()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// History exposes the accumulated route for map-state derivation.
func (c *Client) History() *route.History {
	return c.history
}

// LastLocation returns the most recent accepted position.
func (c *Client) LastLocation() (route.Point, bool) {
	return c.history.LastPoint()
}

func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		Connected: c.state == StateConnected,
		LastError: c.lastError,
	}
	c.mu.Unlock()

	if last, ok := c.history.LastPoint(); ok {
		s.LastLocation = &last
	}
	return s
}

// run drives one session generation: dial, pump, and bounded fixed-delay
// redials after abnormal disconnects.
func (c *Client) run(gen int) {
	conn, err := c.dial()
	if err != nil {
		log.Printf("realtime: dial %s: %v", c.opts.BroadcastURL, err)
		c.dispatch(gen, eventConnectError, nil)
		return
	}

	for {
		if !c.adopt(gen, conn) {
			_ = conn.Close()
			return
		}
		c.dispatch(gen, eventConnect, nil)

		normal := c.readPump(gen, conn)
		c.dispatch(gen, eventDisconnect, nil)
		if normal {
			return
		}

		conn = c.redial(gen)
		if conn == nil {
			return
		}
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Token)

	conn, _, err := dialer.Dial(c.opts.BroadcastURL, header)
	return conn, err
}

// adopt installs the conn for the given generation; false when the session
// was stopped or replaced while dialing.
func (c *Client) adopt(gen int, conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return false
	}
	c.conn = conn
	return true
}

// readPump reads frames until the conn dies. Returns true when the closure
// was clean (or the session generation moved on) and no redial should
// happen.
func (c *Client) readPump(gen int, conn *websocket.Conn) bool {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true
			}
			c.mu.Lock()
			stale := gen != c.generation
			c.mu.Unlock()
			return stale
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			// not an envelope; drop the frame
			continue
		}
		c.dispatch(gen, env.Event, env.Data)
	}
}

// redial attempts bounded reconnection with a fixed delay, reusing the same
// credentials. Exhausting the attempts surfaces a connect error.
func (c *Client) redial(gen int) *websocket.Conn {
	for attempt := 1; attempt <= c.opts.RetryAttempts; attempt++ {
		time.Sleep(c.opts.RetryDelay)

		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return nil
		}
		c.state = StateConnecting
		cb := c.opts.OnStateChange
		c.mu.Unlock()
		if cb != nil {
			cb(StateConnecting)
		}

		conn, err := c.dial()
		if err == nil {
			return conn
		}
		log.Printf("realtime: redial attempt %d/%d failed: %v", attempt, c.opts.RetryAttempts, err)
	}
	c.dispatch(gen, eventConnectError, nil)
	return nil
}

// dispatch routes one inbound event through the handler table. Events from
// a stale generation are discarded before any handler runs, which is what
// makes Stop final.
func (c *Client) dispatch(gen int, event string, data json.RawMessage) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	h, ok := eventHandlers[event]
	if !ok {
		c.mu.Unlock()
		log.Printf("realtime: ignoring unknown event %q", event)
		return
	}

	before := c.state
	after := h(c, data)
	changed := c.state != before
	state := c.state
	stateCb := c.opts.OnStateChange
	c.mu.Unlock()

	if changed && stateCb != nil {
		stateCb(state)
	}
	if after != nil {
		after()
	}
}

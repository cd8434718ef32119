package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"backend-deliverytrack/internal/route"

	"github.com/gorilla/websocket"
)

// stubServer is a minimal location-broadcast endpoint: it requires a bearer
// header on upgrade, answers join envelopes with a joined ack and lets the
// test push location frames to every connected client.
type stubServer struct {
	srv   *httptest.Server
	joins chan string

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newStubServer(t *testing.T) *stubServer {
	t.Helper()
	s := &stubServer{joins: make(chan string, 8)}
	upgrader := websocket.Upgrader{}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		go func() {
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var env envelope
				if json.Unmarshal(msg, &env) != nil {
					continue
				}
				if env.Event == eventJoin {
					var p joinPayload
					_ = json.Unmarshal(env.Data, &p)
					s.joins <- p.DeliveryID
					s.write(conn, envelope{Event: eventJoined, Data: env.Data})
				}
			}
		}()
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *stubServer) write(conn *websocket.Conn, env envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = conn.WriteJSON(env)
}

func (s *stubServer) push(t *testing.T, body string) {
	t.Helper()
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, conn := range conns {
		s.write(conn, envelope{Event: eventLocation, Data: json.RawMessage(body)})
	}
}

func (s *stubServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func locationJSON(lat, lng float64) json.RawMessage {
	raw, _ := json.Marshal(map[string]float64{"latitude": lat, "longitude": lng})
	return raw
}

func TestStartNoopWithoutToken(t *testing.T) {
	c := NewClient(Options{BroadcastURL: "ws://localhost:1/ws", DeliveryID: "DLV-1"})
	c.Start()
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %v", c.State())
	}

	c = NewClient(Options{BroadcastURL: "ws://localhost:1/ws", Token: "token"})
	c.Start()
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %v", c.State())
	}
}

func TestDispatchOrderPreservation(t *testing.T) {
	var got []route.Point
	c := NewClient(Options{
		DeliveryID: "DLV-1",
		Token:      "token",
		OnLocation: func(p route.Point) { got = append(got, p) },
	})

	coords := [][2]float64{{-23.5505, -46.6333}, {-23.2, -45.9}, {-22.9068, -43.1729}}
	for _, xy := range coords {
		c.dispatch(0, eventLocation, locationJSON(xy[0], xy[1]))
	}

	points := c.History().Points()
	if len(points) != 3 || len(got) != 3 {
		t.Fatalf("expected 3 points, history=%d callbacks=%d", len(points), len(got))
	}
	for i := range coords {
		if points[i].Latitude != coords[i][0] || points[i].Longitude != coords[i][1] {
			t.Fatalf("point %d out of order: %+v", i, points[i])
		}
		if got[i].Seq != i {
			t.Fatalf("callback %d carried seq %d", i, got[i].Seq)
		}
	}
}

func TestMalformedLocationDropped(t *testing.T) {
	c := NewClient(Options{DeliveryID: "DLV-1", Token: "token"})

	c.dispatch(0, eventLocation, locationJSON(-23.5505, -46.6333))
	c.dispatch(0, eventLocation, json.RawMessage(`{"latitude":"abc","longitude":-43.1}`))
	c.dispatch(0, eventLocation, json.RawMessage(`{"latitude":-22.9}`))
	c.dispatch(0, eventLocation, json.RawMessage(`{"latitude":null,"longitude":-43.1}`))
	c.dispatch(0, eventLocation, json.RawMessage(`not even json`))
	c.dispatch(0, eventLocation, locationJSON(-22.9068, -43.1729))

	points := c.History().Points()
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	if points[0].Latitude != -23.5505 || points[1].Latitude != -22.9068 {
		t.Fatalf("valid points out of order: %+v", points)
	}
}

func TestConnectErrorTransition(t *testing.T) {
	errs := 0
	c := NewClient(Options{
		DeliveryID: "DLV-1",
		Token:      "token",
		OnError:    func(string) { errs++ },
	})

	c.dispatch(0, eventConnectError, nil)

	if c.State() != StateError {
		t.Fatalf("expected error state, got %v", c.State())
	}
	if c.LastError() == "" {
		t.Fatalf("expected last error to be set")
	}
	if errs != 1 {
		t.Fatalf("expected error callback exactly once, got %d", errs)
	}
}

func TestExceptionMessages(t *testing.T) {
	var msgs []string
	c := NewClient(Options{
		DeliveryID: "DLV-1",
		Token:      "token",
		OnError:    func(m string) { msgs = append(msgs, m) },
	})

	c.dispatch(0, eventException, nil)
	c.dispatch(0, eventException, json.RawMessage(`{"message":"room closed"}`))

	if len(msgs) != 2 {
		t.Fatalf("expected 2 error callbacks, got %d", len(msgs))
	}
	if msgs[0] != "server error" {
		t.Fatalf("expected defaulted message, got %q", msgs[0])
	}
	if msgs[1] != "room closed" {
		t.Fatalf("expected payload message, got %q", msgs[1])
	}
	if c.LastError() != "room closed" {
		t.Fatalf("unexpected last error: %q", c.LastError())
	}
	if c.State() != StateError {
		t.Fatalf("expected error state, got %v", c.State())
	}
}

func TestConnectClearsLastError(t *testing.T) {
	c := NewClient(Options{DeliveryID: "DLV-1", Token: "token"})

	c.dispatch(0, eventConnectError, nil)
	c.dispatch(0, eventConnect, nil)

	if c.State() != StateConnected {
		t.Fatalf("expected connected state, got %v", c.State())
	}
	if c.LastError() != "" {
		t.Fatalf("expected last error cleared, got %q", c.LastError())
	}

	c.dispatch(0, eventDisconnect, nil)
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %v", c.State())
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	c := NewClient(Options{DeliveryID: "DLV-1", Token: "token"})
	c.dispatch(0, "mystery", json.RawMessage(`{"x":1}`))
	if c.State() != StateDisconnected || c.History().Len() != 0 {
		t.Fatalf("unknown event must not change state")
	}
}

func TestStopTeardownFinality(t *testing.T) {
	c := NewClient(Options{DeliveryID: "DLV-1", Token: "token"})

	c.dispatch(0, eventConnect, nil)
	c.dispatch(0, eventLocation, locationJSON(-23.5505, -46.6333))
	c.Stop()

	// events from the old session generation must be discarded
	c.dispatch(0, eventLocation, locationJSON(-22.9068, -43.1729))
	c.dispatch(0, eventConnect, nil)
	c.dispatch(0, eventException, json.RawMessage(`{"message":"late"}`))

	if c.History().Len() != 1 {
		t.Fatalf("expected history frozen at 1 point, got %d", c.History().Len())
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %v", c.State())
	}
	if c.LastError() != "" {
		t.Fatalf("expected last error cleared, got %q", c.LastError())
	}

	// and Stop stays idempotent
	c.Stop()
	c.Stop()
}

func TestStartConnectsAndTracks(t *testing.T) {
	srv := newStubServer(t)

	var mu sync.Mutex
	var states []State
	var points []route.Point

	c := NewClient(Options{
		BroadcastURL: srv.url(),
		DeliveryID:   "DLV-42",
		Token:        "token",
		OnStateChange: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
		OnLocation: func(p route.Point) {
			mu.Lock()
			points = append(points, p)
			mu.Unlock()
		},
	})
	defer c.Stop()

	c.Start()

	select {
	case id := <-srv.joins:
		if id != "DLV-42" {
			t.Fatalf("joined wrong room: %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for join")
	}
	waitFor(t, func() bool { return c.IsConnected() })

	srv.push(t, `{"latitude":-23.5505,"longitude":-46.6333}`)
	srv.push(t, `{"latitude":-23.2000,"longitude":-45.9000}`)
	srv.push(t, `{"latitude":-22.9068,"longitude":-43.1729}`)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(points) == 3
	})

	last, ok := c.History().LastPoint()
	if !ok || last.Latitude != -22.9068 || last.Longitude != -43.1729 {
		t.Fatalf("unexpected last point: %+v", last)
	}
	if c.History().Len() != 3 {
		t.Fatalf("expected 3 points, got %d", c.History().Len())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 2 || states[0] != StateConnecting || states[1] != StateConnected {
		t.Fatalf("unexpected state transitions: %v", states)
	}
}

func TestStartIdempotentWhileConnected(t *testing.T) {
	srv := newStubServer(t)

	var mu sync.Mutex
	received := 0
	c := NewClient(Options{
		BroadcastURL: srv.url(),
		DeliveryID:   "DLV-7",
		Token:        "token",
		OnLocation: func(route.Point) {
			mu.Lock()
			received++
			mu.Unlock()
		},
	})
	defer c.Stop()

	c.Start()
	waitFor(t, func() bool { return c.IsConnected() })

	c.Start()
	c.Start()
	time.Sleep(50 * time.Millisecond)

	if n := srv.connCount(); n != 1 {
		t.Fatalf("expected exactly one channel, got %d", n)
	}

	srv.push(t, `{"latitude":-23.5505,"longitude":-46.6333}`)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received >= 1
	})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if received != 1 {
		t.Fatalf("expected a single delivery of the update, got %d", received)
	}
}

func TestStopFreezesLiveSession(t *testing.T) {
	srv := newStubServer(t)

	c := NewClient(Options{
		BroadcastURL: srv.url(),
		DeliveryID:   "DLV-9",
		Token:        "token",
	})

	c.Start()
	waitFor(t, func() bool { return c.IsConnected() })

	srv.push(t, `{"latitude":-23.5505,"longitude":-46.6333}`)
	waitFor(t, func() bool { return c.History().Len() == 1 })

	c.Stop()
	srv.push(t, `{"latitude":-22.9068,"longitude":-43.1729}`)
	time.Sleep(100 * time.Millisecond)

	if c.History().Len() != 1 {
		t.Fatalf("expected history frozen after stop, got %d points", c.History().Len())
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %v", c.State())
	}
}

func TestStopDuringConnectIsSafe(t *testing.T) {
	srv := newStubServer(t)

	// Stop sends a close frame from the caller's goroutine while the
	// session goroutine may be writing the join envelope; cycling the pair
	// rapidly exercises that overlap.
	for i := 0; i < 20; i++ {
		c := NewClient(Options{
			BroadcastURL: srv.url(),
			DeliveryID:   "DLV-11",
			Token:        "token",
		})
		c.Start()
		c.Stop()
	}
}

func TestReconnectKeepsHistory(t *testing.T) {
	srv := newStubServer(t)

	c := NewClient(Options{
		BroadcastURL: srv.url(),
		DeliveryID:   "DLV-3",
		Token:        "token",
	})
	defer c.Stop()

	c.Start()
	<-srv.joins
	waitFor(t, func() bool { return c.IsConnected() })

	srv.push(t, `{"latitude":-23.5505,"longitude":-46.6333}`)
	waitFor(t, func() bool { return c.History().Len() == 1 })

	c.Reconnect()

	select {
	case <-srv.joins:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for rejoin")
	}
	waitFor(t, func() bool { return c.IsConnected() })

	if c.History().Len() != 1 {
		t.Fatalf("reconnect must keep the session history, got %d points", c.History().Len())
	}
}

func TestDialFailureSurfacesError(t *testing.T) {
	errCh := make(chan string, 1)
	c := NewClient(Options{
		BroadcastURL: "ws://127.0.0.1:1/ws",
		DeliveryID:   "DLV-1",
		Token:        "token",
		DialTimeout:  200 * time.Millisecond,
		OnError:      func(m string) { errCh <- m },
	})
	defer c.Stop()

	c.Start()

	select {
	case msg := <-errCh:
		if msg != "connection error" {
			t.Fatalf("unexpected error message: %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for error callback")
	}
	if c.State() != StateError {
		t.Fatalf("expected error state, got %v", c.State())
	}
}

func TestSnapshot(t *testing.T) {
	c := NewClient(Options{DeliveryID: "DLV-1", Token: "token"})

	s := c.Snapshot()
	if s.Connected || s.LastLocation != nil {
		t.Fatalf("unexpected snapshot for idle client: %+v", s)
	}

	c.dispatch(0, eventConnect, nil)
	c.dispatch(0, eventLocation, locationJSON(-23.5505, -46.6333))

	s = c.Snapshot()
	if !s.Connected {
		t.Fatalf("expected connected snapshot")
	}
	if s.LastLocation == nil || s.LastLocation.Latitude != -23.5505 {
		t.Fatalf("unexpected last location: %+v", s.LastLocation)
	}

	last, ok := c.LastLocation()
	if !ok || last.Longitude != -46.6333 {
		t.Fatalf("unexpected last location: %+v", last)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateError:        "error",
	}
	for state, want := range cases {
		if state.String() != want {
			t.Fatalf("expected %q, got %q", want, state.String())
		}
	}
}

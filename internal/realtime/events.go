package realtime

import (
	"encoding/json"
	"log"
	"math"
)

// Wire protocol: every frame on the channel is a small JSON envelope tagged
// with an event name. Transport lifecycle transitions (connect,
// connect_error, disconnect) are routed through the same dispatch table as
// server-sent events so the whole mapping is testable without a live
// connection.
const (
	eventConnect      = "connect"
	eventConnectError = "connect_error"
	eventDisconnect   = "disconnect"
	eventJoin         = "join"
	eventJoined       = "joined"
	eventLocation     = "location"
	eventException    = "exception"
)

const (
	connectErrorMessage = "connection error"
	defaultErrorMessage = "server error"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type joinPayload struct {
	DeliveryID string `json:"delivery_id"`
}

type locationPayload struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type exceptionPayload struct {
	Message string `json:"message"`
}

// eventHandlers maps an inbound event to its state transition. Handlers run
// with the client mutex held and return the callback (if any) to invoke
// after the mutex is released.
var eventHandlers = map[string]func(*Client, json.RawMessage) func(){
	eventConnect:      (*Client).handleConnect,
	eventConnectError: (*Client).handleConnectError,
	eventDisconnect:   (*Client).handleDisconnect,
	eventJoined:       (*Client).handleJoined,
	eventLocation:     (*Client).handleLocation,
	eventException:    (*Client).handleException,
}

func (c *Client) handleConnect(json.RawMessage) func() {
	c.state = StateConnected
	c.lastError = ""

	conn := c.conn
	if conn == nil {
		return nil
	}
	deliveryID := c.opts.DeliveryID
	return func() {
		data, _ := json.Marshal(joinPayload{DeliveryID: deliveryID})
		c.writeMu.Lock()
		err := conn.WriteJSON(envelope{Event: eventJoin, Data: data})
		c.writeMu.Unlock()
		if err != nil {
			log.Printf("realtime: join request failed: %v", err)
		}
	}
}

func (c *Client) handleConnectError(json.RawMessage) func() {
	c.state = StateError
	c.lastError = connectErrorMessage

	cb := c.opts.OnError
	if cb == nil {
		return nil
	}
	return func() { cb(connectErrorMessage) }
}

func (c *Client) handleDisconnect(json.RawMessage) func() {
	c.state = StateDisconnected
	return nil
}

func (c *Client) handleJoined(json.RawMessage) func() {
	log.Printf("realtime: joined room for delivery %s", c.opts.DeliveryID)
	return nil
}

// handleLocation validates and appends one position update. Malformed
// payloads are dropped without surfacing an error: the feed is not under
// this client's control and a bad frame must never take the view down.
func (c *Client) handleLocation(data json.RawMessage) func() {
	var p locationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	if !finite(p.Latitude) || !finite(p.Longitude) {
		return nil
	}

	pt := c.history.Append(*p.Latitude, *p.Longitude)
	cb := c.opts.OnLocation
	if cb == nil {
		return nil
	}
	return func() { cb(pt) }
}

func (c *Client) handleException(data json.RawMessage) func() {
	msg := defaultErrorMessage
	var p exceptionPayload
	if len(data) > 0 && json.Unmarshal(data, &p) == nil && p.Message != "" {
		msg = p.Message
	}
	c.state = StateError
	c.lastError = msg

	cb := c.opts.OnError
	if cb == nil {
		return nil
	}
	return func() { cb(msg) }
}

func finite(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

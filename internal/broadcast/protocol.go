package broadcast

import "encoding/json"

// Wire envelope shared with tracking clients. Every frame on a channel is
// tagged with an event name; payloads ride in data.
const (
	eventJoin      = "join"
	eventJoined    = "joined"
	eventLocation  = "location"
	eventException = "exception"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type joinPayload struct {
	DeliveryID string `json:"delivery_id"`
}

type locationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type exceptionPayload struct {
	Message string `json:"message"`
}

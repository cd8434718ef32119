package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Hub fans location traffic out to the clients subscribed to each delivery
// room. With a redis client configured, publishes go through redis pub/sub
// so multiple simulator instances share rooms; without one, fan-out stays
// in-process.
type Hub struct {
	redis *redis.Client
	rooms map[string]map[*Subscriber]struct{}
	mu    sync.RWMutex
}

type Subscriber struct {
	DeliveryID string
	Send       chan []byte
}

func NewHub(redisClient *redis.Client) *Hub {
	h := &Hub{
		redis: redisClient,
		rooms: map[string]map[*Subscriber]struct{}{},
	}

	if redisClient != nil {
		go h.subscribeRedis()
	}
	return h
}

func (h *Hub) Register(deliveryID string) *Subscriber {
	sub := &Subscriber{
		DeliveryID: deliveryID,
		Send:       make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[deliveryID] == nil {
		h.rooms[deliveryID] = map[*Subscriber]struct{}{}
	}
	h.rooms[deliveryID][sub] = struct{}{}
	return sub
}

func (h *Hub) Unregister(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[sub.DeliveryID]; ok {
		delete(room, sub)
		if len(room) == 0 {
			delete(h.rooms, sub.DeliveryID)
		}
	}
	close(sub.Send)
}

// Publish sends a raw frame to every subscriber of the delivery's room.
func (h *Hub) Publish(deliveryID string, payload []byte) {
	if h.redis != nil {
		err := h.redis.Publish(context.Background(), deliveryChannel(deliveryID), payload).Err()
		if err == nil {
			return
		}
		// redis down: still deliver to the local room
		log.Printf("broadcast: redis publish error: %v", err)
	}
	h.fanOut(deliveryID, payload)
}

// PublishLocation wraps a position in the wire envelope and publishes it.
func (h *Hub) PublishLocation(deliveryID string, lat, lng float64) {
	data, _ := json.Marshal(locationPayload{Latitude: lat, Longitude: lng})
	frame, _ := json.Marshal(envelope{Event: eventLocation, Data: data})
	h.Publish(deliveryID, frame)
}

// PublishException pushes a server-side error to the delivery's room.
func (h *Hub) PublishException(deliveryID, message string) {
	data, _ := json.Marshal(exceptionPayload{Message: message})
	frame, _ := json.Marshal(envelope{Event: eventException, Data: data})
	h.Publish(deliveryID, frame)
}

// RoomSize reports how many subscribers a delivery room currently has.
func (h *Hub) RoomSize(deliveryID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[deliveryID])
}

// fanOut holds the read lock across the whole loop: Unregister closes
// sub.Send under the write lock, so delivering inside the read lock can
// never race the close or the room-map mutation. The sends are
// non-blocking, so the lock is never held on a full buffer.
func (h *Hub) fanOut(deliveryID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.rooms[deliveryID] {
		select {
		case sub.Send <- payload:
		default:
		}
	}
}

func (h *Hub) subscribeRedis() {
	ctx := context.Background()
	pubsub := h.redis.PSubscribe(ctx, "delivery:*:locations")
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		deliveryID := deliveryIDFromChannel(msg.Channel)
		if deliveryID == "" {
			continue
		}
		h.fanOut(deliveryID, []byte(msg.Payload))
	}
}

func deliveryChannel(deliveryID string) string {
	return "delivery:" + deliveryID + ":locations"
}

func deliveryIDFromChannel(ch string) string {
	// delivery:{id}:locations
	const prefix = "delivery:"
	const suffix = ":locations"
	if !strings.HasPrefix(ch, prefix) || !strings.HasSuffix(ch, suffix) {
		return ""
	}
	if len(ch) <= len(prefix)+len(suffix) {
		return ""
	}
	return ch[len(prefix) : len(ch)-len(suffix)]
}

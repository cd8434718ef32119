package route

import (
	"sync"
	"time"

	"backend-deliverytrack/internal/shared/geo"
)

// Point is one accepted location update. The upstream feed carries neither a
// timestamp nor a sequence number, so both are stamped on arrival.
type Point struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Seq        int       `json:"seq"`
	ReceivedAt time.Time `json:"received_at"`
}

// History is the append-only position history for one tracking session.
// Points are kept in arrival order and never mutated or reordered.
type History struct {
	mu     sync.Mutex
	points []Point
}

func NewHistory() *History {
	return &History{}
}

// Append adds a point at the end of the history and returns it with its
// arrival stamp filled in.
func (h *History) Append(lat, lng float64) Point {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := Point{
		Latitude:   lat,
		Longitude:  lng,
		Seq:        len(h.points),
		ReceivedAt: time.Now(),
	}
	h.points = append(h.points, p)
	return p
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.points)
}

// Points returns a copy of the history in arrival order.
func (h *History) Points() []Point {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Point, len(h.points))
	copy(out, h.points)
	return out
}

// LastPoint returns the most recently appended point. The second return is
// false when the history is empty.
func (h *History) LastPoint() (Point, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.points) == 0 {
		return Point{}, false
	}
	return h.points[len(h.points)-1], true
}

// TotalDistanceKm sums the great-circle distance between consecutive points.
// Recomputed over the full sequence on every call; per-session point counts
// stay small enough that the O(n) walk is cheaper than keeping a cache
// correct.
func (h *History) TotalDistanceKm() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	var total float64
	for i := 1; i < len(h.points); i++ {
		prev, cur := h.points[i-1], h.points[i]
		total += geo.HaversineKm(prev.Latitude, prev.Longitude, cur.Latitude, cur.Longitude)
	}
	return total
}

// BoundingBox returns the box enclosing every point, used by the map layer
// to fit the viewport. A single-point history yields a degenerate box; the
// second return is false when the history is empty.
func (h *History) BoundingBox() (geo.Box, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.points) == 0 {
		return geo.Box{}, false
	}
	box := geo.NewBox(h.points[0].Latitude, h.points[0].Longitude)
	for _, p := range h.points[1:] {
		box.Extend(p.Latitude, p.Longitude)
	}
	return box, true
}

// Reset drops all points. Sequence numbering restarts from zero.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points = nil
}

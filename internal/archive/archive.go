package archive

import (
	"context"

	"backend-deliverytrack/internal/db"
	"backend-deliverytrack/internal/route"
	"backend-deliverytrack/internal/shared/geo"
)

// Service persists the route history of tracked deliveries so a finished
// delivery can be replayed after the live session is gone.
type Service struct {
	db db.Querier
}

func NewService(q db.Querier) *Service {
	return &Service{db: q}
}

// SavePoint appends a received position to the delivery's stored route.
func (s *Service) SavePoint(ctx context.Context, deliveryID string, pt route.Point) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO delivery_positions (delivery_id, seq, latitude, longitude, received_at)
		VALUES ($1,$2,$3,$4,$5)
	`, deliveryID, pt.Seq, pt.Latitude, pt.Longitude, pt.ReceivedAt)
	return err
}

// Route returns the stored positions for a delivery in arrival order.
func (s *Service) Route(ctx context.Context, deliveryID string) ([]route.Point, error) {
	rows, err := s.db.Query(ctx, `
		SELECT seq, latitude, longitude, received_at
		FROM delivery_positions
		WHERE delivery_id=$1
		ORDER BY seq
	`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []route.Point
	for rows.Next() {
		var p route.Point
		if err := rows.Scan(&p.Seq, &p.Latitude, &p.Longitude, &p.ReceivedAt); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

type Summary struct {
	DeliveryID string  `json:"delivery_id"`
	PointCount int     `json:"point_count"`
	DistanceKm float64 `json:"distance_km"`
}

// Summary loads a delivery's stored route and reports its point count and
// total travelled distance.
func (s *Service) Summary(ctx context.Context, deliveryID string) (Summary, error) {
	points, err := s.Route(ctx, deliveryID)
	if err != nil {
		return Summary{}, err
	}

	total := 0.0
	for i := 1; i < len(points); i++ {
		total += geo.HaversineKm(
			points[i-1].Latitude, points[i-1].Longitude,
			points[i].Latitude, points[i].Longitude,
		)
	}

	return Summary{
		DeliveryID: deliveryID,
		PointCount: len(points),
		DistanceKm: total,
	}, nil
}

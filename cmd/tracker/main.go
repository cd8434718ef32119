package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"backend-deliverytrack/internal/archive"
	"backend-deliverytrack/internal/config"
	"backend-deliverytrack/internal/db"
	"backend-deliverytrack/internal/delivery"
	"backend-deliverytrack/internal/realtime"
	"backend-deliverytrack/internal/route"

	"github.com/jackc/pgx/v5/pgxpool"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadConfig      func() config.Config
	connectPostgres func(config.Config) (*pgxpool.Pool, error)
	notify          func(chan<- os.Signal, ...os.Signal)
	run             func(context.Context, config.Config, *pgxpool.Pool, <-chan os.Signal) error
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig:      config.Load,
		connectPostgres: db.ConnectPostgres,
		notify:          signal.Notify,
		run:             Run,
	}
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()

	var pg *pgxpool.Pool
	if cfg.PostgresURL != "" {
		var err error
		pg, err = deps.connectPostgres(cfg)
		if err != nil {
			log.Printf("postgres connection failed, positions will not be archived: %v", err)
			pg = nil
		}
	}

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), cfg, pg, signals); err != nil {
		log.Printf("tracker exited with error: %v", err)
	}
}

var errMissingCredentials = errors.New("DELIVERY_ID and AUTH_TOKEN must be set")

var fetchDelivery = func(ctx context.Context, cfg config.Config) (delivery.Delivery, error) {
	return delivery.NewClient(cfg.APIBaseURL, cfg.AuthToken).Get(ctx, cfg.DeliveryID)
}

// Run follows one delivery until a termination signal arrives, printing each
// received position and, with postgres configured, archiving it.
func Run(ctx context.Context, cfg config.Config, pg *pgxpool.Pool, signals <-chan os.Signal) error {
	if cfg.DeliveryID == "" || cfg.AuthToken == "" {
		return errMissingCredentials
	}

	if cfg.APIBaseURL != "" {
		if d, err := fetchDelivery(ctx, cfg); err != nil {
			log.Printf("tracker: delivery details unavailable: %v", err)
		} else {
			log.Printf("tracker: following %s (%s) with courier %s", d.Code, d.Status, d.Courier.Name)
		}
	}

	var sink *archive.Service
	if pg != nil {
		sink = archive.NewService(pg)
	}

	client := realtime.NewClient(realtime.Options{
		BroadcastURL: cfg.BroadcastURL,
		DeliveryID:   cfg.DeliveryID,
		Token:        cfg.AuthToken,
		OnLocation: func(p route.Point) {
			log.Printf("tracker: position %d at (%.6f, %.6f)", p.Seq, p.Latitude, p.Longitude)
			if sink != nil {
				if err := sink.SavePoint(ctx, cfg.DeliveryID, p); err != nil {
					log.Printf("tracker: archive position: %v", err)
				}
			}
		},
		OnError: func(msg string) {
			log.Printf("tracker: channel error: %s", msg)
		},
		OnStateChange: func(s realtime.State) {
			log.Printf("tracker: channel %s", s)
		},
	})
	client.Start()
	defer client.Stop()

	select {
	case <-signals:
	case <-ctx.Done():
	}

	h := client.History()
	log.Printf("tracker: session closed after %d positions, %.2f km travelled",
		h.Len(), h.TotalDistanceKm())

	if pg != nil {
		pg.Close()
	}
	return nil
}

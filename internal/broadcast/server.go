package broadcast

import (
	"backend-deliverytrack/internal/config"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
)

// NewApp assembles the simulator fiber application.
func NewApp(cfg config.Config, redisClient *redis.Client) (*fiber.App, *Hub) {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	hub := NewHub(redisClient)
	RegisterRoutes(app, hub, cfg.JWTSecret)
	return app, hub
}

package broadcast

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// RegisterRoutes mounts the simulator endpoints: the websocket channel
// tracking clients dial, and the injection endpoints a courier feed (or a
// test) uses to push traffic into a room.
func RegisterRoutes(app *fiber.App, hub *Hub, secret string) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/ws", func(c *fiber.Ctx) error {
		if err := verifyBearer(c.Get("Authorization"), secret); err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return websocket.New(channelHandler(hub))(c)
	})

	app.Post("/deliveries/:id/location", func(c *fiber.Ctx) error {
		var req locationPayload
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		hub.PublishLocation(c.Params("id"), req.Latitude, req.Longitude)
		return c.SendStatus(fiber.StatusAccepted)
	})

	app.Post("/deliveries/:id/exception", func(c *fiber.Ctx) error {
		var req exceptionPayload
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		hub.PublishException(c.Params("id"), req.Message)
		return c.SendStatus(fiber.StatusAccepted)
	})
}

// channelHandler runs one client channel: the first frame must be a join
// envelope naming the delivery room; after the joined ack the connection
// only receives room traffic.
func channelHandler(hub *Hub) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		deliveryID, ok := awaitJoin(c)
		if !ok {
			return
		}

		ack, _ := json.Marshal(joinPayload{DeliveryID: deliveryID})
		if err := c.WriteJSON(envelope{Event: eventJoined, Data: ack}); err != nil {
			return
		}

		sub := hub.Register(deliveryID)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for frame := range sub.Send {
				if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			}
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}

		// unregister first: it closes sub.Send, which is what lets the
		// writer goroutine drain and exit
		hub.Unregister(sub)
		<-done
	}
}

func awaitJoin(c *websocket.Conn) (string, bool) {
	_, frame, err := c.ReadMessage()
	if err != nil {
		return "", false
	}

	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Event != eventJoin {
		data, _ := json.Marshal(exceptionPayload{Message: "expected join"})
		_ = c.WriteJSON(envelope{Event: eventException, Data: data})
		return "", false
	}

	var join joinPayload
	if err := json.Unmarshal(env.Data, &join); err != nil || join.DeliveryID == "" {
		data, _ := json.Marshal(exceptionPayload{Message: "missing delivery id"})
		_ = c.WriteJSON(envelope{Event: eventException, Data: data})
		return "", false
	}
	return join.DeliveryID, true
}

// Package gateway terminates remote realtime sockets and bridges them into
// the in-process broker. It speaks the same wire protocol the socket
// transport dials, so a registry in another process sees the broker as its
// transport.
package gateway

import (
	"strings"

	"github.com/fasthttp/websocket"
	"github.com/fleetlink/realtime/config"
	"github.com/fleetlink/realtime/src/broker"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// Gateway upgrades websocket connections and runs one session per socket.
type Gateway struct {
	broker   *broker.Broker
	cfg      *config.RealtimeConfig
	logger   zerolog.Logger
	upgrader websocket.FastHTTPUpgrader
}

// New creates a gateway over the given broker.
func New(b *broker.Broker, cfg *config.RealtimeConfig, logger zerolog.Logger) *Gateway {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Gateway{
		broker: b,
		cfg:    cfg,
		logger: logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
	}
}

// RegisterRoutes registers the informational routes via Fiber. The actual
// websocket upgrade uses FastHTTPHandler, registered at the app level since
// Fiber v3 does not expose *fasthttp.RequestCtx.
func (g *Gateway) RegisterRoutes(group fiber.Router) {
	group.Get("/ws/info", g.handleInfo)
	group.Get("/healthz", g.handleHealth)
}

func (g *Gateway) handleInfo(c fiber.Ctx) error {
	topics := g.broker.TopicCounts()
	return c.JSON(fiber.Map{
		"websocket": true,
		"endpoint":  "/ws",
		"channels":  len(topics),
	})
}

func (g *Gateway) handleHealth(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// FastHTTPHandler returns a raw fasthttp handler for websocket upgrades.
// Register this on the fasthttp server at the "/ws" path.
func (g *Gateway) FastHTTPHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		sessionID := uuid.New().String()
		err := g.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			s := newSession(sessionID, conn, g.broker, g.logger)
			s.run()
		})
		if err != nil {
			g.logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

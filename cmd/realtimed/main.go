// Command realtimed runs the realtime broker with its websocket gateway and,
// when Redis is reachable, the cross-instance broadcast relay.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetlink/realtime/config"
	"github.com/fleetlink/realtime/src/bridge"
	"github.com/fleetlink/realtime/src/broker"
	"github.com/fleetlink/realtime/src/gateway"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg := config.FromEnv()
	b := broker.New(logger)

	// Attempt the Redis relay; the broker runs standalone if unavailable.
	rcfg := bridge.RedisConfigFromEnv()
	rb := bridge.NewRedisBridge(rcfg, b, logger)
	bridgeUp := false
	if err := rb.Start(); err != nil {
		logger.Warn().Err(err).Msg("redis bridge unavailable, running standalone")
	} else {
		b.SetBridge(rb)
		bridgeUp = true
		logger.Info().Str("redis_addr", rcfg.Addr).Msg("redis bridge connected")
	}

	gw := gateway.New(b, cfg, logger)

	app := fiber.New()
	gw.RegisterRoutes(app.Group("/"))

	wsHandler := gw.FastHTTPHandler()
	appHandler := app.Handler()
	server := &fasthttp.Server{
		Name: "fleetlink-realtime",
		Handler: func(ctx *fasthttp.RequestCtx) {
			if string(ctx.Path()) == "/ws" {
				wsHandler(ctx)
				return
			}
			appHandler(ctx)
		},
		Concurrency:     cfg.MaxConnections,
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
	}

	addr := os.Getenv("REALTIME_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Info().Msg("shutting down")
		if bridgeUp {
			if err := rb.Stop(); err != nil {
				logger.Error().Err(err).Msg("bridge stop error")
			}
		}
		b.Close()
		_ = server.Shutdown()
	}()

	logger.Info().Str("addr", addr).Msg("realtime gateway listening")
	if err := server.ListenAndServe(addr); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

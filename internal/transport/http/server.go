// Package http exposes the broker over HTTP: the websocket duplex-stream
// endpoint plus a small REST surface for discovery and health.
package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mkovalev/wirehub/internal/auth"
	"github.com/mkovalev/wirehub/internal/broker"
	"github.com/mkovalev/wirehub/internal/config"
	"github.com/mkovalev/wirehub/internal/core"
)

// NewServer builds the broker's HTTP server. The websocket endpoint is
// mounted on the stdlib mux directly: the upgrade hijacks the connection
// and needs the raw ResponseWriter, so it must not pass through gin. gin
// serves the REST routes. When a JWT secret is configured the websocket and
// discovery endpoints sit behind the bearer-token gate; health stays open.
func NewServer(registry *core.Registry, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	features := broker.Features{
		PublicChannels:   cfg.Features.PublicChannels,
		ServerCommands:   cfg.Features.ServerCommands,
		SimpleQueries:    cfg.Features.SimpleQueries,
		ChannelPasswords: cfg.Features.ChannelPasswords,
	}

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	}

	router.GET("/health", healthHandler)

	guarded := router.Group("/")
	if jwtConfig.Enabled() {
		guarded.Use(BearerAuth(jwtConfig, logger))
	}
	guarded.GET("/channels", NewChannelsHandler(registry, cfg.Features.PublicChannels))

	wsHandler := NewWSHandler(registry, features, logger)
	if jwtConfig.Enabled() {
		wsHandler = RequireBearer(jwtConfig, logger, wsHandler)
	}

	mux := stdhttp.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.Handle("/", router)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}

package http

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
)

// Host is what the router exposes of a hosted session.
type Host interface {
	HandleSignal(c *gin.Context)
	Advertisement() (domain.SessionAdvertisement, bool)
	SessionCode() string
	Members() []domain.Member
	KickMember(id domain.DeviceID, reason string) error
}

// SetupRouter wires the WebSocket endpoint and the REST inspection API.
// - WebSocket upgrade lives at /ws
// - REST is under /api/*
func SetupRouter(mode string, host Host) *gin.Engine {
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET(protocol.SignalPath, host.HandleSignal)

	api := r.Group("/api")
	api.GET("/session", sessionHandler(host))
	api.GET("/members", membersHandler(host))
	api.DELETE("/members/:id", kickHandler(host))

	log.Info().Str("module", "adapters.http").Str("mode", mode).Msg("router setup")
	return r
}

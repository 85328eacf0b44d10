package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/Party/internal/adapters/signal"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
)

type KickRequest struct {
	Reason string `json:"reason"`
}

type SessionResponse struct {
	Session domain.SessionAdvertisement `json:"session"`
	Code    string                      `json:"code"`
}

type MembersResponse struct {
	Members []protocol.MemberInfo `json:"members"`
	Count   int                   `json:"count"`
}

const defaultKickReason = "removed by host"

// GET /api/session
func sessionHandler(host Host) gin.HandlerFunc {
	return func(c *gin.Context) {
		adv, ok := host.Advertisement()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no session hosted"})
			return
		}
		c.JSON(http.StatusOK, SessionResponse{Session: adv, Code: domain.FormatCode(host.SessionCode())})
	}
}

// GET /api/members
func membersHandler(host Host) gin.HandlerFunc {
	return func(c *gin.Context) {
		members := host.Members()
		infos := make([]protocol.MemberInfo, 0, len(members))
		for _, m := range members {
			infos = append(infos, protocol.MemberInfoFrom(m))
		}
		c.JSON(http.StatusOK, MembersResponse{Members: infos, Count: len(infos)})
	}
}

// DELETE /api/members/:id with an optional {"reason": "..."} body.
func kickHandler(host Host) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req KickRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
				return
			}
		}
		if req.Reason == "" {
			req.Reason = defaultKickReason
		}

		err := host.KickMember(domain.DeviceID(c.Param("id")), req.Reason)
		switch {
		case err == nil:
			c.Status(http.StatusNoContent)
		case errors.Is(err, signal.ErrCannotKickHost):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, signal.ErrMemberNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		}
	}
}

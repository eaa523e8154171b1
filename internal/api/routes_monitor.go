package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/netchan/internal/netchan"
	"github.com/energizer-project/netchan/internal/network"
)

const maxSessionLimit = 500

func (s *Server) handleListChannels(c *gin.Context) {
	endpoints := s.endpoints.Endpoints()

	channels := make([]network.ChannelStatus, 0, len(endpoints))
	for _, ep := range endpoints {
		channels = append(channels, ep.Status())
	}

	c.JSON(http.StatusOK, gin.H{
		"role":     s.role,
		"channels": channels,
		"total":    len(channels),
	})
}

func (s *Server) handleGetChannel(c *gin.Context) {
	ep, ok := s.endpoints.Endpoint(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	}
	c.JSON(http.StatusOK, ep.Status())
}

func (s *Server) handleListSessions(c *gin.Context) {
	if s.Sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session journal is disabled"})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxSessionLimit)
	}

	sessions, err := s.Sessions.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) handleEventCounts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": s.eventBus.Counts()})
}

type commandRequest struct {
	Text string `json:"text" binding:"required"`
}

type sidebandRequest struct {
	// Data is base64 in JSON.
	Data []byte `json:"data" binding:"required"`
}

func (s *Server) handleSendCommand(c *gin.Context) {
	ep, ok := s.endpoints.Endpoint(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	}

	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := ep.SendCommand(req.Text); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (s *Server) handleQueueSideband(c *gin.Context) {
	ep, ok := s.endpoints.Endpoint(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	}

	var req sidebandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := ep.QueueSideband(req.Data); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status": "queued",
		"length": len(req.Data),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, network.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, netchan.ErrBinaryMessageTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

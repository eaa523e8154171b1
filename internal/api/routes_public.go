package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/netchan/internal/util"
)

// Version is reported by the ping endpoint and the CLI banner.
const Version = "1.0.0"

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"service":  "netchan",
		"version":  Version,
		"role":     s.role,
		"uptime_s": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleHost(c *gin.Context) {
	c.JSON(http.StatusOK, util.GetHostInfo())
}

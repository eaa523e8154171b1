// Package api serves the HTTP status surface of a running channel role:
// live channel state, the session journal and a way to push reliable
// commands and sideband payloads into a channel from outside.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netchan/internal/config"
	"github.com/energizer-project/netchan/internal/db"
	"github.com/energizer-project/netchan/internal/events"
	"github.com/energizer-project/netchan/internal/network"
	"github.com/energizer-project/netchan/internal/util"
)

// SessionSource lists journal rows, newest first.
type SessionSource interface {
	Recent(limit int) ([]db.Session, error)
}

// Server is the status API.
type Server struct {
	cfg       *config.Config
	eventBus  *events.EventBus
	endpoints network.EndpointSource
	role      string
	startedAt time.Time

	// Sessions is optional; without it /api/sessions answers 503.
	Sessions SessionSource
	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler

	httpServer *http.Server
}

// NewServer creates an API server over the endpoints of the running role.
func NewServer(cfg *config.Config, eventBus *events.EventBus, endpoints network.EndpointSource, role string) *Server {
	if strings.EqualFold(cfg.GetApplicationData().Logging.Level, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:       cfg,
		eventBus:  eventBus,
		endpoints: endpoints,
		role:      role,
		startedAt: time.Now(),
	}
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetApplicationData().API
	addr := net.JoinHostPort(apiCfg.Address, strconv.Itoa(apiCfg.Port))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	if apiCfg.TLSEnabled {
		tlsConfig, err := loadTLS(apiCfg)
		if err != nil {
			ln.Close()
			return err
		}
		s.httpServer.TLSConfig = tlsConfig
		ln = tls.NewListener(ln, tlsConfig)
	}

	log.Info().Str("addr", addr).Bool("tls", apiCfg.TLSEnabled).Msg("status API starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// loadTLS loads the configured key pair, generating a self-signed one if
// the files do not exist yet.
func loadTLS(apiCfg config.APIConfig) (*tls.Config, error) {
	if !util.FileExists(apiCfg.TLSCertFile) || !util.FileExists(apiCfg.TLSKeyFile) {
		if err := util.GenerateSelfSignedCert(apiCfg.TLSCertFile, apiCfg.TLSKeyFile); err != nil {
			return nil, err
		}
	}

	cert, err := tls.LoadX509KeyPair(apiCfg.TLSCertFile, apiCfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load API TLS certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// Handler builds the router. Tests drive it through httptest.
func (s *Server) Handler() http.Handler {
	apiCfg := s.cfg.GetApplicationData().API

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(NewRateLimiter(apiCfg.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/host", s.handleHost)
	}

	monitor := router.Group("/api")
	{
		monitor.GET("/channels", s.handleListChannels)
		monitor.GET("/channels/:id", s.handleGetChannel)
		monitor.GET("/sessions", s.handleListSessions)
		monitor.GET("/events", s.handleEventCounts)
	}

	// Feeding a channel is restricted to local callers.
	control := router.Group("/api/channels/:id")
	control.Use(LocalOnly())
	{
		control.POST("/commands", s.handleSendCommand)
		control.POST("/sideband", s.handleQueueSideband)
	}

	if s.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.Metrics))
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

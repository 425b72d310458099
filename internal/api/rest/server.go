package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/EstateHub/internal/api/websocket"
	"github.com/KevinKickass/EstateHub/internal/auth"
	"github.com/KevinKickass/EstateHub/internal/config"
	"github.com/KevinKickass/EstateHub/internal/hub"
	"github.com/KevinKickass/EstateHub/internal/session"
	"github.com/KevinKickass/EstateHub/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type StatusProvider interface {
	Status() hub.Status
	Sessions() []session.Info
}

type Devices interface {
	FindByID(ctx context.Context, id int64) (*types.Device, error)
	List(ctx context.Context) ([]types.Device, error)
}

type Syncer interface {
	SyncDevices(ctx context.Context) (int, error)
}

type Commander interface {
	SendInstruction(deviceID int64) error
}

type Deps struct {
	Hub      StatusProvider
	Devices  Devices
	Registry Syncer
	Bus      Commander
	WsHub    *websocket.Hub
}

type Server struct {
	router    *gin.Engine
	deps      Deps
	tokenHash string
	logger    *zap.Logger
	server    *http.Server
}

func NewServer(cfg config.APIConfig, deps Deps, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:    gin.New(),
		deps:      deps,
		tokenHash: cfg.TokenHash,
		logger:    logger.Named("api"),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")

	// Live view authenticates with its first message.
	if s.deps.WsHub != nil {
		v1.GET("/ws/live", s.wsLiveConnection)
	}

	protected := v1.Group("")
	protected.Use(auth.Middleware(s.tokenHash))
	{
		protected.GET("/status", s.getStatus)
		protected.GET("/sessions", s.listSessions)
		protected.GET("/devices", s.listDevices)
		protected.POST("/devices/sync", s.syncDevices)
		protected.POST("/devices/:id/toggle", s.toggleDevice)
	}
}

func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.deps.WsHub, c.Writer, c.Request)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

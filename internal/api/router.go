package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vmharbor/vmharbor/internal/api/handlers"
	"github.com/vmharbor/vmharbor/internal/api/middleware"
	"github.com/vmharbor/vmharbor/internal/config"
)

type Server struct {
	Config *config.Config
	Router *gin.Engine
}

func NewServer(cfg *config.Config, h *handlers.Handler, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Middleware
	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())

	server := &Server{
		Config: cfg,
		Router: router,
	}

	server.setupRoutes(h)
	return server
}

func (s *Server) setupRoutes(h *handlers.Handler) {
	// Service self-checks
	s.Router.GET("/health", h.Health)
	s.Router.GET("/ready", h.Ready)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// VM self-registration callback; the handshake secret is the auth.
	s.Router.POST("/register", h.Register)

	// Dashboard routes (tenant JWT)
	api := s.Router.Group("/api/v1")
	api.Use(middleware.AuthRequired(s.Config.Auth.JWTSecret))
	{
		api.POST("/provision", h.Provision)
		api.GET("/vm", h.GetVM)
	}

	// Operational routes (static admin bearer token)
	admin := s.Router.Group("/")
	admin.Use(middleware.AdminRequired(s.Config.Auth.AdminToken))
	{
		admin.GET("/health-check", h.HealthCheck)
		admin.POST("/admin/reset", h.Reset)
		admin.POST("/admin/subscription", h.SetSubscription)
	}
}

// Package adminapi exposes the connection control surface over HTTP.
package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/petzap/wabridge/internal/registry"
	"github.com/petzap/wabridge/internal/session"
	"github.com/petzap/wabridge/pkg/metrics"
)

// Server wires the registry and session manager to echo handlers.
type Server struct {
	echo     *echo.Echo
	registry *registry.Registry
	sessions *session.Manager
}

func NewServer(reg *registry.Registry, sessions *session.Manager) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, registry: reg, sessions: sessions}
	s.registerRoutes()
	return s
}

// Echo returns the underlying echo instance for embedding.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(listen string) error {
	zap.L().Info("admin api listening", zap.String("listen", listen))
	return s.echo.Start(listen)
}

func (s *Server) registerRoutes() {
	g := s.echo.Group("/api/whatsapp")
	g.POST("/instances/:id/initialize", s.postInitialize)
	g.POST("/instances/:id/disconnect", s.postDisconnect)
	g.GET("/instances/:id/status", s.getStatus)
	g.GET("/instances/:id/health", s.getHealth)
	g.GET("/instances/:id/reconnect-history", s.getReconnectHistory)
	g.POST("/instances/:id/force-reconnect", s.postForceReconnect)
	g.POST("/instances/:id/send", s.postSend)
	g.GET("/instances", s.listInstances)
	g.POST("/sessions/cleanup", s.postCleanup)
	g.GET("/sessions/stats", s.getSessionStats)

	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"code": "OK",
		"data": data,
	})
}

func fail(c echo.Context, status int, code, msg string, detail interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"code":    code,
		"message": msg,
		"detail":  detail,
	})
}

// failErr maps registry sentinel errors onto HTTP statuses.
func failErr(c echo.Context, err error) error {
	switch err {
	case registry.ErrAlreadyRunning:
		return fail(c, http.StatusConflict, "ALREADY_RUNNING", "Instance already has a running connection", nil)
	case registry.ErrUnauthorized:
		return fail(c, http.StatusForbidden, "UNAUTHORIZED", "Instance not owned by organization", nil)
	case registry.ErrNotFound:
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Instance not found", nil)
	case registry.ErrNotConnected:
		return fail(c, http.StatusConflict, "NOT_CONNECTED", "Instance is not connected", nil)
	case registry.ErrInvalidTenant:
		return fail(c, http.StatusBadRequest, "INVALID_TENANT", "Organization or instance id is not usable", nil)
	default:
		return fail(c, http.StatusInternalServerError, "INTERNAL", "Operation failed", err.Error())
	}
}

package adminapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/petzap/wabridge/internal/domain"
)

// orgID reads the caller organization from header or query. Empty is
// allowed for operator tooling; handlers that mutate state require it.
func orgID(c echo.Context) string {
	if org := c.Request().Header.Get("X-Organization-ID"); org != "" {
		return org
	}
	return c.QueryParam("organization_id")
}

func (s *Server) postInitialize(c echo.Context) error {
	instance := c.Param("id")
	var payload struct {
		OrganizationID string `json:"organization_id"`
		PhoneNumber    string `json:"phone_number"`
		AuthMethod     string `json:"auth_method"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	org := payload.OrganizationID
	if org == "" {
		org = orgID(c)
	}
	if org == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "organization_id is required", nil)
	}

	method := domain.AuthMethod(payload.AuthMethod)
	res, err := s.registry.Initialize(c.Request().Context(), org, instance, payload.PhoneNumber, method)
	if err != nil {
		zap.L().Warn("adminapi: initialize failed",
			zap.String("instance", instance), zap.Error(err))
		return failErr(c, err)
	}
	return ok(c, res)
}

func (s *Server) postDisconnect(c echo.Context) error {
	instance := c.Param("id")
	if err := s.registry.Disconnect(c.Request().Context(), instance, orgID(c)); err != nil {
		zap.L().Warn("adminapi: disconnect failed",
			zap.String("instance", instance), zap.Error(err))
		return failErr(c, err)
	}
	return ok(c, map[string]interface{}{"disconnected": true})
}

func (s *Server) getStatus(c echo.Context) error {
	instance := c.Param("id")
	status, err := s.registry.Status(instance, orgID(c))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, map[string]interface{}{
		"instance_id": instance,
		"status":      status,
	})
}

func (s *Server) getHealth(c echo.Context) error {
	instance := c.Param("id")
	health, err := s.registry.Health(instance, orgID(c))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, health)
}

func (s *Server) getReconnectHistory(c echo.Context) error {
	instance := c.Param("id")
	history, err := s.registry.History(instance, orgID(c))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, history)
}

func (s *Server) postForceReconnect(c echo.Context) error {
	instance := c.Param("id")
	if err := s.registry.ForceReconnect(instance, orgID(c)); err != nil {
		return failErr(c, err)
	}
	return ok(c, map[string]interface{}{"reconnecting": true})
}

func (s *Server) postSend(c echo.Context) error {
	instance := c.Param("id")
	var payload struct {
		OrganizationID string `json:"organization_id"`
		To             string `json:"to"`
		Text           string `json:"text"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.To == "" || payload.Text == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "to and text are required", nil)
	}
	org := payload.OrganizationID
	if org == "" {
		org = orgID(c)
	}

	id, err := s.registry.SendText(c.Request().Context(), instance, org, payload.To, payload.Text)
	if err != nil {
		zap.L().Warn("adminapi: send failed",
			zap.String("instance", instance), zap.Error(err))
		return failErr(c, err)
	}
	return ok(c, map[string]interface{}{"sent": true, "message_id": id})
}

func (s *Server) listInstances(c echo.Context) error {
	org := orgID(c)
	if org == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "organization_id is required", nil)
	}
	infos := s.registry.ListInstances(org)
	if infos == nil {
		infos = []domain.ConnectionInfo{}
	}
	return ok(c, map[string]interface{}{"instances": infos})
}

func (s *Server) postCleanup(c echo.Context) error {
	var payload struct {
		OlderThanDays int `json:"older_than_days"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.OlderThanDays <= 0 {
		payload.OlderThanDays = 30
	}
	removed, err := s.registry.CleanupOldSessions(c.Request().Context(),
		time.Duration(payload.OlderThanDays)*24*time.Hour)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, map[string]interface{}{"removed": removed})
}

func (s *Server) getSessionStats(c echo.Context) error {
	stats, err := s.sessions.Stats(c.Request().Context())
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, stats)
}

package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/id"
)

// RegisterCronRequest is the payload for schedule registration.
type RegisterCronRequest struct {
	Name              string          `json:"name"`
	Expression        string          `json:"expression"`
	DefinitionName    string          `json:"definition_name"`
	DefinitionVersion int             `json:"definition_version,omitempty"`
	Input             json.RawMessage `json:"input,omitempty"`
	Enabled           *bool           `json:"enabled,omitempty"`
}

func (s *Server) registerCron(c echo.Context) error {
	var req RegisterCronRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" || req.DefinitionName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and definition_name are required")
	}

	// Reject bad expressions before anything is persisted.
	expr, err := cron.ParseExpression(req.Expression)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid cron expression: "+err.Error())
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	next := expr.Next(time.Now().UTC())
	sched := &cron.Schedule{
		Entity:            cascade.NewEntity(),
		ID:                id.NewCronID(),
		Name:              req.Name,
		Expression:        req.Expression,
		DefinitionName:    req.DefinitionName,
		DefinitionVersion: req.DefinitionVersion,
		Input:             req.Input,
		NextRunAt:         &next,
		Enabled:           enabled,
	}
	if err := s.crons.RegisterCron(c.Request().Context(), sched); err != nil {
		return httpError(err)
	}

	c.Response().Header().Set("Location", "/v1/crons/"+sched.ID.String())
	return c.JSON(http.StatusCreated, sched)
}

func (s *Server) listCrons(c echo.Context) error {
	schedules, err := s.crons.ListCrons(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if schedules == nil {
		schedules = []*cron.Schedule{}
	}
	return c.JSON(http.StatusOK, schedules)
}

func (s *Server) getCron(c echo.Context) error {
	cronID, err := id.ParseCronID(c.Param("cronId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sched, err := s.crons.GetCron(c.Request().Context(), cronID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sched)
}

func (s *Server) enableCron(c echo.Context) error {
	return s.setCronEnabled(c, true)
}

func (s *Server) disableCron(c echo.Context) error {
	return s.setCronEnabled(c, false)
}

func (s *Server) setCronEnabled(c echo.Context, enabled bool) error {
	cronID, err := id.ParseCronID(c.Param("cronId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	sched, err := s.crons.GetCron(ctx, cronID)
	if err != nil {
		return httpError(err)
	}

	sched.Enabled = enabled
	if enabled && sched.NextRunAt == nil {
		if expr, parseErr := cron.ParseExpression(sched.Expression); parseErr == nil {
			next := expr.Next(time.Now().UTC())
			sched.NextRunAt = &next
		}
	}
	if err := s.crons.UpdateCron(ctx, sched); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sched)
}

func (s *Server) deleteCron(c echo.Context) error {
	cronID, err := id.ParseCronID(c.Param("cronId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.crons.DeleteCron(c.Request().Context(), cronID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

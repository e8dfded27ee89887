package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
)

// StartInstanceResponse is returned on instance creation.
type StartInstanceResponse struct {
	InstanceID string `json:"instance_id"`
}

// StepView is one step's execution state in an instance response.
type StepView struct {
	StepID       string     `json:"step_id"`
	Status       string     `json:"status"`
	Attempt      int        `json:"attempt,omitempty"`
	TaskID       string     `json:"task_id,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Compensation string     `json:"compensation,omitempty"`
}

// InstanceView is the public read model of an instance. Sequence is
// the event-log watermark the view was folded at.
type InstanceView struct {
	ID           string     `json:"id"`
	DefinitionID string     `json:"definition_id"`
	Name         string     `json:"name"`
	Version      int        `json:"version"`
	Status       string     `json:"status"`
	Sequence     uint64     `json:"sequence"`
	Steps        []StepView `json:"steps"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func instanceView(in *instance.Instance) *InstanceView {
	v := &InstanceView{
		ID:           in.ID.String(),
		DefinitionID: in.DefinitionID.String(),
		Name:         in.Name,
		Version:      in.Version,
		Status:       string(in.Status),
		Sequence:     in.LastSequence,
		CreatedAt:    in.CreatedAt,
		UpdatedAt:    in.UpdatedAt,
	}
	for _, se := range in.Steps {
		sv := StepView{
			StepID:       se.StepID,
			Status:       string(se.Status),
			Attempt:      se.Attempt,
			LastError:    se.LastError,
			Compensation: string(se.Compensation),
		}
		if !se.TaskID.IsNil() {
			sv.TaskID = se.TaskID.String()
		}
		if !se.NextRetryAt.IsZero() {
			t := se.NextRetryAt
			sv.NextRetryAt = &t
		}
		v.Steps = append(v.Steps, sv)
	}
	sort.Slice(v.Steps, func(i, k int) bool { return v.Steps[i].StepID < v.Steps[k].StepID })
	return v
}

func (s *Server) startInstance(c echo.Context) error {
	defID, err := id.ParseDefinitionID(c.Param("definitionId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	input, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(input) > 0 && !json.Valid(input) {
		return echo.NewHTTPError(http.StatusBadRequest, "request body must be valid JSON")
	}

	instID, err := s.eng.StartInstance(c.Request().Context(), defID, input)
	if err != nil {
		return httpError(err)
	}

	c.Response().Header().Set("Location", "/v1/instances/"+instID.String())
	return c.JSON(http.StatusCreated, StartInstanceResponse{InstanceID: instID.String()})
}

func (s *Server) getInstance(c echo.Context) error {
	instID, err := id.ParseInstanceID(c.Param("instanceId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	in, err := s.eng.GetInstance(c.Request().Context(), instID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, instanceView(in))
}

func (s *Server) cancelInstance(c echo.Context) error {
	instID, err := id.ParseInstanceID(c.Param("instanceId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	reason := c.QueryParam("reason")
	if reason == "" {
		reason = "cancelled via API"
	}
	if err := s.eng.Cancel(c.Request().Context(), instID, reason); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

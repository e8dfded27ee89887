package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/id"
)

// PurgeDLQRequest asks for removal of entries older than Before.
type PurgeDLQRequest struct {
	Before time.Time `json:"before"`
}

// PurgeDLQResponse reports how many entries were removed.
type PurgeDLQResponse struct {
	Purged int64 `json:"purged"`
}

// DLQCountResponse reports the dead letter queue size.
type DLQCountResponse struct {
	Count int64 `json:"count"`
}

// ReplayDLQResponse describes the fresh instance a replay started.
type ReplayDLQResponse struct {
	InstanceID       string `json:"instance_id"`
	SourceInstanceID string `json:"source_instance_id"`
}

func (s *Server) listDLQ(c echo.Context) error {
	opts := dlq.ListOpts{}
	if err := echo.QueryParamsBinder(c).
		Int("limit", &opts.Limit).
		Int("offset", &opts.Offset).
		String("target_service", &opts.TargetService).
		BindError(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	entries, err := s.deadLetter.DLQStore().ListDLQ(c.Request().Context(), opts)
	if err != nil {
		return httpError(err)
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) getDLQ(c echo.Context) error {
	entryID, err := id.ParseDLQID(c.Param("entryId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	entry, err := s.deadLetter.DLQStore().GetDLQ(c.Request().Context(), entryID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (s *Server) replayDLQ(c echo.Context) error {
	entryID, err := id.ParseDLQID(c.Param("entryId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	entry, err := s.deadLetter.DLQStore().GetDLQ(c.Request().Context(), entryID)
	if err != nil {
		return httpError(err)
	}
	instID, err := s.deadLetter.Replay(c.Request().Context(), entryID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, ReplayDLQResponse{
		InstanceID:       instID.String(),
		SourceInstanceID: entry.InstanceID.String(),
	})
}

func (s *Server) purgeDLQ(c echo.Context) error {
	var req PurgeDLQRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Before.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "before is required")
	}

	purged, err := s.deadLetter.DLQStore().PurgeDLQ(c.Request().Context(), req.Before)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, PurgeDLQResponse{Purged: purged})
}

func (s *Server) dlqCount(c echo.Context) error {
	count, err := s.deadLetter.DLQStore().CountDLQ(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, DLQCountResponse{Count: count})
}

package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/id"
)

// RegisterDefinitionRequest is the payload for definition registration.
type RegisterDefinitionRequest struct {
	Name    string            `json:"name"`
	Version int               `json:"version"`
	Steps   []definition.Step `json:"steps"`
}

func (s *Server) registerDefinition(c echo.Context) error {
	var req RegisterDefinitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Version == 0 {
		req.Version = 1
	}

	def := &definition.Definition{
		Entity:  cascade.NewEntity(),
		ID:      id.NewDefinitionID(),
		Name:    req.Name,
		Version: req.Version,
		Steps:   req.Steps,
	}
	if err := s.eng.RegisterDefinition(c.Request().Context(), def); err != nil {
		// Validation failures surface as 400s even without a mapped
		// sentinel.
		if mapped := httpError(err); mapped != err {
			return mapped
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	c.Response().Header().Set("Location", "/v1/definitions/"+def.ID.String())
	return c.JSON(http.StatusCreated, def)
}

func (s *Server) listDefinitions(c echo.Context) error {
	opts := definition.ListOpts{}
	if err := echo.QueryParamsBinder(c).
		Int("limit", &opts.Limit).
		Int("offset", &opts.Offset).
		BindError(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	defs, err := s.defs.ListDefinitions(c.Request().Context(), opts)
	if err != nil {
		return httpError(err)
	}
	if defs == nil {
		defs = []*definition.Definition{}
	}
	return c.JSON(http.StatusOK, defs)
}

func (s *Server) getDefinition(c echo.Context) error {
	defID, err := id.ParseDefinitionID(c.Param("definitionId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	def, err := s.defs.GetDefinition(c.Request().Context(), defID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, def)
}

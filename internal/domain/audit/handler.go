package audit

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/holovitals/ehrsync/internal/platform/auth"
	"github.com/holovitals/ehrsync/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	read := g.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleSyncOperator, auth.RoleViewer))
	read.GET("/sync/audit", h.List)
	read.GET("/sync/audit/summary", h.Summary)
}

func filterFromContext(c echo.Context) (Filter, error) {
	dr, err := pagination.DateRangeFromContext(c)
	if err != nil {
		return Filter{}, err
	}
	f := Filter{
		ConnectionID: c.QueryParam("ehrConnectionId"),
		Kind:         Kind(c.QueryParam("kind")),
		Start:        dr.Start,
		End:          dr.End,
	}
	if v := c.QueryParam("syncJobId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return Filter{}, err
		}
		f.SyncJobID = &id
	}
	return f, nil
}

func (h *Handler) List(c echo.Context) error {
	f, err := filterFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Summary(c echo.Context) error {
	f, err := filterFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.svc.Summary(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, s)
}

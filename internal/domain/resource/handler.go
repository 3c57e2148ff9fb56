package resource

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/holovitals/ehrsync/internal/platform/auth"
	"github.com/holovitals/ehrsync/pkg/pagination"
)

// Handler exposes merged resource records for inspection.
type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	read := g.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleSyncOperator, auth.RoleViewer))
	read.GET("/sync/resources", h.List)
	read.GET("/sync/resources/:connectionId/:resourceType/:resourceId", h.Get)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		ConnectionID: c.QueryParam("ehrConnectionId"),
		ResourceType: c.QueryParam("resourceType"),
	}
	items, total, err := h.repo.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	rec, err := h.repo.Get(c.Request().Context(), c.Param("connectionId"), c.Param("resourceType"), c.Param("resourceId"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

package conflict

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/holovitals/ehrsync/internal/platform/auth"
	"github.com/holovitals/ehrsync/pkg/pagination"
)

// Handler exposes conflict records and their statistics.
type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	read := g.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleSyncOperator, auth.RoleViewer))
	read.GET("/sync/conflicts", h.List)
	read.GET("/sync/conflicts/review", h.ListReview)
	read.GET("/sync/conflicts/statistics", h.Statistics)
}

func filterFromContext(c echo.Context) (Filter, error) {
	dr, err := pagination.DateRangeFromContext(c)
	if err != nil {
		return Filter{}, err
	}
	return Filter{
		ConnectionID: c.QueryParam("ehrConnectionId"),
		ResourceType: c.QueryParam("resourceType"),
		ResourceID:   c.QueryParam("resourceId"),
		Start:        dr.Start,
		End:          dr.End,
	}, nil
}

func (h *Handler) List(c echo.Context) error {
	f, err := filterFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.list(c, f)
}

// ListReview lists tie-flagged conflicts awaiting a human decision.
func (h *Handler) ListReview(c echo.Context) error {
	f, err := filterFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	review := true
	f.NeedsReview = &review
	return h.list(c, f)
}

func (h *Handler) list(c echo.Context, f Filter) error {
	pg := pagination.FromContext(c)
	items, total, err := h.repo.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Statistics(c echo.Context) error {
	f, err := filterFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	records, err := h.repo.ListForStats(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, Summarize(records))
}

package syncjob

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/holovitals/ehrsync/internal/ehr"
	"github.com/holovitals/ehrsync/internal/platform/auth"
	"github.com/holovitals/ehrsync/pkg/pagination"
)

// Handler exposes the sync job API.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	read := g.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleSyncOperator, auth.RoleViewer))
	read.GET("/sync/jobs", h.List)
	read.GET("/sync/jobs/:jobId", h.Get)
	read.GET("/sync/statistics", h.Statistics)

	write := g.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleSyncOperator))
	write.POST("/sync/jobs", h.Create)
	write.DELETE("/sync/jobs/:jobId", h.Cancel)
	write.POST("/sync/jobs/:jobId/retry", h.Retry)
}

type createResponse struct {
	JobID uuid.UUID `json:"jobId"`
	Job   *Job      `json:"job"`
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	j, err := h.svc.CreateJob(c.Request().Context(), req, OriginAPI)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, createResponse{JobID: j.ID, Job: j})
}

func filterFromContext(c echo.Context) (ListFilter, error) {
	dr, err := pagination.DateRangeFromContext(c)
	if err != nil {
		return ListFilter{}, err
	}
	f := ListFilter{
		ConnectionID: c.QueryParam("ehrConnectionId"),
		Start:        dr.Start,
		End:          dr.End,
	}
	if v := c.QueryParam("status"); v != "" {
		st := Status(v)
		valid := false
		for _, s := range Statuses {
			valid = valid || s == st
		}
		if !valid {
			return ListFilter{}, errors.New("unknown status " + v)
		}
		f.Status = st
	}
	return f, nil
}

func (h *Handler) List(c echo.Context) error {
	f, err := filterFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListJobs(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	j, err := h.svc.GetJob(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, j)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	j, err := h.svc.CancelJob(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	if j.Status == StatusRunning {
		return c.JSON(http.StatusAccepted, j)
	}
	return c.JSON(http.StatusOK, j)
}

func (h *Handler) Retry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	j, err := h.svc.RetryJob(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, j)
}

func (h *Handler) Statistics(c echo.Context) error {
	f, err := filterFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	stats, err := h.svc.Statistics(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func mapError(err error) error {
	var ee *ehr.Error
	switch {
	case errors.Is(err, ErrJobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateJob),
		errors.Is(err, ErrJobNotCancellable),
		errors.Is(err, ErrJobNotRetryable),
		errors.Is(err, ErrStaleTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &ee):
		return echo.NewHTTPError(ehr.HTTPStatus(err), err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

package connection

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/holovitals/ehrsync/internal/ehr"
	"github.com/holovitals/ehrsync/internal/platform/auth"
)

// Handler serves EHR connection onboarding.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	user := g.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleSyncOperator, auth.RolePatient))
	user.GET("/ehr/:provider/authorize", h.Authorize)
	user.POST("/ehr/connections", h.Connect)
	user.GET("/ehr/connections", h.List)
	user.GET("/ehr/connections/:id", h.Get)
	user.POST("/ehr/connections/:id/disconnect", h.Disconnect)
}

func (h *Handler) Authorize(c echo.Context) error {
	provider, err := ehr.ParseProvider(c.Param("provider"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	userID := auth.UserIDFromContext(c.Request().Context())
	req, err := h.svc.BeginAuthorization(c.Request().Context(), userID, provider, c.QueryParam("tenantId"), c.QueryParam("launch"))
	if err != nil {
		return echo.NewHTTPError(ehr.HTTPStatus(err), err.Error())
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) Connect(c echo.Context) error {
	var req ConnectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.UserID = auth.UserIDFromContext(c.Request().Context())
	conn, err := h.svc.Connect(c.Request().Context(), req)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, conn)
}

func (h *Handler) List(c echo.Context) error {
	userID := c.QueryParam("userId")
	if userID == "" || !canActForOthers(c) {
		userID = auth.UserIDFromContext(c.Request().Context())
	}
	items, err := h.svc.ListByUser(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*Connection{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Get(c echo.Context) error {
	conn, err := h.load(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conn)
}

func (h *Handler) Disconnect(c echo.Context) error {
	conn, err := h.load(c)
	if err != nil {
		return err
	}
	conn, err = h.svc.Disconnect(c.Request().Context(), conn.ID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, conn)
}

// load fetches the :id connection and enforces ownership.
func (h *Handler) load(c echo.Context) (*Connection, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid connection id")
	}
	conn, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return nil, mapError(err)
	}
	if !canActForOthers(c) && conn.UserID != auth.UserIDFromContext(c.Request().Context()) {
		return nil, echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	}
	return conn, nil
}

func canActForOthers(c echo.Context) bool {
	for _, r := range auth.RolesFromContext(c.Request().Context()) {
		if r == auth.RoleAdmin || r == auth.RoleSyncOperator {
			return true
		}
	}
	return false
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrActiveConnectionExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	var ee *ehr.Error
	if errors.As(err, &ee) {
		return echo.NewHTTPError(ehr.HTTPStatus(err), err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

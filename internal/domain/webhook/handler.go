package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/holovitals/ehrsync/internal/ehr"
)

const (
	ProviderHeader   = "X-EHR-Provider"
	ConnectionHeader = "X-EHR-Connection-Id"
	EventHeader      = "X-EHR-Event-Id"
)

// Handler is the public vendor entry point. It is authenticated by
// signature, not by bearer token.
type Handler struct {
	recv *Receiver
}

func NewHandler(recv *Receiver) *Handler {
	return &Handler{recv: recv}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/sync/webhooks/receive", h.Receive)
}

type receiveResponse struct {
	JobID     uuid.UUID   `json:"jobId"`
	JobIDs    []uuid.UUID `json:"jobIds"`
	Duplicate bool        `json:"duplicate"`
}

func (h *Handler) Receive(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	d := Delivery{
		Provider:     firstNonEmpty(c.Request().Header.Get(ProviderHeader), c.QueryParam("provider")),
		ConnectionID: firstNonEmpty(c.Request().Header.Get(ConnectionHeader), c.QueryParam("connectionId")),
		EventID:      c.Request().Header.Get(EventHeader),
		Signature:    c.Request().Header.Get(SignatureHeader),
		Body:         body,
	}
	res, err := h.recv.Receive(c.Request().Context(), d)
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case ehr.KindOf(err) == ehr.KindValidation && err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := receiveResponse{JobIDs: res.JobIDs, Duplicate: res.Duplicate}
	if len(res.JobIDs) > 0 {
		resp.JobID = res.JobIDs[0]
	}
	if res.Duplicate {
		return c.JSON(http.StatusOK, resp)
	}
	return c.JSON(http.StatusAccepted, resp)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

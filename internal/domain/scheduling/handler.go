package scheduling

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/medify/booking/pkg/pagination"
)

const slotTakenMessage = "This slot is no longer available. Please select another time."

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts patient routes on api and slot and booking
// management on the admin group.
func (h *Handler) RegisterRoutes(api *echo.Group, admin *echo.Group) {
	api.POST("/bookings", h.CreateBooking)
	api.GET("/bookings", h.ListBookingsByEmail)
	api.PATCH("/bookings/:id/cancel", h.CancelBooking)
	api.GET("/doctors/:doctorId/slots", h.ListAvailableSlots)

	admin.POST("/slots", h.CreateSlot)
	admin.POST("/slots/bulk", h.BulkCreateSlots)
	admin.GET("/slots/:id", h.GetSlot)
	admin.GET("/bookings", h.ListAllBookings)
	admin.PATCH("/bookings/:id/confirm", h.ConfirmBooking)
}

func (h *Handler) CreateBooking(c echo.Context) error {
	var req BookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body", "status": StatusFailed,
		})
	}
	b, err := h.svc.CreateBooking(c.Request().Context(), &req)
	if err != nil {
		return httpError(c, err, true)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"booking": b,
		"status":  b.Status,
	})
}

func (h *Handler) CancelBooking(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.CancelBooking(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err, false)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Booking cancelled successfully",
		"booking": b,
	})
}

func (h *Handler) ConfirmBooking(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.ConfirmBooking(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err, false)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Booking confirmed",
		"booking": b,
	})
}

func (h *Handler) ListBookingsByEmail(c echo.Context) error {
	email := c.QueryParam("email")
	if email == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Email is required")
	}
	views, err := h.svc.ListBookingsByEmail(c.Request().Context(), email)
	if err != nil {
		return httpError(c, err, false)
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) ListAllBookings(c echo.Context) error {
	p := pagination.FromContext(c)
	rows, total, err := h.svc.ListAllBookings(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return httpError(c, err, false)
	}
	p.SetHeaders(c, total)
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) ListAvailableSlots(c echo.Context) error {
	doctorID, err := idParam(c, "doctorId")
	if err != nil {
		return err
	}
	slots, err := h.svc.ListAvailableSlots(c.Request().Context(), doctorID, c.QueryParam("date"))
	if err != nil {
		return httpError(c, err, false)
	}
	return c.JSON(http.StatusOK, slots)
}

func (h *Handler) CreateSlot(c echo.Context) error {
	var req SlotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	slot, err := h.svc.CreateSlot(c.Request().Context(), &req)
	if err != nil {
		return httpError(c, err, false)
	}
	return c.JSON(http.StatusCreated, slot)
}

func (h *Handler) BulkCreateSlots(c echo.Context) error {
	var req BulkSlotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.BulkCreateSlots(c.Request().Context(), &req)
	if err != nil {
		return httpError(c, err, false)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetSlot(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	slot, err := h.svc.GetSlot(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err, false)
	}
	return c.JSON(http.StatusOK, slot)
}

func idParam(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// httpError maps service errors onto status codes. Booking creation failures
// also carry status FAILED so clients can render the outcome directly.
func httpError(c echo.Context, err error, creating bool) error {
	body := func(msg string) map[string]interface{} {
		m := map[string]interface{}{"error": msg}
		if creating {
			m["status"] = StatusFailed
		}
		return m
	}

	var verr *ValidationError
	var serr *StateError
	var storage *StorageError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, body(verr.Error())).SetInternal(err)
	case errors.Is(err, ErrSlotUnavailable):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"error": slotTakenMessage, "status": StatusFailed,
		}).SetInternal(err)
	case errors.Is(err, ErrDuplicateSlot):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"error": "This slot already exists",
		}).SetInternal(err)
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, body(capitalize(err.Error()))).SetInternal(err)
	case errors.As(err, &serr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"error": serr.Error(), "status": serr.Current,
		}).SetInternal(err)
	case errors.As(err, &storage) && storage.Retryable():
		c.Response().Header().Set("Retry-After", "1")
		return echo.NewHTTPError(http.StatusServiceUnavailable, body("Service is busy, please retry")).SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, body("Internal server error")).SetInternal(err)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}

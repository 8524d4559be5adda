package main

import (
	"net/http"
	"time"

	"github.com/courtsync/availability-service/apperror"
	"github.com/courtsync/availability-service/engine"
	"github.com/courtsync/availability-service/model"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

type AvailabilityHandler struct {
	engine *engine.Reconciler
	log    *zap.Logger
}

func NewAvailabilityHandler(eng *engine.Reconciler, log *zap.Logger) *AvailabilityHandler {
	return &AvailabilityHandler{engine: eng, log: log}
}

// GetAvailability answers whether a court window is free of active
// bookings and live checkout holds.
func (h *AvailabilityHandler) GetAvailability(c *gin.Context) {
	courtID := c.Query("court_id")
	if courtID == "" {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Error:   "validation_failed",
			Message: "court_id is required",
		})
		return
	}

	start, err := time.Parse(time.RFC3339, c.Query("start"))
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Error:   "validation_failed",
			Message: "start must be RFC3339",
		})
		return
	}
	end, err := time.Parse(time.RFC3339, c.Query("end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Error:   "validation_failed",
			Message: "end must be RFC3339",
		})
		return
	}

	window := model.Window{Start: start, End: end}
	available, err := h.engine.IsAvailable(c.Request.Context(), courtID, window)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, model.AvailabilityResponse{
		CourtID:   courtID,
		Window:    window,
		Available: available,
		Version:   h.engine.Version(),
	})
}

// GetBookings lists the bookings for a (club, date) scope, refreshing
// through the coalescer when stale.
func (h *AvailabilityHandler) GetBookings(c *gin.Context) {
	clubID := c.Query("club_id")
	if clubID == "" {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Error:   "validation_failed",
			Message: "club_id is required",
		})
		return
	}
	date := c.Query("date")
	if date == "" {
		date = time.Now().UTC().Format(dateLayout)
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Error:   "validation_failed",
			Message: "date must be YYYY-MM-DD",
		})
		return
	}

	bookings, err := h.engine.GetBookings(c.Request.Context(), clubID, date)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, model.BookingsResponse{
		ClubID:   clubID,
		Date:     date,
		Bookings: bookings,
		Total:    len(bookings),
		Version:  h.engine.Version(),
	})
}

// GetLockedSlots lists the non-expired checkout holds on a court.
func (h *AvailabilityHandler) GetLockedSlots(c *gin.Context) {
	courtID := c.Param("courtId")
	c.JSON(http.StatusOK, model.LockedSlotsResponse{
		CourtID: courtID,
		Locks:   h.engine.GetLockedSlots(courtID),
	})
}

// GetConnection reports both push channels and the change version.
func (h *AvailabilityHandler) GetConnection(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.ConnectionStatus())
}

// ActivateClub switches the booking channel to a club's scope.
func (h *AvailabilityHandler) ActivateClub(c *gin.Context) {
	clubID := c.Param("clubId")
	h.engine.SetActiveClub(clubID)
	c.JSON(http.StatusOK, h.engine.ConnectionStatus())
}

// CreateBooking forwards a booking to the reservation service. The
// cache is only invalidated, never optimistically mutated.
func (h *AvailabilityHandler) CreateBooking(c *gin.Context) {
	var req model.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Error:   "validation_failed",
			Message: err.Error(),
		})
		return
	}

	booking, err := h.engine.CreateBooking(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, booking)
}

// CancelBooking forwards a cancellation to the reservation service.
func (h *AvailabilityHandler) CancelBooking(c *gin.Context) {
	if err := h.engine.CancelBooking(c.Request.Context(), c.Param("bookingId")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HoldSlotRequest is the payload for a local checkout hold.
type HoldSlotRequest struct {
	ClubID  string    `json:"club_id" binding:"required"`
	OwnerID string    `json:"owner_id" binding:"required"`
	Start   time.Time `json:"start" binding:"required"`
	End     time.Time `json:"end" binding:"required"`
}

// HoldSlot places an optimistic hold on a court window while a checkout
// is in flight.
func (h *AvailabilityHandler) HoldSlot(c *gin.Context) {
	var req HoldSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Error:   "validation_failed",
			Message: err.Error(),
		})
		return
	}

	lock, err := h.engine.HoldSlot(req.ClubID, c.Param("courtId"), req.OwnerID, model.Window{Start: req.Start, End: req.End})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lock)
}

// ReleaseSlot drops a hold by slot ID.
func (h *AvailabilityHandler) ReleaseSlot(c *gin.Context) {
	h.engine.ReleaseSlot(c.Param("slotId"))
	c.Status(http.StatusNoContent)
}

// InvalidateAll drops cache freshness everywhere.
func (h *AvailabilityHandler) InvalidateAll(c *gin.Context) {
	h.engine.InvalidateAll()
	c.Status(http.StatusNoContent)
}

// InvalidateScope drops cache freshness for one (club, date) scope.
func (h *AvailabilityHandler) InvalidateScope(c *gin.Context) {
	date := c.Param("date")
	if _, err := time.Parse(dateLayout, date); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Error:   "validation_failed",
			Message: "date must be YYYY-MM-DD",
		})
		return
	}
	h.engine.InvalidateScope(c.Param("clubId"), date)
	c.Status(http.StatusNoContent)
}

// HealthCheck reports service liveness.
func (h *AvailabilityHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, model.HealthResponse{
		Status:    "healthy",
		Service:   "availability-service",
		Timestamp: time.Now(),
	})
}

func (h *AvailabilityHandler) writeError(c *gin.Context, err error) {
	if apperror.IsAbort(err) {
		// Deliberate teardown, not a user-visible failure.
		c.Status(http.StatusRequestTimeout)
		return
	}

	code := "internal_error"
	switch {
	case apperror.IsConflict(err):
		code = "slot_conflict"
	case apperror.IsValidation(err):
		code = "validation_failed"
	case apperror.IsAuth(err):
		code = "unauthorized"
	case apperror.IsNetwork(err):
		code = "upstream_unavailable"
	case apperror.IsTransport(err):
		code = "channel_unavailable"
	}

	status := apperror.HTTPStatus(err)
	if status >= 500 {
		h.log.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, model.ErrorResponse{Error: code, Message: err.Error()})
}

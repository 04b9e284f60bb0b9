// README: Rider-facing ride handlers: book, broadcast request, snapshot, cancel.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"siren/internal/http/middleware"
	"siren/internal/modules/ride"
	"siren/internal/types"
)

type RideHandler struct {
	rides *ride.Service
}

func NewRideHandler(svc *ride.Service) *RideHandler {
	return &RideHandler{rides: svc}
}

type rideRequestBody struct {
	DriverID      string   `json:"driver_id"`
	PickupLat     *float64 `json:"pickup_lat"`
	PickupLng     *float64 `json:"pickup_lng"`
	Pickup        string   `json:"pickup"`
	DropoffLat    *float64 `json:"dropoff_lat"`
	DropoffLng    *float64 `json:"dropoff_lng"`
	Dropoff       *string  `json:"dropoff"`
	AmbulanceType string   `json:"ambulance_type"`
}

func (b rideRequestBody) pickup() *types.Point {
	return (&pointBody{Lat: b.PickupLat, Lng: b.PickupLng}).point()
}

func (b rideRequestBody) dropoff() *types.Point {
	return (&pointBody{Lat: b.DropoffLat, Lng: b.DropoffLng}).point()
}

// Book creates a direct booking with one chosen driver.
func (h *RideHandler) Book(c *gin.Context) {
	var req rideRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !isValidID(req.DriverID) {
		writeError(c, http.StatusBadRequest, "missing or invalid driver_id")
		return
	}
	r, err := h.rides.Book(c.Request.Context(), ride.BookCommand{
		RiderID:        middleware.CallerUID(c),
		DriverID:       types.ID(req.DriverID),
		Pickup:         req.pickup(),
		PickupAddress:  req.Pickup,
		Dropoff:        req.dropoff(),
		DropoffAddress: req.Dropoff,
		AmbulanceType:  req.AmbulanceType,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, newRideView(r))
}

// Request broadcasts a ride to nearby online drivers.
func (h *RideHandler) Request(c *gin.Context) {
	var req rideRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	r, notified, err := h.rides.Broadcast(c.Request.Context(), ride.BroadcastCommand{
		RiderID:        middleware.CallerUID(c),
		Pickup:         req.pickup(),
		PickupAddress:  req.Pickup,
		Dropoff:        req.dropoff(),
		DropoffAddress: req.Dropoff,
		AmbulanceType:  req.AmbulanceType,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"ride_id": r.ID, "status": r.Status, "notified": notified})
}

func (h *RideHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	r, err := h.rides.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeRideError(c, err)
		return
	}
	if !ride.CanView(r, middleware.CallerUID(c)) {
		writeError(c, http.StatusForbidden, "forbidden: not a participant of this ride")
		return
	}
	writeJSON(c, http.StatusOK, newRideView(r))
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (h *RideHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	var req cancelBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	r, err := h.rides.Cancel(c.Request.Context(), ride.CancelCommand{
		RideID:  types.ID(id),
		RiderID: middleware.CallerUID(c),
		Reason:  req.Reason,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newRideView(r))
}

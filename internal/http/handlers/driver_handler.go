// README: Driver handlers: respond to ride requests and progress an assigned ride.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"siren/internal/http/middleware"
	"siren/internal/modules/ride"
	"siren/internal/types"
)

type DriverHandler struct {
	rides *ride.Service
}

func NewDriverHandler(svc *ride.Service) *DriverHandler {
	return &DriverHandler{rides: svc}
}

type respondBody struct {
	RideID string `json:"ride_id"`
	Action string `json:"action"`
}

// Respond answers a ride request. Losing the race is a normal 200 answer.
func (h *DriverHandler) Respond(c *gin.Context) {
	var req respondBody
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !isValidID(req.RideID) {
		writeError(c, http.StatusBadRequest, "missing or invalid ride_id")
		return
	}
	var accept bool
	switch req.Action {
	case "accept":
		accept = true
	case "reject":
	default:
		writeError(c, http.StatusBadRequest, "action must be accept or reject")
		return
	}

	res, err := h.rides.Respond(c.Request.Context(), ride.RespondCommand{
		RideID:   types.ID(req.RideID),
		DriverID: middleware.CallerUID(c),
		Accept:   accept,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	switch {
	case res.Declined:
		writeJSON(c, http.StatusOK, gin.H{"assigned": false, "declined": true})
	case res.Assigned():
		writeJSON(c, http.StatusOK, gin.H{"assigned": true, "ride_id": req.RideID})
	default:
		writeJSON(c, http.StatusOK, gin.H{"assigned": false, "reason": res.Outcome.String()})
	}
}

func (h *DriverHandler) Accept(c *gin.Context) {
	h.progress(c, h.rides.Accept)
}

func (h *DriverHandler) Arrive(c *gin.Context) {
	h.progress(c, h.rides.Arrive)
}

func (h *DriverHandler) Start(c *gin.Context) {
	h.progress(c, h.rides.Start)
}

type completeBody struct {
	FinalFare *float64 `json:"final_fare"`
	Currency  string   `json:"currency"`
}

func (h *DriverHandler) Complete(c *gin.Context) {
	var req completeBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	h.progress(c, func(ctx context.Context, rideID, driverID types.ID) (*ride.Ride, error) {
		var fare *types.Money
		if req.FinalFare != nil {
			m := types.MoneyFromMajor(*req.FinalFare, req.Currency)
			fare = &m
		}
		return h.rides.Complete(ctx, rideID, driverID, fare)
	})
}

func (h *DriverHandler) progress(c *gin.Context, op func(ctx context.Context, rideID, driverID types.ID) (*ride.Ride, error)) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	r, err := op(c.Request.Context(), types.ID(id), middleware.CallerUID(c))
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newRideView(r))
}

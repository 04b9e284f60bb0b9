// README: Location handler; drivers report their own position.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"siren/internal/http/middleware"
	"siren/internal/modules/location"
	"siren/internal/types"
)

type LocationHandler struct {
	location *location.Service
}

func NewLocationHandler(svc *location.Service) *LocationHandler {
	return &LocationHandler{location: svc}
}

// positionBody is shared with the driver websocket's inbound location.update frames.
type positionBody struct {
	Lat       *float64   `json:"lat"`
	Lng       *float64   `json:"lng"`
	IsOnline  *bool      `json:"is_online"`
	Speed     *float64   `json:"speed"`
	Heading   *float64   `json:"heading"`
	Timestamp *time.Time `json:"timestamp"`
}

func (b positionBody) report(driverID types.ID) (location.Report, bool) {
	if b.Lat == nil || b.Lng == nil {
		return location.Report{}, false
	}
	r := location.Report{
		DriverID: driverID,
		Lat:      *b.Lat,
		Lng:      *b.Lng,
		IsOnline: true,
		Speed:    b.Speed,
		Heading:  b.Heading,
	}
	if b.IsOnline != nil {
		r.IsOnline = *b.IsOnline
	}
	if b.Timestamp != nil {
		r.Timestamp = *b.Timestamp
	}
	return r, true
}

// Report records the caller's position; the driver id always comes from the token.
func (h *LocationHandler) Report(c *gin.Context) {
	var req positionBody
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	report, ok := req.report(middleware.CallerUID(c))
	if !ok {
		writeError(c, http.StatusBadRequest, "lat and lng are required")
		return
	}
	pos, err := h.location.ReportPosition(c.Request.Context(), report)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"driver_id": pos.DriverID,
		"lat":       pos.Point.Lat,
		"lng":       pos.Point.Lng,
		"is_online": pos.IsOnline,
		"last_seen": pos.LastSeen,
	})
}

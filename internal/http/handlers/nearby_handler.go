// README: Nearby-driver query and fare/ETA estimate handlers.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"siren/internal/config"
	"siren/internal/modules/geo"
	"siren/internal/modules/pricing"
	"siren/internal/types"
)

type NearbyHandler struct {
	index   *geo.Index
	pricing *pricing.Service
	cfg     config.NearbyConfig
}

func NewNearbyHandler(index *geo.Index, pricingSvc *pricing.Service, cfg config.NearbyConfig) *NearbyHandler {
	return &NearbyHandler{index: index, pricing: pricingSvc, cfg: cfg}
}

type nearbyView struct {
	DriverID  types.ID  `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	DistanceM float64   `json:"distance_m"`
	LastSeen  time.Time `json:"last_seen"`
}

// Nearby answers GET /api/nearby. Radius and result count are clamped to the
// configured maxima.
func (h *NearbyHandler) Nearby(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(c, http.StatusBadRequest, "lat and lng are required numbers")
		return
	}
	radius := h.cfg.DefaultRadiusM
	if v := c.Query("radius_m"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 {
			writeError(c, http.StatusBadRequest, "radius_m must be a positive number")
			return
		}
		radius = min(r, h.cfg.MaxRadiusM)
	}
	limit := h.cfg.DefaultMaxResults
	if v := c.Query("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "max_results must be a positive integer")
			return
		}
		limit = min(n, h.cfg.MaxResults)
	}

	found, err := h.index.FindNearby(c.Request.Context(), types.Point{Lat: lat, Lng: lng}, radius, limit)
	if err != nil {
		writeRideError(c, err)
		return
	}
	out := make([]nearbyView, 0, len(found))
	for _, n := range found {
		out = append(out, nearbyView{
			DriverID:  n.DriverID,
			Lat:       n.Point.Lat,
			Lng:       n.Point.Lng,
			DistanceM: n.DistanceM,
			LastSeen:  n.LastSeen,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"drivers": out})
}

type estimateBody struct {
	PickupLat     *float64 `json:"pickup_lat"`
	PickupLng     *float64 `json:"pickup_lng"`
	DropoffLat    *float64 `json:"dropoff_lat"`
	DropoffLng    *float64 `json:"dropoff_lng"`
	AmbulanceType string   `json:"ambulance_type"`
}

type candidateView struct {
	DriverID    types.ID  `json:"driver_id"`
	Name        string    `json:"name"`
	VehicleNo   string    `json:"vehicle_no"`
	VehicleType string    `json:"vehicle_type"`
	PhotoURL    *string   `json:"photo_url"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	DistanceM   int       `json:"distance_m"`
	EtaS        int       `json:"eta_s"`
	EtaMin      int       `json:"eta_min"`
	Fare        moneyView `json:"fare"`
}

type tripView struct {
	DistanceM float64   `json:"distance_m"`
	EtaS      int       `json:"eta_s"`
	EtaMin    int       `json:"eta_min"`
	Fare      moneyView `json:"fare"`
}

func (h *NearbyHandler) Estimate(c *gin.Context) {
	var req estimateBody
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	pickup := (&pointBody{Lat: req.PickupLat, Lng: req.PickupLng}).point()
	if pickup == nil {
		writeError(c, http.StatusBadRequest, "pickup_lat and pickup_lng are required")
		return
	}
	est, err := h.pricing.Estimate(c.Request.Context(), pricing.EstimateRequest{
		Pickup:        *pickup,
		Dropoff:       (&pointBody{Lat: req.DropoffLat, Lng: req.DropoffLng}).point(),
		AmbulanceType: req.AmbulanceType,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}

	candidates := make([]candidateView, 0, len(est.Candidates))
	for _, cand := range est.Candidates {
		candidates = append(candidates, candidateView{
			DriverID:    cand.DriverID,
			Name:        cand.Name,
			VehicleNo:   cand.VehicleNo,
			VehicleType: cand.VehicleType,
			PhotoURL:    cand.PhotoURL,
			Lat:         cand.Point.Lat,
			Lng:         cand.Point.Lng,
			DistanceM:   cand.DistanceM,
			EtaS:        cand.EtaS,
			EtaMin:      cand.EtaMin,
			Fare:        *money(&cand.Fare),
		})
	}
	resp := gin.H{"candidates": candidates}
	if est.Trip != nil {
		resp["trip"] = tripView{
			DistanceM: est.Trip.DistanceM,
			EtaS:      est.Trip.EtaS,
			EtaMin:    est.Trip.EtaMin,
			Fare:      *money(&est.Trip.Fare),
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

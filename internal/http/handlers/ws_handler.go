// README: Websocket endpoints subscribing callers to ride and driver groups.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"siren/internal/http/middleware"
	"siren/internal/http/ws"
	"siren/internal/modules/fanout"
	"siren/internal/modules/location"
	"siren/internal/modules/ride"
	"siren/internal/types"
)

type WSHandler struct {
	// base outlives individual requests and ends on server shutdown.
	base     context.Context
	fanout   *fanout.Service
	rides    *ride.Service
	location *location.Service
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewWSHandler(base context.Context, fan *fanout.Service, rides *ride.Service, loc *location.Service, log *zap.Logger) *WSHandler {
	return &WSHandler{
		base:     base,
		fanout:   fan,
		rides:    rides,
		location: loc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// mobile clients send no Origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Ride subscribes the rider or assigned driver to ride:<id>.
func (h *WSHandler) Ride(c *gin.Context) {
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
	h.serve(c, fanout.RideGroup(r.ID), nil)
}

// Driver subscribes a driver to driver:<id> and ingests the position frames
// it sends.
func (h *WSHandler) Driver(c *gin.Context) {
	id := c.Param("id")
	caller := middleware.CallerUID(c)
	if middleware.CallerRole(c) != middleware.RoleDriver || caller != types.ID(id) {
		writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated driver")
		return
	}
	h.serve(c, fanout.DriverGroup(caller), h.ingest(caller))
}

func (h *WSHandler) serve(c *gin.Context, g fanout.Group, on ws.Handler) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	client := ws.NewClient(conn, h.log)
	h.fanout.Subscribe(g, client)
	defer h.fanout.Unsubscribe(g, client)

	h.log.Debug("websocket joined", zap.String("group", string(g)), zap.String("client", client.ID()))
	client.Run(h.base, on)
	h.log.Debug("websocket left", zap.String("group", string(g)), zap.String("client", client.ID()))
}

type inboundFrame struct {
	Type string `json:"type"`
	positionBody
}

func (h *WSHandler) ingest(driverID types.ID) ws.Handler {
	return func(ctx context.Context, msg []byte) {
		var f inboundFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			h.log.Debug("bad websocket frame", zap.String("driver_id", string(driverID)), zap.Error(err))
			return
		}
		if f.Type != string(fanout.TypeLocationUpdate) {
			return
		}
		report, ok := f.report(driverID)
		if !ok {
			return
		}
		if _, err := h.location.ReportPosition(ctx, report); err != nil {
			h.log.Debug("websocket position rejected", zap.String("driver_id", string(driverID)), zap.Error(err))
		}
	}
}

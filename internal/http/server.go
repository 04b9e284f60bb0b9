// README: API gateway; registers gin routes and delegates to module services.
package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"siren/internal/config"
	"siren/internal/http/handlers"
	"siren/internal/http/middleware"
	"siren/internal/infra"
	"siren/internal/modules/fanout"
	"siren/internal/modules/geo"
	"siren/internal/modules/location"
	"siren/internal/modules/pricing"
	"siren/internal/modules/ride"
)

type ServerDeps struct {
	// Base is cancelled on shutdown and closes open websockets.
	Base     context.Context
	Rides    *ride.Service
	Location *location.Service
	Nearby   *geo.Index
	Pricing  *pricing.Service
	Fanout   *fanout.Service
	Verifier infra.TokenVerifier
	Config   config.NearbyConfig
	Logger   *zap.Logger
}

type Server struct {
	deps ServerDeps
}

func NewServer(deps ServerDeps) *Server {
	if deps.Base == nil {
		deps.Base = context.Background()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Server{deps: deps}
}

func (s *Server) Routes() http.Handler {
	d := s.deps
	r := gin.New()
	r.Use(middleware.Recovery(d.Logger), middleware.Logging(d.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	auth := middleware.Auth(d.Verifier)
	rider := middleware.RequireRole(middleware.RoleRider)
	driver := middleware.RequireRole(middleware.RoleDriver)

	rideHandler := handlers.NewRideHandler(d.Rides)
	driverHandler := handlers.NewDriverHandler(d.Rides)
	locationHandler := handlers.NewLocationHandler(d.Location)
	nearbyHandler := handlers.NewNearbyHandler(d.Nearby, d.Pricing, d.Config)
	wsHandler := handlers.NewWSHandler(d.Base, d.Fanout, d.Rides, d.Location, d.Logger)

	api := r.Group("/api", auth)
	api.GET("/nearby", nearbyHandler.Nearby)
	api.POST("/estimate", nearbyHandler.Estimate)

	api.POST("/rides/book", rider, rideHandler.Book)
	api.POST("/rides/request", rider, rideHandler.Request)
	api.GET("/rides/:id", rideHandler.Get)
	api.POST("/rides/:id/cancel", rider, rideHandler.Cancel)

	drv := api.Group("/driver", driver)
	drv.POST("/respond", driverHandler.Respond)
	drv.POST("/rides/:id/accept", driverHandler.Accept)
	drv.POST("/rides/:id/arrive", driverHandler.Arrive)
	drv.POST("/rides/:id/start", driverHandler.Start)
	drv.POST("/rides/:id/complete", driverHandler.Complete)
	drv.POST("/location", locationHandler.Report)

	wsGroup := r.Group("/ws", auth)
	wsGroup.GET("/rides/:id", wsHandler.Ride)
	wsGroup.GET("/drivers/:id", wsHandler.Driver)

	return r
}

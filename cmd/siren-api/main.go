// README: Entry point; loads config, wires stores, buses and services, serves HTTP and websockets.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"siren/internal/config"
	httptransport "siren/internal/http"
	"siren/internal/infra"
	"siren/internal/logger"
	"siren/internal/modules/driver"
	"siren/internal/modules/fanout"
	"siren/internal/modules/geo"
	"siren/internal/modules/location"
	"siren/internal/modules/matching"
	"siren/internal/modules/pricing"
	"siren/internal/modules/ride"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("siren-api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		pool *pgxpool.Pool
		rdb  *redis.Client
		err  error
	)
	if cfg.Store.Driver == "postgres" {
		if pool, err = infra.NewDB(ctx, cfg.DB.DSN); err != nil {
			return err
		}
		defer pool.Close()
	}
	if cfg.Store.Driver == "postgres" || cfg.Geo.Source == "redis" || cfg.Bus.Driver == "redis" {
		if rdb, err = infra.NewRedis(ctx, cfg.Redis.Addr); err != nil {
			return err
		}
		defer rdb.Close()
	}

	var (
		rideStore ride.Store
		positions location.PositionStore
		drivers   driver.Directory
		rates     pricing.RateStore
		dispatch  matching.DispatchLog
	)
	if pool != nil {
		rideStore = ride.NewStore(pool)
		positions = location.NewStore(pool)
		drivers = driver.NewStore(pool)
		rates = pricing.NewStore(pool)
	} else {
		rideStore = ride.NewMemoryStore()
		positions = location.NewMemoryStore()
		drivers = driver.NewMemoryDirectory()
		rates = pricing.StaticRates{}
	}
	if rdb != nil {
		dispatch = matching.NewStore(rdb, time.Duration(cfg.Matching.DispatchTTLSeconds)*time.Second)
	} else {
		dispatch = matching.NewMemoryLog()
	}

	var source geo.Source = positions
	var redisGeo *location.RedisGeo
	if cfg.Geo.Source == "redis" {
		redisGeo = location.NewRedisGeo(rdb)
		source = redisGeo
	}
	index := geo.NewIndex(source)

	hub := fanout.NewHub(log.Named("fanout"))
	bus, closeTransport, err := newBus(ctx, cfg.Bus, rdb, hub, log)
	if err != nil {
		return err
	}
	defer closeTransport()
	// Consumers outlive the signal context; bus.Close tears them down after the drain.
	if err := bus.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start %s bus: %w", cfg.Bus.Driver, err)
	}
	fan := fanout.NewService(hub, bus, log.Named("fanout"))

	verifier, pusher, err := newAuth(ctx, cfg)
	if err != nil {
		return err
	}

	matchSvc := matching.NewService(index, dispatch, fan, cfg.Matching, log.Named("matching"))
	if pusher != nil {
		matchSvc.UsePush(drivers, pusher)
	}
	priceSvc := pricing.NewService(rates, index, drivers, cfg.Pricing, cfg.Matching.RadiusM, log.Named("pricing"))
	rideSvc := ride.NewService(ride.Deps{
		Store:      rideStore,
		Dispatcher: matchSvc,
		Publisher:  fan,
		Profiles:   drivers,
		Positions:  positions,
		Quoter:     priceSvc,
		Matching:   cfg.Matching,
		Logger:     log.Named("ride"),
	})
	locSvc := location.NewService(positions, rideSvc, fan, log.Named("location"))
	if redisGeo != nil {
		locSvc.UseMirror(redisGeo)
	}

	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	api := httptransport.NewServer(httptransport.ServerDeps{
		Base:     base,
		Rides:    rideSvc,
		Location: locSvc,
		Nearby:   index,
		Pricing:  priceSvc,
		Fanout:   fan,
		Verifier: verifier,
		Config:   cfg.Nearby,
		Logger:   log.Named("http"),
	})
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.Routes(), ReadHeaderTimeout: 10 * time.Second}

	go rideSvc.RunMatchingReaper(ctx)

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.HTTP.Addr),
			zap.String("store", cfg.Store.Driver), zap.String("bus", cfg.Bus.Driver), zap.String("auth", cfg.Auth.Mode))
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSeconds)*time.Second)
	defer cancel()
	cancelBase()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), time.Duration(cfg.Bus.DrainSeconds)*time.Second)
	defer cancelDrain()
	if err := bus.Close(drainCtx); err != nil {
		log.Warn("bus drain incomplete", zap.Error(err))
	}
	matchSvc.Wait()
	return nil
}

func newBus(ctx context.Context, cfg config.BusConfig, rdb *redis.Client, hub *fanout.Hub, log *zap.Logger) (fanout.Bus, func(), error) {
	switch cfg.Driver {
	case "redis":
		return fanout.NewRedisBus(rdb, cfg.Channel, hub, log.Named("bus")), func() {}, nil
	case "amqp":
		conn, err := infra.NewAMQP(ctx, cfg.AMQPURL, log)
		if err != nil {
			return nil, nil, err
		}
		return fanout.NewAMQPBus(conn, cfg.Exchange, hub, log.Named("bus")), func() { closeAMQP(conn, log) }, nil
	default:
		return fanout.NewLocalBus(hub), func() {}, nil
	}
}

func closeAMQP(conn *amqp.Connection, log *zap.Logger) {
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		log.Warn("close rabbitmq", zap.Error(err))
	}
}

// newAuth builds the token verifier and, when push is enabled, the FCM pusher.
func newAuth(ctx context.Context, cfg config.Config) (infra.TokenVerifier, matching.Pusher, error) {
	needFirebase := cfg.Auth.Mode == "firebase" || cfg.Push.Enabled
	var (
		verifier infra.TokenVerifier
		pusher   matching.Pusher
	)
	if needFirebase {
		app, err := infra.NewFirebaseApp(ctx, cfg.Auth.FirebaseProjectID, cfg.Auth.FirebaseCredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Auth.Mode == "firebase" {
			if verifier, err = infra.NewFirebaseVerifier(ctx, app); err != nil {
				return nil, nil, err
			}
		}
		if cfg.Push.Enabled {
			fcm, err := infra.NewFCMPusher(ctx, app)
			if err != nil {
				return nil, nil, err
			}
			pusher = fcm
		}
	}
	if cfg.Auth.Mode == "jwt" {
		v, err := infra.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
		if err != nil {
			return nil, nil, err
		}
		verifier = v
	}
	return verifier, pusher, nil
}

package main

import (
	"time"

	"github.com/courtsync/availability-service/config"
	"github.com/courtsync/availability-service/dedup"
	redisdedup "github.com/courtsync/availability-service/dedup/redis"
	"github.com/courtsync/availability-service/engine"
	"github.com/courtsync/availability-service/locks"
	"github.com/courtsync/availability-service/realtime"
	kafkatransport "github.com/courtsync/availability-service/realtime/kafka"
	wstransport "github.com/courtsync/availability-service/realtime/websocket"
	servicehttp "github.com/courtsync/availability-service/service/http"
	"github.com/courtsync/availability-service/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter wires the sync engine and the HTTP surface over it.
func SetupRouter(cfg *config.Config, log *zap.Logger) (*gin.Engine, *engine.Reconciler) {
	jwtService := NewJWTService(cfg.JWTSecret)

	// Authoritative backend client, authenticated with a service JWT.
	backend := servicehttp.NewHTTPReservationService(&cfg.Reservation, jwtService.GenerateServiceToken)

	// Event deduplication, in-memory or shared via Redis.
	var dedupStore dedup.Store
	window := time.Duration(cfg.Dedup.WindowMS) * time.Millisecond
	switch cfg.Dedup.Driver {
	case "redis":
		rs, err := redisdedup.NewStore(cfg.Redis.GetRedisURL(), cfg.Redis.Password, cfg.Redis.DB, window, log)
		if err != nil {
			log.Fatal("Failed to initialize dedup store", zap.Error(err))
		}
		dedupStore = rs
	default:
		dedupStore = dedup.NewMemory(window, nil)
	}

	// Push transports for the two channels.
	var notifDialer, bookingDialer realtime.Dialer
	switch cfg.Realtime.Driver {
	case "kafka":
		notifDialer = &kafkatransport.Dialer{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.NotificationTopic,
			GroupID: cfg.Kafka.ConsumerGroup + "-notifications",
			Log:     log,
		}
		bookingDialer = &kafkatransport.Dialer{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.BookingTopic,
			GroupID: cfg.Kafka.ConsumerGroup + "-bookings",
			Scoped:  true,
			Log:     log,
		}
	default:
		notifDialer = &wstransport.Dialer{URL: cfg.Realtime.URL + "/notifications"}
		bookingDialer = &wstransport.Dialer{URL: cfg.Realtime.URL + "/bookings"}
	}

	mgr := realtime.NewManager(notifDialer, bookingDialer, backend, realtime.Options{
		InitialBackoff: time.Duration(cfg.Realtime.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Realtime.MaxBackoffMS) * time.Millisecond,
		MaxAttempts:    cfg.Realtime.MaxAttempts,
	}, log)

	bookingStore := store.New(backend, time.Duration(cfg.Cache.BookingTTLSeconds)*time.Second, nil, log)
	lockRegistry := locks.NewRegistry(
		time.Duration(cfg.Locks.TTLMinutes)*time.Minute,
		time.Duration(cfg.Locks.SweepIntervalSeconds)*time.Second,
		nil, log)

	eng := engine.New(bookingStore, lockRegistry, mgr, dedupStore, backend, log)

	handler := NewAvailabilityHandler(eng, log)

	r := gin.Default()
	r.Use(CORSMiddleware())
	r.Use(LoggingMiddleware(log))

	// Health check endpoint (no auth required)
	r.GET("/health", handler.HealthCheck)

	api := r.Group("/api")
	api.Use(AuthMiddleware(jwtService))

	// Read surface
	api.GET("/availability", handler.GetAvailability)
	api.GET("/bookings", handler.GetBookings)
	api.GET("/courts/:courtId/locks", handler.GetLockedSlots)
	api.GET("/connection", handler.GetConnection)

	// Write surface
	api.POST("/clubs/:clubId/activate", handler.ActivateClub)
	api.POST("/bookings", handler.CreateBooking)
	api.POST("/bookings/:bookingId/cancel", handler.CancelBooking)
	api.POST("/courts/:courtId/hold", handler.HoldSlot)
	api.DELETE("/locks/:slotId", handler.ReleaseSlot)

	// Cache control
	api.POST("/cache/invalidate", handler.InvalidateAll)
	api.POST("/cache/invalidate/:clubId/:date", handler.InvalidateScope)

	return r, eng
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/saludconnect/telemed-scheduling/internal/appointment"
)

type RouterConfig struct {
	Service *appointment.Service
	Watcher *appointment.Watcher
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Logger  zerolog.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Availability management (doctor side)
	r.Post("/availability", createAvailabilityHandler(cfg.Service))
	r.Delete("/availability/{id}", deleteAvailabilityHandler(cfg.Service))
	r.Get("/doctors/{doctorID}/availability", listAvailabilityHandler(cfg.Service))

	// Slot computation (patient side)
	r.Get("/doctors/{doctorID}/slots", slotsHandler(cfg.Service))
	r.Get("/doctors/{doctorID}/slots/stream", streamSlotsHandler(cfg.Watcher))

	// Appointments
	r.Post("/appointments", createAppointmentHandler(cfg.Service))
	r.Get("/appointments", listAppointmentsHandler(cfg.Service))
	r.Post("/appointments/{id}/complete", completeAppointmentHandler(cfg.Service))
	r.Delete("/appointments/{id}", deleteAppointmentHandler(cfg.Service))

	return r
}

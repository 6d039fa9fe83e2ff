package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrWindowNotFound      = errors.New("availability window not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	// Availability windows: created and deleted, never updated.
	CreateAvailabilityWindow(ctx context.Context, w AvailabilityWindow) (*AvailabilityWindow, error)
	ListAvailabilityByDoctor(ctx context.Context, doctorID uuid.UUID) ([]AvailabilityWindow, error)
	DeleteAvailabilityWindow(ctx context.Context, id uuid.UUID) error

	// Appointments
	CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID) ([]Appointment, error)
	ListOpenAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID) ([]Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID) ([]Appointment, error)
	CompleteAppointment(ctx context.Context, id uuid.UUID, at time.Time) (*Appointment, error)
	DeleteAppointment(ctx context.Context, id uuid.UUID) error

	// Cleanup worker
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}

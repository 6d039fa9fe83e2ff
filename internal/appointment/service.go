package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/saludconnect/telemed-scheduling/internal/config"
	redisclient "github.com/saludconnect/telemed-scheduling/internal/redis"
)

const (
	EventAppointmentBooked    = "APPOINTMENT_BOOKED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentDeleted   = "APPOINTMENT_DELETED"
)

// Booking guard modes. GuardOff reproduces the legacy client behavior:
// occupancy is checked against a snapshot that can go stale between read
// and write, so two patients who both saw a free slot can double-book it.
// GuardLock serializes the check-then-insert per slot through Redis.
const (
	GuardOff  = "off"
	GuardLock = "lock"
)

var (
	ErrNotAuthenticated        = errors.New("caller identity required")
	ErrNoSlotSelected          = errors.New("no slot selected")
	ErrNoReason                = errors.New("no consultation reason selected")
	ErrInvalidReason           = errors.New("unknown consultation reason")
	ErrInvalidDay              = errors.New("day must be a weekday name")
	ErrInvalidClock            = errors.New("time must be HH:MM")
	ErrInvalidWindow           = errors.New("window start must be before end")
	ErrSlotUnavailable         = errors.New("slot is outside the doctor's availability")
	ErrSlotOccupied            = errors.New("slot is already booked")
	ErrSlotBeingBooked         = errors.New("slot is currently being booked, please retry")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
)

// BookingRequest is a patient's slot selection.
type BookingRequest struct {
	DoctorID  uuid.UUID
	PatientID uuid.UUID // zero value means no caller identity
	Date      time.Time // calendar date, time-of-day ignored
	Slot      string    // "HH:MM"
	Reason    Reason
}

type Service struct {
	repo   Repository
	locker redisclient.Locker
	cfg    config.Config
	log    zerolog.Logger
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
		cfg:    cfg,
		log:    log,
	}
}

// AddAvailability records one weekly window for a doctor. Windows are
// immutable; the only edit is delete and recreate.
func (s *Service) AddAvailability(ctx context.Context, doctorID uuid.UUID, day, start, end string) (*AvailabilityWindow, error) {
	weekday, err := ParseWeekday(day)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDay, err)
	}

	startMin, err := parseClock(start)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClock, err)
	}
	endMin, err := parseClock(end)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClock, err)
	}
	if startMin >= endMin {
		return nil, ErrInvalidWindow
	}

	if _, err := s.repo.GetDoctorByID(ctx, doctorID); err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	w, err := s.repo.CreateAvailabilityWindow(ctx, AvailabilityWindow{
		DoctorID: doctorID,
		Day:      weekday,
		Start:    formatClock(startMin),
		End:      formatClock(endMin),
	})
	if err != nil {
		return nil, fmt.Errorf("create availability window: %w", err)
	}
	return w, nil
}

func (s *Service) Availability(ctx context.Context, doctorID uuid.UUID) ([]AvailabilityWindow, error) {
	windows, err := s.repo.ListAvailabilityByDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}
	return windows, nil
}

func (s *Service) RemoveAvailability(ctx context.Context, id uuid.UUID) error {
	return s.repo.DeleteAvailabilityWindow(ctx, id)
}

// SlotsForDate computes the bookable slot list for one doctor and one
// calendar date from fresh snapshots. An empty list means no availability
// that day.
func (s *Service) SlotsForDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Slot, error) {
	avail, booked, err := s.loadIndexes(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	return GenerateSlots(date, avail, booked), nil
}

// CreateAppointment validates a slot selection and records the
// appointment. All input validation happens before any store access, so a
// rejected request never reaches the database.
func (s *Service) CreateAppointment(ctx context.Context, req BookingRequest) (*Appointment, error) {
	if req.PatientID == uuid.Nil {
		return nil, ErrNotAuthenticated
	}
	if req.Slot == "" {
		return nil, ErrNoSlotSelected
	}
	if req.Reason == "" {
		return nil, ErrNoReason
	}
	if !req.Reason.Valid() {
		return nil, ErrInvalidReason
	}

	patient, err := s.repo.GetPatientByID(ctx, req.PatientID)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	doctor, err := s.repo.GetDoctorByID(ctx, req.DoctorID)
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	startsAt, err := combineDateClock(req.Date, req.Slot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClock, err)
	}

	book := func(ctx context.Context) (*Appointment, error) {
		return s.bookSlot(ctx, req, doctor, patient, startsAt)
	}

	if s.cfg.BookingGuard != GuardLock {
		return book(ctx)
	}

	var created *Appointment
	lockKey := fmt.Sprintf("%s:%s", req.DoctorID, startsAt.Format("2006-01-02T15:04"))
	err = s.locker.WithSlotLock(ctx, lockKey, func(lockCtx context.Context) error {
		appt, err := book(lockCtx)
		if err != nil {
			return err
		}
		created = appt
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	return created, nil
}

// bookSlot re-derives the slot list and checks the selection against it.
// Without the lock guard this check runs on a snapshot and two concurrent
// callers can both pass it; that weaker guarantee is the documented
// baseline behavior.
func (s *Service) bookSlot(ctx context.Context, req BookingRequest, doctor *Doctor, patient *Patient, startsAt time.Time) (*Appointment, error) {
	avail, booked, err := s.loadIndexes(ctx, req.DoctorID)
	if err != nil {
		return nil, err
	}

	var selected *Slot
	for _, slot := range GenerateSlots(req.Date, avail, booked) {
		if slot.Time == req.Slot {
			selected = &slot
			break
		}
	}
	if selected == nil {
		return nil, ErrSlotUnavailable
	}
	if selected.Occupied {
		return nil, ErrSlotOccupied
	}

	appt, err := s.repo.CreateAppointment(ctx, Appointment{
		DoctorID:    req.DoctorID,
		PatientID:   req.PatientID,
		DoctorName:  doctor.Name,
		PatientName: patient.Name,
		Reason:      req.Reason,
		StartsAt:    startsAt,
	})
	if err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	s.logEvent(ctx, appt.ID, EventAppointmentBooked, map[string]any{
		"doctor_id":  req.DoctorID.String(),
		"patient_id": req.PatientID.String(),
		"starts_at":  startsAt,
	})

	return appt, nil
}

// CompleteAppointment moves a pending appointment to completed and stamps
// the completion time that the cleanup worker's retention clock runs from.
func (s *Service) CompleteAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if appt.Status != StatusPending {
		return nil, ErrInvalidStatusTransition
	}

	updated, err := s.repo.CompleteAppointment(ctx, appt.ID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// Lost a race with another complete or a delete.
			return nil, ErrInvalidStatusTransition
		}
		return nil, fmt.Errorf("complete appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentCompleted, map[string]any{})

	return updated, nil
}

// DeleteAppointment removes an appointment outright. Both patients and
// doctors may do this; removal is also what frees the slot.
func (s *Service) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.DeleteAppointment(ctx, id); err != nil {
		return err
	}
	s.logEvent(ctx, id, EventAppointmentDeleted, map[string]any{})
	return nil
}

func (s *Service) AppointmentsForDoctor(ctx context.Context, doctorID uuid.UUID) ([]Appointment, error) {
	appts, err := s.repo.ListOpenAppointmentsByDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list appointments by doctor: %w", err)
	}
	return appts, nil
}

func (s *Service) AppointmentsForPatient(ctx context.Context, patientID uuid.UUID) ([]Appointment, error) {
	appts, err := s.repo.ListAppointmentsByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appts, nil
}

// CleanupCompleted deletes completed appointments older than the retention
// period. Intended to be called by the worker periodically.
func (s *Service) CleanupCompleted(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.CompletedRetention)
	removed, err := s.repo.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup completed appointments: %w", err)
	}
	if removed > 0 {
		s.log.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("completed appointments swept")
	}
	return removed, nil
}

func (s *Service) loadIndexes(ctx context.Context, doctorID uuid.UUID) (*AvailabilityIndex, *BookedSlotIndex, error) {
	windows, err := s.repo.ListAvailabilityByDoctor(ctx, doctorID)
	if err != nil {
		return nil, nil, fmt.Errorf("list availability: %w", err)
	}
	appts, err := s.repo.ListAppointmentsByDoctor(ctx, doctorID)
	if err != nil {
		return nil, nil, fmt.Errorf("list appointments: %w", err)
	}

	avail := NewAvailabilityIndex()
	avail.Rebuild(windows)
	booked := NewBookedSlotIndex(doctorID)
	booked.Rebuild(appts)
	return avail, booked, nil
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", eventType).Msg("marshal event payload")
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event", eventType).Stringer("appointment_id", appointmentID).Msg("insert event log")
	}
}

package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/saludconnect/telemed-scheduling/internal/appointment"
)

type CreateAvailabilityRequest struct {
	DoctorID string `json:"doctor_id"`
	Day      string `json:"day"`   // weekday name, e.g. "Monday"
	Start    string `json:"start"` // "HH:MM"
	End      string `json:"end"`   // "HH:MM"
}

type AvailabilityResponse struct {
	ID       uuid.UUID `json:"id"`
	DoctorID uuid.UUID `json:"doctor_id"`
	Day      string    `json:"day"`
	Start    string    `json:"start"`
	End      string    `json:"end"`
}

type SlotsResponse struct {
	DoctorID uuid.UUID          `json:"doctor_id"`
	Date     string             `json:"date"` // "2006-01-02"
	Slots    []appointment.Slot `json:"slots"`
}

type CreateAppointmentRequest struct {
	DoctorID  string `json:"doctor_id"`
	PatientID string `json:"patient_id"`
	Date      string `json:"date"` // "2006-01-02"
	Slot      string `json:"slot"` // "HH:MM"
	Reason    string `json:"reason"`
}

type AppointmentResponse struct {
	ID          uuid.UUID  `json:"id"`
	DoctorID    uuid.UUID  `json:"doctor_id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	DoctorName  string     `json:"doctor_name"`
	PatientName string     `json:"patient_name"`
	Reason      string     `json:"reason"`
	Status      string     `json:"status"`
	StartsAt    time.Time  `json:"starts_at"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func availabilityResponse(w *appointment.AvailabilityWindow) AvailabilityResponse {
	return AvailabilityResponse{
		ID:       w.ID,
		DoctorID: w.DoctorID,
		Day:      w.Day.String(),
		Start:    w.Start,
		End:      w.End,
	}
}

func appointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:          a.ID,
		DoctorID:    a.DoctorID,
		PatientID:   a.PatientID,
		DoctorName:  a.DoctorName,
		PatientName: a.PatientName,
		Reason:      string(a.Reason),
		Status:      string(a.Status),
		StartsAt:    a.StartsAt,
		CreatedAt:   a.CreatedAt,
		CompletedAt: a.CompletedAt,
	}
}

package appointment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Reason is the patient-declared purpose of a consultation.
type Reason string

const (
	ReasonConsultation  Reason = "consultation"
	ReasonPrescriptions Reason = "prescriptions"
	ReasonExams         Reason = "exams"
	ReasonResults       Reason = "results"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonConsultation, ReasonPrescriptions, ReasonExams, ReasonResults:
		return true
	}
	return false
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AvailabilityWindow is one recurring weekly block during which a doctor
// accepts appointments. Windows are created and deleted, never edited in
// place; changing hours means delete and recreate.
type AvailabilityWindow struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	Day       time.Weekday
	Start     string // "HH:MM", minute precision
	End       string // "HH:MM", must be after Start
	CreatedAt time.Time
}

// Appointment is one scheduled (or completed) consultation. Doctor and
// patient names are denormalized at booking time so listings do not need
// joins against the people tables.
type Appointment struct {
	ID          uuid.UUID
	DoctorID    uuid.UUID
	PatientID   uuid.UUID
	DoctorName  string
	PatientName string
	Reason      Reason
	Status      Status
	StartsAt    time.Time // calendar date + selected slot time, UTC
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// EventLog is an append-only audit trail row. Payloads are free-form
// JSON; rows are never read back by this service.
type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// ParseWeekday accepts English weekday names, case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(s, d.String()) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

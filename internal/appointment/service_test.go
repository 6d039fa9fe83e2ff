package appointment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saludconnect/telemed-scheduling/internal/config"
	redisclient "github.com/saludconnect/telemed-scheduling/internal/redis"
)

// fakeRepo is an in-memory Repository that counts writes so tests can
// assert that rejected bookings never reach the store.
type fakeRepo struct {
	doctors  map[uuid.UUID]*Doctor
	patients map[uuid.UUID]*Patient
	windows  []AvailabilityWindow
	appts    []*Appointment
	events   []EventLog
	writes   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		doctors:  make(map[uuid.UUID]*Doctor),
		patients: make(map[uuid.UUID]*Patient),
	}
}

func (r *fakeRepo) addDoctor(name string) uuid.UUID {
	id := uuid.New()
	r.doctors[id] = &Doctor{ID: id, Name: name}
	return id
}

func (r *fakeRepo) addPatient(name string) uuid.UUID {
	id := uuid.New()
	r.patients[id] = &Patient{ID: id, Name: name}
	return id
}

func (r *fakeRepo) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return d, nil
}

func (r *fakeRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return p, nil
}

func (r *fakeRepo) CreateAvailabilityWindow(_ context.Context, w AvailabilityWindow) (*AvailabilityWindow, error) {
	r.writes++
	w.ID = uuid.New()
	w.CreatedAt = time.Now().UTC()
	r.windows = append(r.windows, w)
	return &w, nil
}

func (r *fakeRepo) ListAvailabilityByDoctor(_ context.Context, doctorID uuid.UUID) ([]AvailabilityWindow, error) {
	var out []AvailabilityWindow
	for _, w := range r.windows {
		if w.DoctorID == doctorID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (r *fakeRepo) DeleteAvailabilityWindow(_ context.Context, id uuid.UUID) error {
	r.writes++
	for i, w := range r.windows {
		if w.ID == id {
			r.windows = append(r.windows[:i], r.windows[i+1:]...)
			return nil
		}
	}
	return ErrWindowNotFound
}

func (r *fakeRepo) CreateAppointment(_ context.Context, a Appointment) (*Appointment, error) {
	r.writes++
	a.ID = uuid.New()
	a.Status = StatusPending
	a.CreatedAt = time.Now().UTC()
	r.appts = append(r.appts, &a)
	return &a, nil
}

func (r *fakeRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	for _, a := range r.appts {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (r *fakeRepo) ListAppointmentsByDoctor(_ context.Context, doctorID uuid.UUID) ([]Appointment, error) {
	var out []Appointment
	for _, a := range r.appts {
		if a.DoctorID == doctorID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListOpenAppointmentsByDoctor(_ context.Context, doctorID uuid.UUID) ([]Appointment, error) {
	var out []Appointment
	for _, a := range r.appts {
		if a.DoctorID == doctorID && a.Status != StatusCompleted {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID) ([]Appointment, error) {
	var out []Appointment
	for _, a := range r.appts {
		if a.PatientID == patientID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *fakeRepo) CompleteAppointment(_ context.Context, id uuid.UUID, at time.Time) (*Appointment, error) {
	r.writes++
	for _, a := range r.appts {
		if a.ID == id && a.Status == StatusPending {
			a.Status = StatusCompleted
			a.CompletedAt = &at
			return a, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (r *fakeRepo) DeleteAppointment(_ context.Context, id uuid.UUID) error {
	r.writes++
	for i, a := range r.appts {
		if a.ID == id {
			r.appts = append(r.appts[:i], r.appts[i+1:]...)
			return nil
		}
	}
	return ErrAppointmentNotFound
}

func (r *fakeRepo) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.writes++
	var kept []*Appointment
	var removed int64
	for _, a := range r.appts {
		if a.Status == StatusCompleted && a.CompletedAt != nil && a.CompletedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	r.appts = kept
	return removed, nil
}

func (r *fakeRepo) InsertEvent(_ context.Context, ev EventLog) error {
	r.events = append(r.events, ev)
	return nil
}

// fakeLocker either runs the critical section inline or reports the lock
// as held elsewhere.
type fakeLocker struct {
	busy  bool
	calls int
}

func (l *fakeLocker) WithSlotLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	l.calls++
	if l.busy {
		return redisclient.ErrLockNotAcquired
	}
	return fn(ctx)
}

func newTestService(repo *fakeRepo, locker *fakeLocker, guard string) *Service {
	cfg := config.Config{
		BookingGuard:       guard,
		CompletedRetention: 3 * time.Minute,
	}
	return NewService(repo, locker, cfg, zerolog.Nop())
}

func mondayBooking(doctorID, patientID uuid.UUID, slot string) BookingRequest {
	return BookingRequest{
		DoctorID:  doctorID,
		PatientID: patientID,
		Date:      monday,
		Slot:      slot,
		Reason:    ReasonConsultation,
	}
}

func TestCreateAppointmentValidatesBeforeAnyWrite(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor("Dr. Vega")
	patientID := repo.addPatient("Ana Flores")
	svc := newTestService(repo, &fakeLocker{}, GuardOff)

	cases := []struct {
		name string
		req  BookingRequest
		want error
	}{
		{"no identity", BookingRequest{DoctorID: doctorID, Date: monday, Slot: "09:00", Reason: ReasonConsultation}, ErrNotAuthenticated},
		{"no slot", BookingRequest{DoctorID: doctorID, PatientID: patientID, Date: monday, Reason: ReasonConsultation}, ErrNoSlotSelected},
		{"no reason", BookingRequest{DoctorID: doctorID, PatientID: patientID, Date: monday, Slot: "09:00"}, ErrNoReason},
		{"bad reason", BookingRequest{DoctorID: doctorID, PatientID: patientID, Date: monday, Slot: "09:00", Reason: "haircut"}, ErrInvalidReason},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateAppointment(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
			assert.Zero(t, repo.writes, "validation failures must not reach the store")
		})
	}
}

func TestCreateAppointmentSuccess(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor("Dr. Vega")
	patientID := repo.addPatient("Ana Flores")
	repo.windows = append(repo.windows, window(doctorID, time.Monday, "09:00", "11:00"))
	svc := newTestService(repo, &fakeLocker{}, GuardOff)

	appt, err := svc.CreateAppointment(context.Background(), mondayBooking(doctorID, patientID, "10:00"))

	require.NoError(t, err)
	assert.Equal(t, StatusPending, appt.Status)
	assert.Equal(t, "Dr. Vega", appt.DoctorName)
	assert.Equal(t, "Ana Flores", appt.PatientName)
	assert.Equal(t, monday.Add(10*time.Hour), appt.StartsAt)

	require.Len(t, repo.events, 1)
	assert.Equal(t, EventAppointmentBooked, repo.events[0].EventType)
}

func TestCreateAppointmentRejectsOccupiedSlot(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor("Dr. Vega")
	first := repo.addPatient("Ana Flores")
	second := repo.addPatient("Luis Soto")
	repo.windows = append(repo.windows, window(doctorID, time.Monday, "09:00", "11:00"))
	svc := newTestService(repo, &fakeLocker{}, GuardOff)

	_, err := svc.CreateAppointment(context.Background(), mondayBooking(doctorID, first, "10:00"))
	require.NoError(t, err)

	_, err = svc.CreateAppointment(context.Background(), mondayBooking(doctorID, second, "10:00"))
	assert.ErrorIs(t, err, ErrSlotOccupied)
}

func TestCreateAppointmentRejectsSlotOutsideAvailability(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor("Dr. Vega")
	patientID := repo.addPatient("Ana Flores")
	repo.windows = append(repo.windows, window(doctorID, time.Monday, "09:00", "11:00"))
	svc := newTestService(repo, &fakeLocker{}, GuardOff)

	// Off the 30-minute grid
	_, err := svc.CreateAppointment(context.Background(), mondayBooking(doctorID, patientID, "09:15"))
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	// Day without any window
	req := mondayBooking(doctorID, patientID, "09:00")
	req.Date = monday.AddDate(0, 0, 1)
	_, err = svc.CreateAppointment(context.Background(), req)
	assert.ErrorIs(t, err, ErrSlotUnavailable)
}

func TestCreateAppointmentLockGuard(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor("Dr. Vega")
	patientID := repo.addPatient("Ana Flores")
	repo.windows = append(repo.windows, window(doctorID, time.Monday, "09:00", "11:00"))

	locker := &fakeLocker{}
	svc := newTestService(repo, locker, GuardLock)

	_, err := svc.CreateAppointment(context.Background(), mondayBooking(doctorID, patientID, "09:00"))
	require.NoError(t, err)
	assert.Equal(t, 1, locker.calls)

	locker.busy = true
	_, err = svc.CreateAppointment(context.Background(), mondayBooking(doctorID, patientID, "09:30"))
	assert.ErrorIs(t, err, ErrSlotBeingBooked)
}

func TestCompleteAppointment(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor("Dr. Vega")
	patientID := repo.addPatient("Ana Flores")
	repo.windows = append(repo.windows, window(doctorID, time.Monday, "09:00", "11:00"))
	svc := newTestService(repo, &fakeLocker{}, GuardOff)

	appt, err := svc.CreateAppointment(context.Background(), mondayBooking(doctorID, patientID, "09:00"))
	require.NoError(t, err)

	done, err := svc.CompleteAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	// Completing twice is an invalid transition.
	_, err = svc.CompleteAppointment(context.Background(), appt.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

// A completed appointment keeps occupying its slot until the cleanup
// worker deletes the row; deletion is what frees the slot.
func TestCompletedAppointmentStillOccupiesSlot(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor("Dr. Vega")
	patientID := repo.addPatient("Ana Flores")
	repo.windows = append(repo.windows, window(doctorID, time.Monday, "09:00", "10:00"))
	svc := newTestService(repo, &fakeLocker{}, GuardOff)

	appt, err := svc.CreateAppointment(context.Background(), mondayBooking(doctorID, patientID, "09:00"))
	require.NoError(t, err)
	_, err = svc.CompleteAppointment(context.Background(), appt.ID)
	require.NoError(t, err)

	slots, err := svc.SlotsForDate(context.Background(), doctorID, monday)
	require.NoError(t, err)
	require.NotEmpty(t, slots)
	assert.True(t, slots[0].Occupied)

	require.NoError(t, svc.DeleteAppointment(context.Background(), appt.ID))

	slots, err = svc.SlotsForDate(context.Background(), doctorID, monday)
	require.NoError(t, err)
	assert.False(t, slots[0].Occupied)
}

func TestCleanupCompletedHonorsRetention(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor("Dr. Vega")
	patientID := repo.addPatient("Ana Flores")
	svc := newTestService(repo, &fakeLocker{}, GuardOff)

	old := time.Now().UTC().Add(-10 * time.Minute)
	fresh := time.Now().UTC()
	repo.appts = append(repo.appts,
		&Appointment{ID: uuid.New(), DoctorID: doctorID, PatientID: patientID, Status: StatusCompleted, CompletedAt: &old},
		&Appointment{ID: uuid.New(), DoctorID: doctorID, PatientID: patientID, Status: StatusCompleted, CompletedAt: &fresh},
		&Appointment{ID: uuid.New(), DoctorID: doctorID, PatientID: patientID, Status: StatusPending},
	)

	removed, err := svc.CleanupCompleted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Len(t, repo.appts, 2)
}

func TestAddAvailabilityValidation(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor("Dr. Vega")
	svc := newTestService(repo, &fakeLocker{}, GuardOff)

	_, err := svc.AddAvailability(context.Background(), doctorID, "Funday", "09:00", "10:00")
	assert.ErrorIs(t, err, ErrInvalidDay)

	_, err = svc.AddAvailability(context.Background(), doctorID, "Monday", "9am", "10:00")
	assert.ErrorIs(t, err, ErrInvalidClock)

	// Digit-shaped but not a real clock value.
	_, err = svc.AddAvailability(context.Background(), doctorID, "Monday", "29:59", "10:00")
	assert.ErrorIs(t, err, ErrInvalidClock)

	_, err = svc.AddAvailability(context.Background(), doctorID, "Monday", "10:00", "09:00")
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = svc.AddAvailability(context.Background(), doctorID, "Monday", "09:00", "09:00")
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = svc.AddAvailability(context.Background(), uuid.New(), "Monday", "09:00", "10:00")
	assert.ErrorIs(t, err, ErrDoctorNotFound)

	w, err := svc.AddAvailability(context.Background(), doctorID, "monday", "09:00", "12:30")
	require.NoError(t, err)
	assert.Equal(t, time.Monday, w.Day)
	assert.Equal(t, "09:00", w.Start)
	assert.Equal(t, "12:30", w.End)
}

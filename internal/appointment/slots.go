package appointment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SlotInterval is the fixed bookable granularity. The scheduling product
// offers 30-minute consultations only; this is not configurable.
const SlotInterval = 30 * time.Minute

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

// Slot is one discrete bookable unit for a concrete calendar date. Slots
// are derived on demand and never persisted.
type Slot struct {
	Time     string `json:"time"` // "HH:MM"
	Occupied bool   `json:"occupied"`
}

// AvailabilityIndex holds a doctor's weekly availability windows keyed by
// weekday. It is a disposable projection: Rebuild replaces the whole
// contents from a fresh snapshot. Windows for a day keep snapshot order;
// overlapping windows are not merged.
type AvailabilityIndex struct {
	byDay map[time.Weekday][]AvailabilityWindow
}

func NewAvailabilityIndex() *AvailabilityIndex {
	return &AvailabilityIndex{byDay: make(map[time.Weekday][]AvailabilityWindow)}
}

func (ix *AvailabilityIndex) Rebuild(windows []AvailabilityWindow) {
	byDay := make(map[time.Weekday][]AvailabilityWindow, len(windows))
	for _, w := range windows {
		byDay[w.Day] = append(byDay[w.Day], w)
	}
	ix.byDay = byDay
}

// WindowsFor returns the windows for a weekday in snapshot order. An
// empty result is normal, not an error.
func (ix *AvailabilityIndex) WindowsFor(day time.Weekday) []AvailabilityWindow {
	return ix.byDay[day]
}

type slotKey struct {
	date  string // "2006-01-02"
	clock string // "HH:MM"
}

// BookedSlotIndex is the set of (calendar date, slot time) pairs already
// taken for one doctor. Occupancy is exact-match only: an appointment on a
// different date never blocks a same-weekday slot. Completed appointments
// keep occupying until the cleanup worker deletes them; deletion is the
// release mechanism.
type BookedSlotIndex struct {
	doctorID uuid.UUID
	taken    map[slotKey]struct{}
}

func NewBookedSlotIndex(doctorID uuid.UUID) *BookedSlotIndex {
	return &BookedSlotIndex{
		doctorID: doctorID,
		taken:    make(map[slotKey]struct{}),
	}
}

// Rebuild replaces the index from an appointment snapshot. Appointments
// for other doctors are ignored, so callers may feed an unfiltered list.
func (ix *BookedSlotIndex) Rebuild(appointments []Appointment) {
	taken := make(map[slotKey]struct{}, len(appointments))
	for _, a := range appointments {
		if a.DoctorID != ix.doctorID {
			continue
		}
		taken[keyFor(a.StartsAt)] = struct{}{}
	}
	ix.taken = taken
}

func (ix *BookedSlotIndex) IsOccupied(date time.Time, clock string) bool {
	_, ok := ix.taken[slotKey{date: date.UTC().Format(dateLayout), clock: clock}]
	return ok
}

func keyFor(startsAt time.Time) slotKey {
	t := startsAt.UTC()
	return slotKey{date: t.Format(dateLayout), clock: t.Format(clockLayout)}
}

// GenerateSlots produces the ordered slot list for one calendar date.
//
// The date's weekday selects an availability window; when a doctor has
// several windows for the same weekday only the first in snapshot order is
// used (first-match-wins, a deliberate product policy, not a union of
// windows). Slots start at the window's start time and repeat every
// SlotInterval while strictly before the end time, so a window ending
// exactly on a slot boundary does not yield that boundary slot. Each slot
// carries its occupancy from the booked index.
//
// No state is retained between calls; an empty result means the doctor has
// no availability that day.
func GenerateSlots(date time.Time, avail *AvailabilityIndex, booked *BookedSlotIndex) []Slot {
	windows := avail.WindowsFor(date.UTC().Weekday())
	if len(windows) == 0 {
		return nil
	}
	w := windows[0]

	start, err := parseClock(w.Start)
	if err != nil {
		return nil
	}
	end, err := parseClock(w.End)
	if err != nil {
		return nil
	}

	step := int(SlotInterval / time.Minute)
	var slots []Slot
	for cur := start; cur < end; cur += step {
		clock := formatClock(cur)
		slots = append(slots, Slot{
			Time:     clock,
			Occupied: booked.IsOccupied(date, clock),
		})
	}
	return slots
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse(clockLayout, s)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func formatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// combineDateClock anchors a slot time onto a calendar date, in UTC.
func combineDateClock(date time.Time, clock string) (time.Time, error) {
	m, err := parseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	d := date.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), m/60, m%60, 0, 0, time.UTC), nil
}

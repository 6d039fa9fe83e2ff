package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Planner is the reactive half of slot computation: it owns one doctor's
// availability and booked-slot projections plus the currently selected
// calendar date, and re-derives the slot list whenever any of the three
// change. The two feeds carry no ordering guarantee relative to each
// other, so every recompute reads the latest value of both instead of
// assuming an arrival order.
//
// Run is the only goroutine that mutates the indexes; everyone else just
// receives slot lists, so no locking is needed.
type Planner struct {
	doctorID uuid.UUID
	avail    *AvailabilityIndex
	booked   *BookedSlotIndex
	date     time.Time

	dates chan time.Time
	out   chan []Slot
}

func NewPlanner(doctorID uuid.UUID, date time.Time) *Planner {
	return &Planner{
		doctorID: doctorID,
		avail:    NewAvailabilityIndex(),
		booked:   NewBookedSlotIndex(doctorID),
		date:     date,
		dates:    make(chan time.Time, 1),
		out:      make(chan []Slot, 1),
	}
}

// Slots delivers recomputed slot lists. Only the latest list matters: a
// pending unread list is replaced rather than queued. The channel closes
// when Run returns.
func (p *Planner) Slots() <-chan []Slot {
	return p.out
}

// SelectDate switches the planner to another calendar date. Calls made
// faster than the planner drains them collapse to the latest date.
func (p *Planner) SelectDate(date time.Time) {
	select {
	case <-p.dates:
	default:
	}
	p.dates <- date
}

// Run consumes both feeds until the context is cancelled or both feed
// channels are closed.
func (p *Planner) Run(ctx context.Context, windows <-chan []AvailabilityWindow, appointments <-chan []Appointment) {
	defer close(p.out)

	for {
		select {
		case <-ctx.Done():
			return
		case ws, ok := <-windows:
			if !ok {
				windows = nil
				if appointments == nil {
					return
				}
				continue
			}
			p.avail.Rebuild(ws)
		case as, ok := <-appointments:
			if !ok {
				appointments = nil
				if windows == nil {
					return
				}
				continue
			}
			p.booked.Rebuild(as)
		case d := <-p.dates:
			p.date = d
		}

		p.publish(ctx)
	}
}

func (p *Planner) publish(ctx context.Context) {
	slots := GenerateSlots(p.date, p.avail, p.booked)

	// Replace any unread list; out is buffered and Run is its sole sender,
	// so after the drain the send cannot block.
	select {
	case <-p.out:
	default:
	}
	select {
	case p.out <- slots:
	case <-ctx.Done():
	}
}

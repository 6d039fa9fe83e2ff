package appointment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/saludconnect/telemed-scheduling/internal/db"
)

// Postgres NOTIFY channels; the schema triggers fire these with the
// doctor ID as payload on any write under the corresponding table.
const (
	ChannelAvailability = "availability_changed"
	ChannelAppointments = "appointments_changed"
)

// Listener hands out notification subscriptions per channel. *db.Listener
// is the Postgres-backed implementation.
type Listener interface {
	Listen(ctx context.Context, channel string) (*db.Subscription, error)
}

// Watcher turns LISTEN/NOTIFY signals into snapshot feeds. A feed emits
// one full snapshot immediately and then a fresh one after every relevant
// notification; consumers rebuild their projections from whole snapshots
// and never apply deltas.
type Watcher struct {
	repo     Repository
	listener Listener
	log      zerolog.Logger
}

func NewWatcher(repo Repository, listener Listener, log zerolog.Logger) *Watcher {
	return &Watcher{repo: repo, listener: listener, log: log}
}

// AvailabilityFeed streams availability snapshots for one doctor.
// Updates is closed when the feed stops.
type AvailabilityFeed struct {
	Updates <-chan []AvailabilityWindow
	sub     *db.Subscription
}

func (f *AvailabilityFeed) Close() { f.sub.Close() }

// AppointmentFeed streams appointment snapshots for one doctor.
type AppointmentFeed struct {
	Updates <-chan []Appointment
	sub     *db.Subscription
}

func (f *AppointmentFeed) Close() { f.sub.Close() }

func (w *Watcher) WatchAvailability(ctx context.Context, doctorID uuid.UUID) (*AvailabilityFeed, error) {
	sub, err := w.listener.Listen(ctx, ChannelAvailability)
	if err != nil {
		return nil, fmt.Errorf("watch availability: %w", err)
	}

	out := make(chan []AvailabilityWindow, 1)
	go func() {
		defer close(out)

		emit := func() bool {
			snap, err := w.repo.ListAvailabilityByDoctor(ctx, doctorID)
			if err != nil {
				w.log.Error().Err(err).Stringer("doctor_id", doctorID).Msg("availability snapshot reload failed")
				return true
			}
			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-sub.C:
				if !ok {
					return
				}
				if n.Payload != "" && n.Payload != doctorID.String() {
					continue
				}
				if !emit() {
					return
				}
			}
		}
	}()

	return &AvailabilityFeed{Updates: out, sub: sub}, nil
}

func (w *Watcher) WatchAppointments(ctx context.Context, doctorID uuid.UUID) (*AppointmentFeed, error) {
	sub, err := w.listener.Listen(ctx, ChannelAppointments)
	if err != nil {
		return nil, fmt.Errorf("watch appointments: %w", err)
	}

	out := make(chan []Appointment, 1)
	go func() {
		defer close(out)

		emit := func() bool {
			snap, err := w.repo.ListAppointmentsByDoctor(ctx, doctorID)
			if err != nil {
				w.log.Error().Err(err).Stringer("doctor_id", doctorID).Msg("appointment snapshot reload failed")
				return true
			}
			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-sub.C:
				if !ok {
					return
				}
				if n.Payload != "" && n.Payload != doctorID.String() {
					continue
				}
				if !emit() {
					return
				}
			}
		}
	}()

	return &AppointmentFeed{Updates: out, sub: sub}, nil
}

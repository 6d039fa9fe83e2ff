package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Notification is one LISTEN/NOTIFY message.
type Notification struct {
	Channel string
	Payload string
}

// Listener hands out scoped LISTEN subscriptions backed by dedicated pool
// connections. Each Subscription owns its connection for the duration of
// the subscription and gives it back on Close, so a torn-down screen or
// request cannot keep receiving notifications.
type Listener struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewListener(pool *pgxpool.Pool, log zerolog.Logger) *Listener {
	return &Listener{pool: pool, log: log}
}

// Subscription delivers notifications on C until Close is called or the
// originating context is cancelled, after which C is closed.
type Subscription struct {
	C <-chan Notification

	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops the subscription and blocks until its connection has been
// released. Safe to call more than once.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// NewSubscription wraps an externally produced notification stream. stop
// must make the producer close ch and then close done; Close depends on
// that ordering. Listen builds its Postgres-backed subscriptions with it,
// and in-memory listener implementations can do the same.
func NewSubscription(ch <-chan Notification, stop context.CancelFunc, done chan struct{}) *Subscription {
	return &Subscription{C: ch, cancel: stop, done: done}
}

// Listen starts a LISTEN on the given channel. Notifications that arrive
// faster than the receiver drains them are dropped; every notification is
// only a "reload your snapshot" signal, so a dropped one is covered by the
// next.
func (l *Listener) Listen(ctx context.Context, channel string) (*Subscription, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen on %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan Notification, 16)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(ch)
		defer func() {
			// Closing the underlying connection drops the LISTEN state;
			// the pool replaces the connection on release.
			_ = conn.Conn().Close(context.Background())
			conn.Release()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					l.log.Error().Err(err).Str("channel", channel).Msg("notification wait failed")
				}
				return
			}

			select {
			case ch <- Notification{Channel: n.Channel, Payload: n.Payload}:
			default:
			}
		}
	}()

	return NewSubscription(ch, cancel, done), nil
}

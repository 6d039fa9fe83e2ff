package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saludconnect/telemed-scheduling/internal/appointment"
	"github.com/saludconnect/telemed-scheduling/internal/config"
	"github.com/saludconnect/telemed-scheduling/internal/db"
)

// memListener feeds notifications to subscriptions in memory, standing in
// for the Postgres LISTEN/NOTIFY path.
type memListener struct {
	mu       sync.Mutex
	channels map[string]chan db.Notification
}

func newMemListener() *memListener {
	return &memListener{channels: make(map[string]chan db.Notification)}
}

func (l *memListener) Listen(ctx context.Context, channel string) (*db.Subscription, error) {
	in := make(chan db.Notification, 16)
	l.mu.Lock()
	l.channels[channel] = in
	l.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan db.Notification, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		for {
			select {
			case <-subCtx.Done():
				return
			case n := <-in:
				select {
				case out <- n:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return db.NewSubscription(out, cancel, done), nil
}

func (l *memListener) notify(channel, payload string) {
	l.mu.Lock()
	in := l.channels[channel]
	l.mu.Unlock()
	if in != nil {
		in <- db.Notification{Channel: channel, Payload: payload}
	}
}

func newStreamServer(t *testing.T) (*httptest.Server, *stubRepo, *memListener) {
	t.Helper()

	repo := &stubRepo{
		doctor:  appointment.Doctor{ID: uuid.New(), Name: "Dr. Vega"},
		patient: appointment.Patient{ID: uuid.New(), Name: "Ana Flores"},
	}
	repo.windows = append(repo.windows, appointment.AvailabilityWindow{
		ID:       uuid.New(),
		DoctorID: repo.doctor.ID,
		Day:      time.Monday,
		Start:    "09:00",
		End:      "11:00",
	})

	listener := newMemListener()
	svc := appointment.NewService(repo, allowLocker{}, config.Config{BookingGuard: appointment.GuardOff}, zerolog.Nop())
	router := NewRouter(RouterConfig{
		Service: svc,
		Watcher: appointment.NewWatcher(repo, listener, zerolog.Nop()),
		Logger:  zerolog.Nop(),
		Env:     "test",
		Version: "test",
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, repo, listener
}

// readEvents decodes "data:" lines off an SSE body into slot snapshots.
func readEvents(body *bufio.Reader, out chan<- SlotsResponse) {
	for {
		line, err := body.ReadString('\n')
		if err != nil {
			close(out)
			return
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var snap SlotsResponse
		if json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &snap) == nil {
			out <- snap
		}
	}
}

func nextEvent(t *testing.T, events <-chan SlotsResponse) SlotsResponse {
	t.Helper()
	select {
	case snap, ok := <-events:
		require.True(t, ok, "stream ended before the expected snapshot")
		return snap
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a slot snapshot")
		return SlotsResponse{}
	}
}

func TestStreamSlotsEndpoint(t *testing.T) {
	srv, repo, listener := newStreamServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/doctors/%s/slots/stream?date=%s", srv.URL, repo.doctor.ID, testDate), nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan SlotsResponse, 16)
	go readEvents(bufio.NewReader(resp.Body), events)

	snap := nextEvent(t, events)
	require.Len(t, snap.Slots, 4)
	assert.Equal(t, "09:00", snap.Slots[0].Time)

	// A booking lands and the appointments channel fires; the stream must
	// deliver a snapshot with that slot occupied.
	repo.appts = append(repo.appts, &appointment.Appointment{
		ID:       uuid.New(),
		DoctorID: repo.doctor.ID,
		Status:   appointment.StatusPending,
		StartsAt: time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC),
	})
	listener.notify(appointment.ChannelAppointments, repo.doctor.ID.String())

	deadline := time.After(3 * time.Second)
	for {
		snap = nextEvent(t, events)
		occupied := false
		for _, s := range snap.Slots {
			if s.Time == "10:00" && s.Occupied {
				occupied = true
			}
		}
		if occupied {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no snapshot showed the booked slot as occupied")
		default:
		}
	}
}

func TestStreamSlotsEndpointRequiresDate(t *testing.T) {
	srv, repo, _ := newStreamServer(t)

	resp, err := http.Get(fmt.Sprintf("%s/doctors/%s/slots/stream", srv.URL, repo.doctor.ID))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing_date", decodeError(t, resp).Error)
}

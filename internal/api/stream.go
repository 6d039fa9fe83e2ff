package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/saludconnect/telemed-scheduling/internal/appointment"
)

// streamSlotsHandler pushes the live slot list for one doctor and date as
// server-sent events: one snapshot right away, then a fresh one whenever
// that doctor's availability or bookings change. Dropping the connection
// cancels the request context, which tears down both LISTEN subscriptions.
func streamSlotsHandler(watcher *appointment.Watcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, err := uuid.Parse(chi.URLParam(r, "doctorID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctorID must be a valid UUID")
			return
		}

		dateParam := r.URL.Query().Get("date")
		if dateParam == "" {
			writeError(w, http.StatusBadRequest, "missing_date", "date query parameter is required")
			return
		}
		date, err := time.Parse(dateLayout, dateParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
			return
		}

		ctx := r.Context()
		availability, err := watcher.WatchAvailability(ctx, doctorID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		defer availability.Close()

		appointments, err := watcher.WatchAppointments(ctx, doctorID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		defer appointments.Close()

		planner := appointment.NewPlanner(doctorID, date)
		go planner.Run(ctx, availability.Updates, appointments.Updates)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for slots := range planner.Slots() {
			if slots == nil {
				slots = []appointment.Slot{}
			}
			payload, err := json.Marshal(SlotsResponse{
				DoctorID: doctorID,
				Date:     date.Format(dateLayout),
				Slots:    slots,
			})
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: slots\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

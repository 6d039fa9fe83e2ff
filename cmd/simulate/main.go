// Command simulate races concurrent bookings for one slot to make the
// booking guarantees observable: with BOOKING_GUARD=off several requests
// can pass the snapshot occupancy check and double-book, with
// BOOKING_GUARD=lock exactly one wins and the rest get conflicts. The
// final row count in Postgres is the verdict.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/saludconnect/telemed-scheduling/internal/config"
	"github.com/saludconnect/telemed-scheduling/internal/db"
)

type SimConfig struct {
	APIBaseURL  string
	Workers     int
	Rounds      int
	PostgresDSN string
}

type target struct {
	DoctorID uuid.UUID
	Patients []uuid.UUID
	Date     string
	Slot     string
}

type tally struct {
	Created  int64
	Conflict int64
	Error    int64
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 1 {
		log.Fatal("SIM_WORKERS must be > 1 to produce contention")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	tgt, err := pickTarget(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("pick target: %v", err)
	}
	log.Printf("target: doctor=%s date=%s slot=%s workers=%d rounds=%d",
		tgt.DoctorID, tgt.Date, tgt.Slot, cfg.Workers, cfg.Rounds)

	client := &http.Client{Timeout: 10 * time.Second}

	var totals tally
	for round := 0; round < cfg.Rounds; round++ {
		t := raceOnce(ctx, client, cfg, tgt)
		totals.Created += t.Created
		totals.Conflict += t.Conflict
		totals.Error += t.Error
	}

	log.Printf("requests: created=%d conflict=%d error=%d", totals.Created, totals.Conflict, totals.Error)

	rows, err := countBooked(ctx, pgPool, tgt)
	if err != nil {
		log.Fatalf("count booked: %v", err)
	}
	log.Printf("appointments stored for the slot: %d", rows)
	if rows > 1 {
		log.Println("RESULT: double-booking occurred (expected with BOOKING_GUARD=off)")
	} else {
		log.Println("RESULT: slot booked at most once")
	}
}

// raceOnce releases all workers at the same instant against the same slot.
func raceOnce(ctx context.Context, client *http.Client, cfg SimConfig, tgt target) tally {
	var t tally
	start := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			<-start

			patient := tgt.Patients[workerID%len(tgt.Patients)]
			status, err := postBooking(ctx, client, cfg.APIBaseURL, tgt, patient)
			switch {
			case err != nil:
				atomic.AddInt64(&t.Error, 1)
			case status == http.StatusCreated:
				atomic.AddInt64(&t.Created, 1)
			case status == http.StatusConflict:
				atomic.AddInt64(&t.Conflict, 1)
			default:
				atomic.AddInt64(&t.Error, 1)
			}
		}(i)
	}

	close(start)
	wg.Wait()
	return t
}

func postBooking(ctx context.Context, client *http.Client, baseURL string, tgt target, patient uuid.UUID) (int, error) {
	body, err := json.Marshal(map[string]string{
		"doctor_id":  tgt.DoctorID.String(),
		"patient_id": patient.String(),
		"date":       tgt.Date,
		"slot":       tgt.Slot,
		"reason":     "consultation",
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/appointments", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// pickTarget finds a doctor with at least one availability window and a
// handful of patients, then aims at the window's first slot on the next
// date falling on the window's weekday.
func pickTarget(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (target, error) {
	var tgt target
	var day, start string

	err := pool.QueryRow(ctx, `
		SELECT doctor_id, day, start_time
		FROM availability_windows
		ORDER BY created_at
		LIMIT 1
	`).Scan(&tgt.DoctorID, &day, &start)
	if err != nil {
		return tgt, fmt.Errorf("load availability window: %w", err)
	}
	tgt.Slot = start

	date, err := nextDateFor(day)
	if err != nil {
		return tgt, err
	}
	tgt.Date = date

	rows, err := pool.Query(ctx, `
		SELECT id FROM patients LIMIT $1
	`, cfg.Workers)
	if err != nil {
		return tgt, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return tgt, err
		}
		tgt.Patients = append(tgt.Patients, id)
	}
	if len(tgt.Patients) == 0 {
		return tgt, fmt.Errorf("no patients loaded, run cmd/seed first")
	}

	return tgt, nil
}

func nextDateFor(day string) (string, error) {
	var want time.Weekday
	found := false
	for d := time.Sunday; d <= time.Saturday; d++ {
		if d.String() == day {
			want = d
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("unknown weekday %q", day)
	}

	date := time.Now().UTC().AddDate(0, 0, 1)
	for date.Weekday() != want {
		date = date.AddDate(0, 0, 1)
	}
	return date.Format("2006-01-02"), nil
}

func countBooked(ctx context.Context, pool *pgxpool.Pool, tgt target) (int64, error) {
	startsAt, err := time.Parse("2006-01-02 15:04", tgt.Date+" "+tgt.Slot)
	if err != nil {
		return 0, err
	}

	var count int64
	err = pool.QueryRow(ctx, `
		SELECT count(*) FROM appointments
		WHERE doctor_id = $1 AND starts_at = $2
	`, tgt.DoctorID, startsAt.UTC()).Scan(&count)
	return count, err
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	return SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Workers:     getInt("SIM_WORKERS", 8),
		Rounds:      getInt("SIM_ROUNDS", 1),
		PostgresDSN: baseCfg.PostgresDSN,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// README: Bench cases: environment checks, signed API flows, the respond contention check and ingest load.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"siren/internal/infra"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"

	pickupLat = 22.5726
	pickupLng = 88.3639
	tokenTTL  = time.Hour
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// run-scoped identities so repeated runs never collide
	runID   string
	rider   string
	drivers []string
	rideID  string
	winner  string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	runID := uuid.NewString()[:8]
	drivers := make([]string, cfg.Drivers)
	for i := range drivers {
		drivers[i] = fmt.Sprintf("bench-%s-d%d", runID, i)
	}
	return &Runner{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		runID:   runID,
		rider:   "bench-" + runID + "-rider",
		drivers: drivers,
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkPostgres},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: tablesExist},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/health", "", nil, http.StatusOK, nil)
		}},
		{Name: "Auth: missing token -> 401", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/api/nearby?lat=22.57&lng=88.36", "", nil, http.StatusUnauthorized, nil)
		}},
		{Name: "Location: drivers report positions", Run: reportDrivers},
		{Name: "Location: invalid coords -> 400", Run: func(ctx context.Context, r *Runner) Result {
			if res, ok := r.requireSecret(); !ok {
				return res
			}
			return r.expect(ctx, http.MethodPost, "/api/driver/location", r.driverToken(r.drivers[0]),
				map[string]any{"lat": 123.0, "lng": 456.0}, http.StatusBadRequest, nil)
		}},
		{Name: "Nearby: finds reporting drivers", Run: nearbyDrivers},
		{Name: "Estimate: candidates ranked", Run: func(ctx context.Context, r *Runner) Result {
			if res, ok := r.requireSecret(); !ok {
				return res
			}
			return r.expect(ctx, http.MethodPost, "/api/estimate", r.riderToken(), map[string]any{
				"pickup_lat": pickupLat, "pickup_lng": pickupLng,
				"dropoff_lat": pickupLat + 0.05, "dropoff_lng": pickupLng,
			}, http.StatusOK, nil)
		}},
		{Name: "Ride: broadcast request", Run: broadcastRide},
		{Name: "Concurrency: respond contention has one winner", Run: respondContention},
		{Name: "Ride: winner drives to completion", Run: progressRide},
		{Name: "Ride: completed ride cannot restart -> 409", Run: func(ctx context.Context, r *Runner) Result {
			if r.rideID == "" || r.winner == "" {
				return Result{Status: statusSkip, Note: "no assigned ride"}
			}
			return r.expect(ctx, http.MethodPost, "/api/driver/rides/"+r.rideID+"/start", r.driverToken(r.winner), nil, http.StatusConflict, nil)
		}},
		{Name: "Cancel: rider cancels matching ride", Run: cancelRide},
		{Name: "Perf: position report throughput", Run: perfPositions},
	}
}

func checkPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "dsn not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: statusSkip, Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: statusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
	}
	return Result{Status: statusPass}
}

func tablesExist(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("%d tables", len(tables))}
}

func reportDrivers(ctx context.Context, r *Runner) Result {
	if res, ok := r.requireSecret(); !ok {
		return res
	}
	start := time.Now()
	for i, d := range r.drivers {
		// spread drivers 100 m apart heading north
		res := r.expect(ctx, http.MethodPost, "/api/driver/location", r.driverToken(d), map[string]any{
			"lat": pickupLat + float64(i+1)*0.0009, "lng": pickupLng,
		}, http.StatusOK, nil)
		if res.Status != statusPass {
			return res
		}
	}
	return Result{Status: statusPass, Latency: time.Since(start), Note: fmt.Sprintf("drivers=%d", len(r.drivers))}
}

func nearbyDrivers(ctx context.Context, r *Runner) Result {
	if res, ok := r.requireSecret(); !ok {
		return res
	}
	var body struct {
		Drivers []struct {
			DriverID string `json:"driver_id"`
		} `json:"drivers"`
	}
	path := fmt.Sprintf("/api/nearby?lat=%f&lng=%f&radius_m=5000&max_results=500", pickupLat, pickupLng)
	res := r.expect(ctx, http.MethodGet, path, r.riderToken(), nil, http.StatusOK, &body)
	if res.Status != statusPass {
		return res
	}
	mine := 0
	for _, d := range body.Drivers {
		if strings.HasPrefix(d.DriverID, "bench-"+r.runID) {
			mine++
		}
	}
	if mine != len(r.drivers) {
		return Result{Status: statusFail, Latency: res.Latency, Note: fmt.Sprintf("found %d of %d drivers", mine, len(r.drivers))}
	}
	return Result{Status: statusPass, Latency: res.Latency, Note: fmt.Sprintf("drivers=%d", mine)}
}

func broadcastRide(ctx context.Context, r *Runner) Result {
	if res, ok := r.requireSecret(); !ok {
		return res
	}
	var body struct {
		RideID   string `json:"ride_id"`
		Notified int    `json:"notified"`
	}
	res := r.expect(ctx, http.MethodPost, "/api/rides/request", r.riderToken(), map[string]any{
		"pickup_lat": pickupLat, "pickup_lng": pickupLng, "pickup": "bench pickup",
	}, http.StatusCreated, &body)
	if res.Status != statusPass {
		return res
	}
	r.rideID = body.RideID
	if body.Notified == 0 {
		return Result{Status: statusFail, Latency: res.Latency, Note: "no drivers notified"}
	}
	return Result{Status: statusPass, Latency: res.Latency, Note: fmt.Sprintf("notified=%d", body.Notified)}
}

// respondContention fires accepts from every driver at once; exactly one may win.
func respondContention(ctx context.Context, r *Runner) Result {
	if r.rideID == "" {
		return Result{Status: statusSkip, Note: "no ride to contend for"}
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		errs    int
	)
	start := time.Now()
	for _, d := range r.drivers {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			var body struct {
				Assigned bool `json:"assigned"`
			}
			res := r.expect(ctx, http.MethodPost, "/api/driver/respond", r.driverToken(driverID),
				map[string]any{"ride_id": r.rideID, "action": "accept"}, http.StatusOK, &body)
			mu.Lock()
			defer mu.Unlock()
			if res.Status != statusPass {
				errs++
				return
			}
			if body.Assigned {
				winners = append(winners, driverID)
			}
		}(d)
	}
	wg.Wait()

	latency := time.Since(start)
	if len(winners) != 1 || errs > 0 {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("winners=%d errors=%d", len(winners), errs)}
	}
	r.winner = winners[0]
	return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("contenders=%d winner=%s", len(r.drivers), r.winner)}
}

func progressRide(ctx context.Context, r *Runner) Result {
	if r.rideID == "" || r.winner == "" {
		return Result{Status: statusSkip, Note: "no assigned ride"}
	}
	start := time.Now()
	token := r.driverToken(r.winner)
	for _, step := range []string{"accept", "arrive", "start", "complete"} {
		res := r.expect(ctx, http.MethodPost, "/api/driver/rides/"+r.rideID+"/"+step, token, nil, http.StatusOK, nil)
		if res.Status != statusPass {
			res.Note = step + ": " + res.Note
			return res
		}
	}
	return Result{Status: statusPass, Latency: time.Since(start)}
}

func cancelRide(ctx context.Context, r *Runner) Result {
	if res, ok := r.requireSecret(); !ok {
		return res
	}
	var body struct {
		RideID string `json:"ride_id"`
	}
	res := r.expect(ctx, http.MethodPost, "/api/rides/request", r.riderToken(), map[string]any{
		"pickup_lat": pickupLat, "pickup_lng": pickupLng, "pickup": "bench cancel",
	}, http.StatusCreated, &body)
	if res.Status != statusPass {
		return res
	}
	res = r.expect(ctx, http.MethodPost, "/api/rides/"+body.RideID+"/cancel", r.riderToken(),
		map[string]any{"reason": "bench"}, http.StatusOK, nil)
	if res.Status != statusPass {
		return res
	}
	return r.expect(ctx, http.MethodPost, "/api/rides/"+body.RideID+"/cancel", r.riderToken(), nil, http.StatusConflict, nil)
}

func perfPositions(ctx context.Context, r *Runner) Result {
	if res, ok := r.requireSecret(); !ok {
		return res
	}
	tokens := make([]string, len(r.drivers))
	for i, d := range r.drivers {
		tokens[i] = r.driverToken(d)
	}
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			token := tokens[worker%len(tokens)]
			for n := 0; time.Now().Before(end) && ctx.Err() == nil; n++ {
				res := r.expect(ctx, http.MethodPost, "/api/driver/location", token, map[string]any{
					"lat": pickupLat + float64(n%100)*0.00001, "lng": pickupLng,
				}, http.StatusOK, nil)
				if res.Status != statusPass {
					errCount.Add(1)
					continue
				}
				count.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if count.Load() == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count.Load()) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount.Load())}
}

func (r *Runner) requireSecret() (Result, bool) {
	if r.cfg.JWTSecret == "" || len(r.drivers) == 0 {
		return Result{Status: statusSkip, Note: "jwt secret or drivers not configured"}, false
	}
	return Result{}, true
}

func (r *Runner) riderToken() string {
	return r.sign(r.rider, "rider")
}

func (r *Runner) driverToken(id string) string {
	return r.sign(id, "driver")
}

func (r *Runner) sign(uid, role string) string {
	tok, err := infra.SignJWT(r.cfg.JWTSecret, r.cfg.JWTIssuer, uid, role, tokenTTL)
	if err != nil {
		return ""
	}
	return tok
}

// expect performs one request and passes when the status matches. out, when
// non-nil, receives the decoded JSON body.
func (r *Runner) expect(ctx context.Context, method, path, token string, body any, want int, out any) Result {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	latency := time.Since(start)

	if resp.StatusCode != want {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d body=%s", resp.StatusCode, want, truncate(raw))}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return Result{Status: statusFail, Latency: latency, Note: "decode: " + err.Error()}
		}
	}
	return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("status=%d", resp.StatusCode)}
}

func truncate(b []byte) string {
	const limit = 120
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/httputil"
)

const notConfigured = "not configured"

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status  string                    `json:"status"` // "healthy", "degraded", "unhealthy"
	Version string                    `json:"version"`
	Uptime  string                    `json:"uptime"`
	Checks  map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck is one dependency's result.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "degraded"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// stateReporter is satisfied by *dispatch.Pipeline.
type stateReporter interface {
	State() domain.JobState
}

// HealthChecker reports on the optional Postgres and Redis dependencies
// and the dispatcher. Any dependency can be nil.
type HealthChecker struct {
	db          *sql.DB
	redisClient *redis.Client
	dispatcher  stateReporter
	startTime   time.Time
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client, dispatcher stateReporter) *HealthChecker {
	return &HealthChecker{
		db:          db,
		redisClient: redisClient,
		dispatcher:  dispatcher,
		startTime:   time.Now(),
	}
}

// Version is reported by the health endpoint. Overridden at build time.
var Version = "dev"

// HandleHealth returns the health of all components. Always 200; use
// /health/ready for probes that need a 503.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	httputil.OK(w, HealthStatus{
		Status:  determineOverallStatus(checks),
		Version: Version,
		Uptime:  formatUptime(time.Since(hc.startTime)),
		Checks:  checks,
	})
}

// HandleLiveness always returns 200 while the process is up.
//
//	GET /health/live
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{
		"status": "alive",
		"uptime": formatUptime(time.Since(hc.startTime)),
	})
}

// HandleReadiness returns 503 when a configured dependency is down.
//
//	GET /health/ready
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	overall := determineOverallStatus(checks)

	ready := overall != "unhealthy"
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, map[string]interface{}{
		"ready":  ready,
		"status": overall,
		"checks": checks,
	})
}

// probe is one named dependency check. A nil run means the dependency was
// not wired at startup.
type probe struct {
	name    string
	timeout time.Duration
	slow    time.Duration
	run     func(context.Context) error
}

func (hc *HealthChecker) probes() []probe {
	ps := []probe{
		{name: "database", timeout: 3 * time.Second, slow: time.Second},
		{name: "redis", timeout: 2 * time.Second, slow: 500 * time.Millisecond},
	}
	if hc.db != nil {
		ps[0].run = hc.db.PingContext
	}
	if hc.redisClient != nil {
		ps[1].run = func(ctx context.Context) error { return hc.redisClient.Ping(ctx).Err() }
	}
	return ps
}

// runAllChecks pings every dependency concurrently and adds the
// dispatcher's current job state.
func (hc *HealthChecker) runAllChecks(ctx context.Context) map[string]ComponentCheck {
	ps := hc.probes()
	results := make([]ComponentCheck, len(ps))

	var wg sync.WaitGroup
	for i, p := range ps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.check(ctx)
		}()
	}
	wg.Wait()

	checks := make(map[string]ComponentCheck, len(ps)+1)
	for i, p := range ps {
		checks[p.name] = results[i]
	}
	checks["dispatcher"] = hc.checkDispatcher()
	return checks
}

func (p probe) check(ctx context.Context) ComponentCheck {
	if p.run == nil {
		return ComponentCheck{Status: "down", Message: notConfigured}
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := p.run(ctx)
	latency := time.Since(start)

	c := ComponentCheck{Status: "up", Latency: latency.String(), Message: "connected"}
	switch {
	case err != nil:
		c.Status, c.Message = "down", fmt.Sprintf("ping failed: %v", err)
	case latency > p.slow:
		c.Status, c.Message = "degraded", fmt.Sprintf("slow response (%s)", latency)
	}
	return c
}

// checkDispatcher reports whether a job is running. Never down once wired.
func (hc *HealthChecker) checkDispatcher() ComponentCheck {
	if hc.dispatcher == nil {
		return ComponentCheck{Status: "down", Message: notConfigured}
	}
	return ComponentCheck{Status: "up", Message: "job state: " + string(hc.dispatcher.State())}
}

// determineOverallStatus derives the aggregate status from individual checks.
//
// Rules:
//   - "unhealthy" if a configured dependency is down
//   - "degraded"  if any check is degraded
//   - "healthy"   otherwise
func determineOverallStatus(checks map[string]ComponentCheck) string {
	degraded := false
	for _, c := range checks {
		switch {
		case c.Status == "down" && c.Message != notConfigured:
			return "unhealthy"
		case c.Status == "degraded":
			degraded = true
		}
	}
	if degraded {
		return "degraded"
	}
	return "healthy"
}

// formatUptime renders d as "3d 4h 12m 5s", leaving out leading zero
// units.
func formatUptime(d time.Duration) string {
	total := int(d / time.Second)
	parts := []int{total / 86400, total / 3600 % 24, total / 60 % 60, total % 60}
	units := []string{"d", "h", "m", "s"}

	first := len(parts) - 1
	for i, v := range parts[:first] {
		if v > 0 {
			first = i
			break
		}
	}
	var b strings.Builder
	for i := first; i < len(parts); i++ {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d%s", parts[i], units[i])
	}
	return b.String()
}

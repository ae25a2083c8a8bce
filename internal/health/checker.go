// Package health aggregates liveness signals from the gateway's
// long-lived components (session pool, MQTT sink, poller) and serves
// them over HTTP for orchestrator probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

const (
	statusUp   = "up"
	statusDown = "down"
)

// Checker is implemented by components that can report whether they
// are operational. An error means the component is down.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// Config configures a Monitor.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// CheckTimeout bounds each individual check; 5s when zero.
	CheckTimeout time.Duration
}

// Monitor runs registered checks on demand and remembers the last
// outcome of each.
type Monitor struct {
	config Config

	mu     sync.RWMutex
	checks map[string]Checker
	last   map[string]CheckResult
}

// CheckResult is the outcome of one component's check.
type CheckResult struct {
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report is the aggregate served on the health endpoints. Status is
// "up" only when every registered check passed.
type Report struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// NewChecker returns a Monitor with no checks registered.
func NewChecker(config Config) *Monitor {
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 5 * time.Second
	}
	return &Monitor{
		config: config,
		checks: make(map[string]Checker),
		last:   make(map[string]CheckResult),
	}
}

// AddCheck registers a component under name. Re-registering a name
// replaces the previous check.
func (m *Monitor) AddCheck(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = c
}

// Check runs every registered check concurrently, each bounded by the
// configured timeout, and returns the aggregate report.
func (m *Monitor) Check(ctx context.Context) Report {
	m.mu.RLock()
	checks := make(map[string]Checker, len(m.checks))
	for name, c := range m.checks {
		checks[name] = c
	}
	m.mu.RUnlock()

	type outcome struct {
		name   string
		result CheckResult
	}
	results := make(chan outcome, len(checks))

	for name, c := range checks {
		go func(name string, c Checker) {
			checkCtx, cancel := context.WithTimeout(ctx, m.config.CheckTimeout)
			defer cancel()

			result := CheckResult{Status: statusUp, CheckedAt: time.Now()}
			if err := c.HealthCheck(checkCtx); err != nil {
				result.Status = statusDown
				result.Error = err.Error()
			}
			results <- outcome{name: name, result: result}
		}(name, c)
	}

	report := Report{
		Status:    statusUp,
		Service:   m.config.ServiceName,
		Version:   m.config.ServiceVersion,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for range checks {
		o := <-results
		report.Checks[o.name] = o.result
		if o.result.Status != statusUp {
			report.Status = statusDown
		}
	}

	m.mu.Lock()
	for name, result := range report.Checks {
		m.last[name] = result
	}
	m.mu.Unlock()

	return report
}

// GetStatus returns the result of the most recent run of the named
// check. The second return is false when the check has never run.
func (m *Monitor) GetStatus(name string) (CheckResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result, ok := m.last[name]
	return result, ok
}

// HealthHandler serves the full aggregate report. 503 when any check
// is down.
func (m *Monitor) HealthHandler(w http.ResponseWriter, r *http.Request) {
	m.writeReport(w, m.Check(r.Context()))
}

// LivenessHandler answers orchestrator liveness probes. It reports up
// whenever the process can serve HTTP; dependency state is readiness,
// not liveness.
func (m *Monitor) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	m.writeReport(w, Report{
		Status:    statusUp,
		Service:   m.config.ServiceName,
		Version:   m.config.ServiceVersion,
		Timestamp: time.Now(),
	})
}

// ReadinessHandler answers readiness probes: 200 only while every
// dependency check passes.
func (m *Monitor) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.writeReport(w, m.Check(r.Context()))
}

func (m *Monitor) writeReport(w http.ResponseWriter, report Report) {
	w.Header().Set("Content-Type", "application/json")
	if report.Status != statusUp {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

// Package service provides the polling service that schedules meter
// reads and hands the readings to a sink.
package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridpulse/metergate/internal/adapter/modbus"
	"github.com/gridpulse/metergate/internal/domain"
	"github.com/gridpulse/metergate/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Sink receives completed readings. The MQTT publisher is the usual
// implementation; tests supply their own.
type Sink interface {
	Publish(ctx context.Context, meterID string, reading *domain.MeterReading) error
}

// PollerConfig holds configuration for the polling service.
type PollerConfig struct {
	WorkerCount     int
	DefaultInterval time.Duration
	ShutdownTimeout time.Duration
	ReadPolicy      modbus.ReadPolicy
}

// Poller schedules periodic reads of registered meters. Each meter
// polls on its own interval with jitter, ceded through a shared worker
// pool with back-pressure: when all workers are busy a cycle is
// skipped rather than queued. A per-meter circuit breaker stops
// hammering devices that fail repeatedly.
type Poller struct {
	config  PollerConfig
	reader  *modbus.Reader
	sink    Sink
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu     sync.RWMutex
	meters map[string]*meterPoller

	started    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	workerPool chan struct{}
	stats      PollerStats
}

// PollerStats tracks polling counters.
type PollerStats struct {
	TotalPolls   atomic.Uint64
	SuccessPolls atomic.Uint64
	PartialPolls atomic.Uint64
	FailedPolls  atomic.Uint64
	SkippedPolls atomic.Uint64
}

// meterPoller manages polling for a single meter.
type meterPoller struct {
	meter    *domain.Meter
	breaker  *gobreaker.CircuitBreaker
	stopChan chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	mu          sync.RWMutex
	lastPoll    time.Time
	lastError   error
	lastReading *domain.MeterReading
}

// NewPoller creates a polling service.
func NewPoller(config PollerConfig, reader *modbus.Reader, sink Sink, logger zerolog.Logger, metricsReg *metrics.Registry) *Poller {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 4
	}
	if config.DefaultInterval <= 0 {
		config.DefaultInterval = 10 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	return &Poller{
		config:     config,
		reader:     reader,
		sink:       sink,
		logger:     logger.With().Str("component", "poller").Logger(),
		metrics:    metricsReg,
		meters:     make(map[string]*meterPoller),
		workerPool: make(chan struct{}, config.WorkerCount),
	}
}

// newBreaker creates a per-meter circuit breaker so one failing meter
// does not affect the others.
func (p *Poller) newBreaker(meterID string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "meter-" + meterID,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.logger.Info().
				Str("meter", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
}

// Start begins polling all registered meters.
func (p *Poller) Start(ctx context.Context) error {
	if p.started.Load() {
		return nil
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started.Store(true)

	p.mu.RLock()
	defer p.mu.RUnlock()

	p.logger.Info().
		Int("meters", len(p.meters)).
		Int("workers", p.config.WorkerCount).
		Msg("Starting poller")

	for _, mp := range p.meters {
		p.startMeterPoller(mp)
	}
	return nil
}

// Stop gracefully stops the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if !p.started.Load() {
		return nil
	}

	p.logger.Info().Msg("Stopping poller")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("All meter pollers stopped")
	case <-ctx.Done():
		p.logger.Warn().Msg("Timeout waiting for meter pollers to stop")
	}

	p.started.Store(false)
	return nil
}

// RegisterMeter registers a meter for polling. Disabled meters are
// accepted but not scheduled.
func (p *Poller) RegisterMeter(meter *domain.Meter) error {
	if err := meter.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.meters[meter.ID]; exists {
		return domain.ErrMeterExists
	}

	mp := &meterPoller{
		meter:    meter,
		breaker:  p.newBreaker(meter.ID),
		stopChan: make(chan struct{}),
	}
	p.meters[meter.ID] = mp

	if p.metrics != nil {
		p.metrics.SetMetersRegistered(len(p.meters))
	}

	p.logger.Info().
		Str("meter_id", meter.ID).
		Str("device", meter.Address.String()).
		Dur("poll_interval", meter.PollInterval).
		Msg("Registered meter")

	if p.started.Load() && meter.Enabled {
		p.startMeterPoller(mp)
	}
	return nil
}

// UnregisterMeter stops polling and removes a meter.
func (p *Poller) UnregisterMeter(meterID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	mp, exists := p.meters[meterID]
	if !exists {
		return domain.ErrMeterNotFound
	}

	mp.stopOnce.Do(func() { close(mp.stopChan) })
	delete(p.meters, meterID)

	if p.metrics != nil {
		p.metrics.SetMetersRegistered(len(p.meters))
	}

	p.logger.Info().Str("meter_id", meterID).Msg("Unregistered meter")
	return nil
}

// Meters returns the registered meters.
func (p *Poller) Meters() []*domain.Meter {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*domain.Meter, 0, len(p.meters))
	for _, mp := range p.meters {
		out = append(out, mp.meter)
	}
	return out
}

// startMeterPoller starts the polling loop for one meter. A jitter of
// up to 10% of the interval spreads meters over time so they do not
// poll in lockstep.
func (p *Poller) startMeterPoller(mp *meterPoller) {
	if !mp.meter.Enabled || mp.running.Load() {
		return
	}

	mp.running.Store(true)
	p.wg.Add(1)

	interval := mp.meter.PollInterval
	if interval <= 0 {
		interval = p.config.DefaultInterval
	}

	go func() {
		defer p.wg.Done()
		defer mp.running.Store(false)

		if jitterMax := interval / 10; jitterMax > 0 {
			jitter := time.Duration(rand.Int63n(int64(jitterMax)))
			select {
			case <-time.After(jitter):
			case <-p.ctx.Done():
				return
			case <-mp.stopChan:
				return
			}
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		p.pollMeter(mp)

		for {
			select {
			case <-p.ctx.Done():
				return
			case <-mp.stopChan:
				return
			case <-ticker.C:
				p.pollMeter(mp)
			}
		}
	}()
}

// pollMeter performs one poll cycle. When all workers are busy the
// cycle is skipped instead of queued.
func (p *Poller) pollMeter(mp *meterPoller) {
	select {
	case p.workerPool <- struct{}{}:
		defer func() { <-p.workerPool }()
	case <-p.ctx.Done():
		return
	default:
		p.stats.SkippedPolls.Add(1)
		if p.metrics != nil {
			p.metrics.RecordPollSkipped()
		}
		p.logger.Debug().
			Str("meter_id", mp.meter.ID).
			Msg("Poll skipped: worker pool full")
		return
	}

	p.stats.TotalPolls.Add(1)
	start := time.Now()

	descriptors, err := mp.meter.Descriptors()
	if err != nil {
		p.recordFailure(mp, err, "unresolvable registers")
		return
	}

	result, err := mp.breaker.Execute(func() (interface{}, error) {
		return p.reader.ReadMeter(p.ctx, mp.meter.Address, descriptors, p.config.ReadPolicy)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			p.stats.SkippedPolls.Add(1)
			mp.setError(domain.ErrBreakerOpen)
			if p.metrics != nil {
				p.metrics.RecordPollSkipped()
			}
			p.logger.Debug().
				Str("meter_id", mp.meter.ID).
				Msg("Poll skipped: circuit breaker open")
			return
		}
		p.recordFailure(mp, err, "meter read failed")
		return
	}

	reading := result.(*domain.MeterReading)

	mp.mu.Lock()
	mp.lastPoll = time.Now()
	mp.lastError = nil
	mp.lastReading = reading
	mp.mu.Unlock()

	status := "success"
	if reading.OverallSuccess {
		p.stats.SuccessPolls.Add(1)
	} else {
		p.stats.PartialPolls.Add(1)
		status = "partial"
	}
	if p.metrics != nil {
		p.metrics.RecordPoll(mp.meter.ID, status)
	}

	// Partial readings still carry the registers that did succeed;
	// the sink gets everything and callers flag the gaps.
	if p.sink != nil {
		if err := p.sink.Publish(p.ctx, mp.meter.ID, reading); err != nil {
			p.logger.Warn().
				Err(err).
				Str("meter_id", mp.meter.ID).
				Msg("Failed to publish reading")
		}
	}

	p.logger.Debug().
		Str("meter_id", mp.meter.ID).
		Bool("overall_success", reading.OverallSuccess).
		Int("registers", len(reading.Values)).
		Dur("duration", time.Since(start)).
		Msg("Poll cycle completed")
}

func (p *Poller) recordFailure(mp *meterPoller, err error, msg string) {
	p.stats.FailedPolls.Add(1)
	mp.setError(err)
	if p.metrics != nil {
		p.metrics.RecordPoll(mp.meter.ID, "error")
	}
	p.logger.Error().
		Err(err).
		Str("meter_id", mp.meter.ID).
		Msg(msg)
}

func (mp *meterPoller) setError(err error) {
	mp.mu.Lock()
	mp.lastError = err
	mp.mu.Unlock()
}

// MeterStatus holds the current polling status of one meter.
type MeterStatus struct {
	MeterID     string               `json:"meter_id"`
	Name        string               `json:"name"`
	Running     bool                 `json:"running"`
	BreakerOpen bool                 `json:"breaker_open"`
	LastPoll    time.Time            `json:"last_poll"`
	LastError   string               `json:"last_error,omitempty"`
	LastReading *domain.MeterReading `json:"last_reading,omitempty"`
}

// MeterStatus returns the status of one meter.
func (p *Poller) MeterStatus(meterID string) (*MeterStatus, error) {
	p.mu.RLock()
	mp, exists := p.meters[meterID]
	p.mu.RUnlock()

	if !exists {
		return nil, domain.ErrMeterNotFound
	}

	mp.mu.RLock()
	defer mp.mu.RUnlock()

	status := &MeterStatus{
		MeterID:     meterID,
		Name:        mp.meter.Name,
		Running:     mp.running.Load(),
		BreakerOpen: mp.breaker.State() == gobreaker.StateOpen,
		LastPoll:    mp.lastPoll,
		LastReading: mp.lastReading,
	}
	if mp.lastError != nil {
		status.LastError = mp.lastError.Error()
	}
	return status, nil
}

// StatsSnapshot holds a point-in-time snapshot of polling statistics.
type StatsSnapshot struct {
	TotalPolls   uint64 `json:"total_polls"`
	SuccessPolls uint64 `json:"success_polls"`
	PartialPolls uint64 `json:"partial_polls"`
	FailedPolls  uint64 `json:"failed_polls"`
	SkippedPolls uint64 `json:"skipped_polls"`
}

// Stats returns a snapshot of poller counters.
func (p *Poller) Stats() StatsSnapshot {
	return StatsSnapshot{
		TotalPolls:   p.stats.TotalPolls.Load(),
		SuccessPolls: p.stats.SuccessPolls.Load(),
		PartialPolls: p.stats.PartialPolls.Load(),
		FailedPolls:  p.stats.FailedPolls.Load(),
		SkippedPolls: p.stats.SkippedPolls.Load(),
	}
}

// HealthCheck implements the health.Checker interface.
func (p *Poller) HealthCheck(ctx context.Context) error {
	if !p.started.Load() {
		return domain.ErrServiceStopped
	}
	return nil
}

package modbus

import (
	"context"
	"sync"
	"time"

	"github.com/gridpulse/metergate/internal/domain"
	"github.com/gridpulse/metergate/internal/metrics"
	"github.com/rs/zerolog"
)

// Pool hands out sessions keyed by device address. Each device gets at
// most PerKeyMax live sessions; a session is checked out exclusively
// and returns to a per-device idle stack on release. Unhealthy sessions
// are discarded instead of reused, and a background reaper evicts
// sessions idle past IdleTimeout.
type Pool struct {
	config  PoolConfig
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu     sync.Mutex
	keys   map[string]*keyEntry
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// keyEntry tracks the sessions of one device. The slots channel is a
// counting semaphore: holding a token is the right to hold a live
// session, whether freshly dialed or taken from the idle stack.
type keyEntry struct {
	addr  domain.DeviceAddress
	slots chan struct{}

	mu    sync.Mutex
	idle  []*Session // LIFO, most recently released on top
	inUse int
}

// NewPool creates a pool and starts its idle reaper.
func NewPool(config PoolConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *Pool {
	p := &Pool{
		config:  config.withDefaults(),
		logger:  logger.With().Str("component", "modbus-pool").Logger(),
		metrics: metricsReg,
		keys:    make(map[string]*keyEntry),
		stopCh:  make(chan struct{}),
	}

	p.wg.Add(1)
	go p.idleReaperLoop()

	return p
}

// entry returns the keyEntry for addr, creating it on first use.
func (p *Pool) entry(addr domain.DeviceAddress) (*keyEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, domain.WrapModbusError(domain.KindConnectionRefused, addr,
			"pool is closed", domain.ErrPoolClosed)
	}

	key := addr.String()
	e, ok := p.keys[key]
	if !ok {
		e = &keyEntry{
			addr:  addr,
			slots: make(chan struct{}, p.config.PerKeyMax),
		}
		p.keys[key] = e
	}
	return e, nil
}

// Acquire checks out a session for addr, dialing a new connection when
// no idle one exists. It blocks while the device is at its session
// ceiling, up to AcquireTimeout (or the caller's context, whichever
// ends first); on timeout the error kind is pool_exhausted.
func (p *Pool) Acquire(ctx context.Context, addr domain.DeviceAddress) (*Session, error) {
	return p.acquire(ctx, addr, p.config.Session)
}

// AcquireWithConnectTimeout is Acquire with the dial timeout overridden
// for this call. A zero connectTimeout keeps the pool default. The
// override only applies when a new connection is dialed; an idle
// session reused from the pool keeps the config it was dialed with.
func (p *Pool) AcquireWithConnectTimeout(ctx context.Context, addr domain.DeviceAddress, connectTimeout time.Duration) (*Session, error) {
	cfg := p.config.Session
	if connectTimeout > 0 {
		cfg.ConnectTimeout = connectTimeout
	}
	return p.acquire(ctx, addr, cfg)
}

func (p *Pool) acquire(ctx context.Context, addr domain.DeviceAddress, sessionConfig SessionConfig) (*Session, error) {
	e, err := p.entry(addr)
	if err != nil {
		return nil, err
	}

	acquireCtx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	select {
	case e.slots <- struct{}{}:
	case <-acquireCtx.Done():
		if ctx.Err() != nil {
			return nil, domain.WrapModbusError(domain.KindTimeout, addr,
				"acquire cancelled", ctx.Err())
		}
		if p.metrics != nil {
			p.metrics.RecordAcquireTimeout(addr.String())
		}
		return nil, domain.WrapModbusError(domain.KindPoolExhausted, addr,
			"no session slot available", acquireCtx.Err())
	}

	// Prefer the most recently used idle session; stale or poisoned
	// ones are closed on the spot.
	for {
		e.mu.Lock()
		var s *Session
		if n := len(e.idle); n > 0 {
			s = e.idle[n-1]
			e.idle = e.idle[:n-1]
		}
		e.mu.Unlock()

		if s == nil {
			break
		}
		if s.Healthy() && time.Since(s.LastUsed()) <= p.config.IdleTimeout {
			p.checkout(e, 1)
			return s, nil
		}
		s.Close()
	}

	s := NewSession(addr, sessionConfig, p.logger)
	start := time.Now()
	err = s.Connect(ctx)
	if p.metrics != nil {
		p.metrics.RecordConnection(err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		<-e.slots
		p.publishGauges(e)
		return nil, err
	}

	p.checkout(e, 1)
	return s, nil
}

// Release returns a checked-out session to the pool. Healthy sessions
// go back on the idle stack; poisoned or closed ones are discarded.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}

	e, err := p.entry(s.Address())
	if err != nil {
		s.Close()
		return
	}

	if s.Healthy() {
		e.mu.Lock()
		e.idle = append(e.idle, s)
		e.inUse--
		e.mu.Unlock()
	} else {
		s.Close()
		p.checkout(e, -1)
		p.logger.Debug().
			Str("device", s.Address().String()).
			Msg("Discarded unhealthy session")
	}

	<-e.slots
	p.publishGauges(e)
}

func (p *Pool) checkout(e *keyEntry, delta int) {
	e.mu.Lock()
	e.inUse += delta
	e.mu.Unlock()
	p.publishGauges(e)
}

func (p *Pool) publishGauges(e *keyEntry) {
	if p.metrics == nil {
		return
	}
	e.mu.Lock()
	inUse, idle := e.inUse, len(e.idle)
	e.mu.Unlock()
	p.metrics.SetPoolSessions(e.addr.String(), inUse, idle)
}

// idleReaperLoop periodically evicts sessions idle past IdleTimeout.
func (p *Pool) idleReaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reapIdleSessions()
		case <-p.stopCh:
			return
		}
	}
}

// reapIdleSessions closes idle sessions whose last use is older than
// IdleTimeout. Checked-out sessions are never touched.
func (p *Pool) reapIdleSessions() {
	p.mu.Lock()
	entries := make([]*keyEntry, 0, len(p.keys))
	for _, e := range p.keys {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, e := range entries {
		var evicted []*Session

		e.mu.Lock()
		kept := e.idle[:0]
		for _, s := range e.idle {
			if now.Sub(s.LastUsed()) > p.config.IdleTimeout {
				evicted = append(evicted, s)
			} else {
				kept = append(kept, s)
			}
		}
		e.idle = kept
		e.mu.Unlock()

		for _, s := range evicted {
			s.Close()
			p.logger.Debug().
				Str("device", e.addr.String()).
				Msg("Evicted idle session")
		}
		if len(evicted) > 0 {
			p.publishGauges(e)
		}
	}
}

// Close shuts the pool down: the reaper stops and all idle sessions
// are closed. Sessions still checked out are closed by Release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := make([]*keyEntry, 0, len(p.keys))
	for _, e := range p.keys {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	for _, e := range entries {
		e.mu.Lock()
		idle := e.idle
		e.idle = nil
		e.mu.Unlock()
		for _, s := range idle {
			s.Close()
		}
	}

	p.logger.Info().Msg("Connection pool closed")
	return nil
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	entries := make([]*keyEntry, 0, len(p.keys))
	for _, e := range p.keys {
		entries = append(entries, e)
	}
	stats := PoolStats{Devices: len(entries), PerKeyMax: p.config.PerKeyMax}
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		stats.InUseSessions += e.inUse
		stats.IdleSessions += len(e.idle)
		e.mu.Unlock()
	}
	return stats
}

// PoolStats contains pool occupancy counters.
type PoolStats struct {
	Devices       int
	InUseSessions int
	IdleSessions  int
	PerKeyMax     int
}

// HealthCheck implements the health.Checker interface. The pool is
// healthy while it is operational; individual device failures are
// isolated and do not fail the check.
func (p *Pool) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return domain.ErrPoolClosed
	}
	return nil
}

package modbus

import (
	"errors"
	"time"
)

// Protocol constants for Modbus TCP.
const (
	// mbapHeaderSize is the size of the MBAP header in bytes
	mbapHeaderSize = 7

	// protocolID is always 0 for Modbus TCP
	protocolID uint16 = 0

	// maxPDUSize is the maximum PDU size in bytes
	maxPDUSize = 253

	// MaxRegistersPerRead is the protocol limit for FC03/FC04 quantity
	MaxRegistersPerRead uint16 = 125
)

// Function codes used by the gateway.
const (
	fcReadHoldingRegisters byte = 0x03
	fcReadInputRegisters   byte = 0x04

	// exceptionFlag is OR-ed into the function code of exception responses
	exceptionFlag byte = 0x80
)

// Frame and response validation errors. Sessions wrap these into the
// domain error taxonomy before returning to callers.
var (
	ErrFrameInvalid        = errors.New("invalid frame")
	ErrResponseInvalid     = errors.New("invalid response")
	ErrTransactionMismatch = errors.New("transaction ID mismatch")
	ErrUnitMismatch        = errors.New("unit ID mismatch")
	ErrFunctionMismatch    = errors.New("function code mismatch")
	ErrSessionBusy         = errors.New("session has a transaction in flight")
	ErrSessionClosed       = errors.New("session is closed")
	ErrSessionUnhealthy    = errors.New("session is unhealthy")
)

// SessionState tracks the lifecycle of a transport session.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateReady
	StateInFlight
	StateClosed
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateInFlight:
		return "in_flight"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionConfig holds configuration for a single transport session.
type SessionConfig struct {
	// ConnectTimeout bounds TCP dial time
	ConnectTimeout time.Duration

	// ReadTimeout bounds a single request/response exchange
	ReadTimeout time.Duration
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    2 * time.Second,
	}
}

// PoolConfig holds configuration for the connection pool.
type PoolConfig struct {
	// PerKeyMax is the maximum number of concurrent sessions per device
	PerKeyMax int

	// IdleTimeout is how long an idle session may live before eviction
	IdleTimeout time.Duration

	// ReapInterval is how often the idle reaper runs
	ReapInterval time.Duration

	// AcquireTimeout bounds how long Acquire waits for a free slot
	AcquireTimeout time.Duration

	// Session configures sessions created by the pool
	Session SessionConfig
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
// PerKeyMax defaults to 2: most meters serialize requests internally,
// so more connections only add load on the device.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		PerKeyMax:      2,
		IdleTimeout:    60 * time.Second,
		ReapInterval:   30 * time.Second,
		AcquireTimeout: 5 * time.Second,
		Session:        DefaultSessionConfig(),
	}
}

// withDefaults fills zero values with defaults.
func (c PoolConfig) withDefaults() PoolConfig {
	def := DefaultPoolConfig()
	if c.PerKeyMax <= 0 {
		c.PerKeyMax = def.PerKeyMax
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = def.ReapInterval
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = def.AcquireTimeout
	}
	if c.Session.ConnectTimeout <= 0 {
		c.Session.ConnectTimeout = def.Session.ConnectTimeout
	}
	if c.Session.ReadTimeout <= 0 {
		c.Session.ReadTimeout = def.Session.ReadTimeout
	}
	return c
}

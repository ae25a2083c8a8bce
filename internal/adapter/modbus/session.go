package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridpulse/metergate/internal/domain"
	"github.com/rs/zerolog"
)

// Session is a single Modbus TCP connection to one device. A session
// carries at most one transaction at a time; concurrent callers queue
// on the internal mutex. A transaction that times out or is cancelled
// poisons the session: the request may still be answered later and the
// stale response would corrupt the next transaction, so the connection
// must be discarded rather than reused.
type Session struct {
	addr   domain.DeviceAddress
	config SessionConfig
	logger zerolog.Logger

	mu   sync.Mutex // serializes transactions
	conn net.Conn

	state    atomic.Int32
	healthy  atomic.Bool
	txid     atomic.Uint32
	lastUsed atomic.Int64 // unix nanoseconds
}

// NewSession creates a session in the Disconnected state. Connect must
// be called before the first read.
func NewSession(addr domain.DeviceAddress, config SessionConfig, logger zerolog.Logger) *Session {
	s := &Session{
		addr:   addr,
		config: config,
		logger: logger.With().
			Str("component", "modbus-session").
			Str("device", addr.String()).
			Logger(),
	}
	s.state.Store(int32(StateDisconnected))
	s.touch()
	return s
}

// Address returns the device this session talks to.
func (s *Session) Address() domain.DeviceAddress {
	return s.addr
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Healthy reports whether the session can still be reused. A poisoned
// or closed session is not healthy.
func (s *Session) Healthy() bool {
	return s.healthy.Load() && s.State() == StateReady
}

// LastUsed returns the time of the last completed transaction.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

func (s *Session) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// Connect dials the device. It is an error to connect a closed
// session; connecting an already-connected session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateClosed:
		return domain.WrapModbusError(domain.KindConnectionRefused, s.addr,
			"connect on closed session", ErrSessionClosed)
	case StateReady, StateInFlight:
		return nil
	}

	s.state.Store(int32(StateConnecting))

	dialer := net.Dialer{Timeout: s.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr.Endpoint())
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		return domain.ClassifyNetError(s.addr, "dial failed", err)
	}

	s.conn = conn
	s.healthy.Store(true)
	s.state.Store(int32(StateReady))
	s.touch()

	s.logger.Debug().Msg("Session connected")
	return nil
}

// ReadHoldingRegisters reads qty holding registers starting at addr (FC03).
func (s *Session) ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	return s.readRegisters(ctx, fcReadHoldingRegisters, addr, qty)
}

// ReadInputRegisters reads qty input registers starting at addr (FC04).
func (s *Session) ReadInputRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	return s.readRegisters(ctx, fcReadInputRegisters, addr, qty)
}

// ReadRegisters reads from the bank the descriptor names.
func (s *Session) ReadRegisters(ctx context.Context, bank domain.RegisterBank, addr, qty uint16) ([]uint16, error) {
	if bank == domain.BankInput {
		return s.ReadInputRegisters(ctx, addr, qty)
	}
	return s.ReadHoldingRegisters(ctx, addr, qty)
}

// readRegisters runs one request/response transaction. Transport
// failures, timeouts, and response mismatches poison the session.
func (s *Session) readRegisters(ctx context.Context, fc byte, addr, qty uint16) ([]uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateClosed:
		return nil, domain.WrapModbusError(domain.KindConnectionRefused, s.addr,
			"read on closed session", ErrSessionClosed)
	case StateDisconnected, StateConnecting:
		return nil, domain.WrapModbusError(domain.KindConnectionRefused, s.addr,
			"session not connected", ErrSessionClosed)
	}
	if !s.healthy.Load() {
		return nil, domain.WrapModbusError(domain.KindConnectionRefused, s.addr,
			"session poisoned by previous failure", ErrSessionUnhealthy)
	}

	pdu, err := buildReadRegistersPDU(fc, addr, qty)
	if err != nil {
		return nil, domain.WrapModbusError(domain.KindProtocolError, s.addr,
			"invalid read request", err)
	}

	s.state.Store(int32(StateInFlight))
	defer func() {
		if s.State() == StateInFlight {
			s.state.Store(int32(StateReady))
		}
	}()

	txid := uint16(s.txid.Add(1))
	req := frame{
		Header: mbapHeader{
			TransactionID: txid,
			ProtocolID:    protocolID,
			UnitID:        s.addr.UnitID,
		},
		PDU: pdu,
	}

	deadline := time.Now().Add(s.config.ReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return nil, s.poison(domain.ClassifyNetError(s.addr, "set deadline failed", err))
	}

	// Cancellation mid-exchange slams the deadline so the blocked
	// read unblocks promptly.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.SetDeadline(time.Now())
		case <-watchDone:
		}
	}()

	if _, err := s.conn.Write(req.encode()); err != nil {
		return nil, s.poison(s.classifyExchangeError(ctx, "write failed", err))
	}

	resp, err := readFrame(s.conn)
	if err != nil {
		if errors.Is(err, ErrFrameInvalid) {
			return nil, s.poison(domain.WrapModbusError(domain.KindInvalidResponse, s.addr,
				"malformed frame", err))
		}
		return nil, s.poison(s.classifyExchangeError(ctx, "read failed", err))
	}

	if resp.Header.TransactionID != txid {
		return nil, s.poison(domain.WrapModbusError(domain.KindInvalidResponse, s.addr,
			fmt.Sprintf("expected transaction %d, got %d", txid, resp.Header.TransactionID),
			ErrTransactionMismatch))
	}
	if resp.Header.UnitID != s.addr.UnitID {
		return nil, s.poison(domain.WrapModbusError(domain.KindInvalidResponse, s.addr,
			fmt.Sprintf("expected unit %d, got %d", s.addr.UnitID, resp.Header.UnitID),
			ErrUnitMismatch))
	}

	if isExceptionResponse(resp.PDU) {
		// The device answered coherently; the session stays usable.
		code, cerr := exceptionCode(resp.PDU)
		if cerr != nil {
			return nil, s.poison(domain.WrapModbusError(domain.KindInvalidResponse, s.addr,
				"truncated exception response", cerr))
		}
		s.touch()
		return nil, domain.WrapModbusError(domain.KindProtocolError, s.addr,
			fmt.Sprintf("device exception 0x%02X", code), domain.ExceptionError(code))
	}

	if resp.PDU[0] != fc {
		return nil, s.poison(domain.WrapModbusError(domain.KindInvalidResponse, s.addr,
			fmt.Sprintf("expected function 0x%02X, got 0x%02X", fc, resp.PDU[0]),
			ErrFunctionMismatch))
	}

	words, err := parseRegistersResponse(resp.PDU, qty)
	if err != nil {
		return nil, s.poison(domain.WrapModbusError(domain.KindInvalidResponse, s.addr,
			"malformed register response", err))
	}

	s.touch()
	return words, nil
}

// classifyExchangeError attributes an I/O failure during an exchange.
// Deadline errors caused by context cancellation report as timeout.
func (s *Session) classifyExchangeError(ctx context.Context, msg string, err error) *domain.ModbusError {
	if ctx.Err() != nil {
		return domain.WrapModbusError(domain.KindTimeout, s.addr, msg, ctx.Err())
	}
	return domain.ClassifyNetError(s.addr, msg, err)
}

// poison marks the session unusable and returns err unchanged.
func (s *Session) poison(err *domain.ModbusError) error {
	s.healthy.Store(false)
	s.logger.Debug().
		Str("kind", string(err.Kind)).
		Str("reason", err.Message).
		Msg("Session poisoned")
	return err
}

// Close shuts the connection down. Close is idempotent; subsequent
// operations fail with a connection_refused error.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateClosed {
		return nil
	}
	s.state.Store(int32(StateClosed))
	s.healthy.Store(false)

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return domain.ClassifyNetError(s.addr, "close failed", err)
	}
	s.logger.Debug().Msg("Session closed")
	return nil
}

package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"syscall"
)

// ErrorKind is the closed set of failure classifications every public
// operation of the gateway maps its errors into. Raw transport or OS
// errors never escape without being classified first.
type ErrorKind string

const (
	KindConnectionRefused ErrorKind = "connection_refused"
	KindTimeout           ErrorKind = "timeout"
	KindProtocolError     ErrorKind = "protocol_error"
	KindPartialRead       ErrorKind = "partial_read"
	KindInvalidResponse   ErrorKind = "invalid_response"
	KindPoolExhausted     ErrorKind = "pool_exhausted"
)

// ModbusError is the typed failure surfaced to callers. It is attached
// to a MeterReading for partial failures or returned standalone for
// connect/acquire-level failures.
type ModbusError struct {
	// Kind classifies the failure
	Kind ErrorKind

	// Address is the device the failure relates to
	Address DeviceAddress

	// Message is a human-readable description
	Message string

	// Cause is the underlying error, if any
	Cause error

	// PerRegisterCause maps register names to their individual
	// failures when Kind is partial_read
	PerRegisterCause map[string]error
}

// Error implements the error interface.
func (e *ModbusError) Error() string {
	msg := fmt.Sprintf("modbus %s: %s: %s", e.Address, e.Kind, e.Message)
	if len(e.PerRegisterCause) > 0 {
		names := make([]string, 0, len(e.PerRegisterCause))
		for name := range e.PerRegisterCause {
			names = append(names, name)
		}
		sort.Strings(names)
		msg += " [" + strings.Join(names, ", ") + "]"
	}
	return msg
}

// Unwrap exposes the underlying cause to errors.Is/As chains.
func (e *ModbusError) Unwrap() error {
	return e.Cause
}

// MarshalJSON renders the error for reading payloads: error values in
// Cause and PerRegisterCause flatten to their messages.
func (e *ModbusError) MarshalJSON() ([]byte, error) {
	out := struct {
		Kind      ErrorKind         `json:"kind"`
		Address   DeviceAddress     `json:"address"`
		Message   string            `json:"message"`
		Cause     string            `json:"cause,omitempty"`
		Registers map[string]string `json:"registers,omitempty"`
	}{
		Kind:    e.Kind,
		Address: e.Address,
		Message: e.Message,
	}
	if e.Cause != nil {
		out.Cause = e.Cause.Error()
	}
	if len(e.PerRegisterCause) > 0 {
		out.Registers = make(map[string]string, len(e.PerRegisterCause))
		for name, cause := range e.PerRegisterCause {
			out.Registers[name] = cause.Error()
		}
	}
	return json.Marshal(out)
}

// Is matches another *ModbusError by kind, so callers can test
// errors.Is(err, &ModbusError{Kind: KindTimeout}).
func (e *ModbusError) Is(target error) bool {
	t, ok := target.(*ModbusError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewModbusError creates a ModbusError without an underlying cause.
func NewModbusError(kind ErrorKind, addr DeviceAddress, msg string) *ModbusError {
	return &ModbusError{Kind: kind, Address: addr, Message: msg}
}

// WrapModbusError creates a ModbusError carrying an underlying cause.
func WrapModbusError(kind ErrorKind, addr DeviceAddress, msg string, cause error) *ModbusError {
	return &ModbusError{Kind: kind, Address: addr, Message: msg, Cause: cause}
}

// KindOf extracts the classification from an error chain. Errors that
// never passed through classification report as protocol_error, the
// catch-all for unexpected failures.
func KindOf(err error) ErrorKind {
	var me *ModbusError
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindProtocolError
}

// ClassifyNetError maps a transport-level error observed while talking
// to addr into the taxonomy. Deadline and timeout errors become
// timeout; refused/reset/closed sockets become connection_refused.
func ClassifyNetError(addr DeviceAddress, msg string, err error) *ModbusError {
	var me *ModbusError
	if errors.As(err, &me) {
		return me
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return WrapModbusError(KindTimeout, addr, msg, err)
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, net.ErrClosed):
		return WrapModbusError(KindConnectionRefused, addr, msg, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WrapModbusError(KindTimeout, addr, msg, err)
	}
	return WrapModbusError(KindConnectionRefused, addr, msg, err)
}

// Address and register configuration errors.
var (
	ErrAddressIPRequired    = errors.New("device IP is required")
	ErrAddressPortInvalid   = errors.New("device port out of range")
	ErrAddressUnitInvalid   = errors.New("unit ID out of range")
	ErrRegisterNameRequired = errors.New("register name is required")
	ErrRegisterCountInvalid = errors.New("register count must be 1 or 2")
	ErrRegisterScaleInvalid = errors.New("register scale must be positive")
	ErrRegisterBankInvalid  = errors.New("invalid register bank")
	ErrRegisterOrderInvalid = errors.New("invalid word order")
	ErrRegisterWordCount    = errors.New("word count mismatch")
	ErrRegisterUnknown      = errors.New("unknown register name")
)

// Service lifecycle errors.
var (
	ErrPoolClosed       = errors.New("connection pool closed")
	ErrServiceStopped   = errors.New("service has been stopped")
	ErrMeterIDRequired  = errors.New("meter ID is required")
	ErrMeterExists      = errors.New("meter already registered")
	ErrMeterNotFound    = errors.New("meter not found")
	ErrBreakerOpen      = errors.New("circuit breaker is open")
	ErrNoRegisters      = errors.New("no registers requested")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrPublishFailed    = errors.New("publish failed")
	ErrSinkNotConnected = errors.New("sink not connected")
)

// Modbus device exception errors (exception-response codes).
var (
	ErrExcIllegalFunction        = errors.New("modbus: illegal function")
	ErrExcIllegalDataAddress     = errors.New("modbus: illegal data address")
	ErrExcIllegalDataValue       = errors.New("modbus: illegal data value")
	ErrExcDeviceFailure          = errors.New("modbus: server device failure")
	ErrExcAcknowledge            = errors.New("modbus: acknowledge")
	ErrExcDeviceBusy             = errors.New("modbus: server device busy")
	ErrExcMemoryParity           = errors.New("modbus: memory parity error")
	ErrExcGatewayPathUnavailable = errors.New("modbus: gateway path unavailable")
	ErrExcGatewayTargetFailed    = errors.New("modbus: gateway target device failed to respond")
)

// ExceptionError converts a Modbus exception code from an exception
// response into its sentinel error.
func ExceptionError(code byte) error {
	switch code {
	case 0x01:
		return ErrExcIllegalFunction
	case 0x02:
		return ErrExcIllegalDataAddress
	case 0x03:
		return ErrExcIllegalDataValue
	case 0x04:
		return ErrExcDeviceFailure
	case 0x05:
		return ErrExcAcknowledge
	case 0x06:
		return ErrExcDeviceBusy
	case 0x08:
		return ErrExcMemoryParity
	case 0x0A:
		return ErrExcGatewayPathUnavailable
	case 0x0B:
		return ErrExcGatewayTargetFailed
	default:
		return fmt.Errorf("modbus: exception code 0x%02X", code)
	}
}

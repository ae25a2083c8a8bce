package domain

import (
	"time"
)

// ValueStatus marks whether an individual register read succeeded.
type ValueStatus string

const (
	StatusOK    ValueStatus = "ok"
	StatusError ValueStatus = "error"
)

// RegisterValue is the per-register outcome of a meter read. A failed
// register carries its error kind and message instead of a value; a
// failed read is never reported as a zero reading.
type RegisterValue struct {
	// Scaled is the engineering-unit value (raw divided by the
	// descriptor's scale). Only meaningful when Status is ok.
	Scaled float64 `json:"value"`

	// Raw is the combined integer register value before scaling
	Raw uint32 `json:"raw"`

	// Status is ok or error
	Status ValueStatus `json:"status"`

	// ErrorKind and ErrorMessage describe the failure when Status is error
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// MeterReading is one complete read cycle against one device. Every
// requested register appears in Values with an explicit status; the
// reading is immutable once returned by the orchestrator.
type MeterReading struct {
	// Address identifies the device this reading came from
	Address DeviceAddress `json:"address"`

	// Timestamp is when the read cycle started
	Timestamp time.Time `json:"timestamp"`

	// Values maps register name to its outcome
	Values map[string]RegisterValue `json:"values"`

	// OverallSuccess is true iff every requested register read ok
	OverallSuccess bool `json:"overall_success"`

	// Err aggregates per-register failures; nil when OverallSuccess
	Err *ModbusError `json:"error,omitempty"`
}

// NewMeterReading creates an empty reading stamped with the current time.
func NewMeterReading(addr DeviceAddress, registerCount int) *MeterReading {
	return &MeterReading{
		Address:        addr,
		Timestamp:      time.Now().UTC(),
		Values:         make(map[string]RegisterValue, registerCount),
		OverallSuccess: true,
	}
}

// OKValue records a successful register read.
func (m *MeterReading) OKValue(name string, raw uint32, scaled float64) {
	m.Values[name] = RegisterValue{
		Scaled: scaled,
		Raw:    raw,
		Status: StatusOK,
	}
}

// ErrorValue records a failed register read.
func (m *MeterReading) ErrorValue(name string, err error) {
	m.Values[name] = RegisterValue{
		Status:       StatusError,
		ErrorKind:    KindOf(err),
		ErrorMessage: err.Error(),
	}
}

// FailedRegisters returns the names of registers that did not read ok,
// in no particular order.
func (m *MeterReading) FailedRegisters() []string {
	var failed []string
	for name, v := range m.Values {
		if v.Status != StatusOK {
			failed = append(failed, name)
		}
	}
	return failed
}

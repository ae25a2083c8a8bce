package domain

import (
	"fmt"
	"time"
)

// Meter is a configured energy meter the gateway polls. Registers
// lists register map names; an empty list means the full default set.
type Meter struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Enabled      bool              `json:"enabled" yaml:"enabled"`
	PollInterval time.Duration     `json:"poll_interval" yaml:"poll_interval"`
	Address      DeviceAddress     `json:"address" yaml:"address"`
	Registers    []string          `json:"registers,omitempty" yaml:"registers,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate checks the meter definition, including that every named
// register exists in the register map.
func (m *Meter) Validate() error {
	if m.ID == "" {
		return ErrMeterIDRequired
	}
	if err := m.Address.Validate(); err != nil {
		return fmt.Errorf("meter %s: %w", m.ID, err)
	}
	if _, err := m.Descriptors(); err != nil {
		return fmt.Errorf("meter %s: %w", m.ID, err)
	}
	return nil
}

// Descriptors resolves the meter's register names against the register
// map, or returns the default set when none are named.
func (m *Meter) Descriptors() ([]RegisterDescriptor, error) {
	if len(m.Registers) == 0 {
		return DefaultRegisterSet(), nil
	}
	return RegistersByName(m.Registers)
}

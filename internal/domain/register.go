package domain

import (
	"fmt"
)

// RegisterBank selects the Modbus register bank a quantity lives in.
type RegisterBank string

const (
	BankHolding RegisterBank = "holding" // function code 0x03
	BankInput   RegisterBank = "input"   // function code 0x04
)

// WordOrder specifies how two consecutive 16-bit registers combine into
// one 32-bit value. Most meters transmit the high word first, but some
// gateways and older firmwares disagree, so it is per-register config.
type WordOrder string

const (
	WordOrderHighFirst WordOrder = "high_first"
	WordOrderLowFirst  WordOrder = "low_first"
)

// RegisterDescriptor describes one named engineering quantity: where it
// lives on the device and how its raw register words convert to a value.
// Descriptors are static configuration and never mutated at runtime.
type RegisterDescriptor struct {
	// Name is the engineering quantity, e.g. "voltage" or "energy_import"
	Name string `json:"name" yaml:"name"`

	// Address is the register start address (0-65535)
	Address uint16 `json:"address" yaml:"address"`

	// Count is the number of 16-bit registers (1 or 2)
	Count uint16 `json:"count" yaml:"count"`

	// Scale is the divisor applied to the raw integer value
	// (e.g. raw decivolts with Scale 10 yield volts)
	Scale float64 `json:"scale" yaml:"scale"`

	// Bank selects holding (FC3) or input (FC4) registers
	Bank RegisterBank `json:"bank,omitempty" yaml:"bank,omitempty"`

	// Order is the 32-bit word order; empty means high word first
	Order WordOrder `json:"word_order,omitempty" yaml:"word_order,omitempty"`
}

// Validate checks the descriptor and fills in defaults.
func (r *RegisterDescriptor) Validate() error {
	if r.Name == "" {
		return ErrRegisterNameRequired
	}
	if r.Count != 1 && r.Count != 2 {
		return fmt.Errorf("%w: register %q has count %d", ErrRegisterCountInvalid, r.Name, r.Count)
	}
	if r.Scale < 0 {
		return fmt.Errorf("%w: register %q has scale %v", ErrRegisterScaleInvalid, r.Name, r.Scale)
	}
	if r.Scale == 0 {
		r.Scale = 1
	}
	if r.Bank == "" {
		r.Bank = BankHolding
	}
	if r.Bank != BankHolding && r.Bank != BankInput {
		return fmt.Errorf("%w: %q", ErrRegisterBankInvalid, r.Bank)
	}
	if r.Order == "" {
		r.Order = WordOrderHighFirst
	}
	if r.Order != WordOrderHighFirst && r.Order != WordOrderLowFirst {
		return fmt.Errorf("%w: %q", ErrRegisterOrderInvalid, r.Order)
	}
	return nil
}

// CombineWords folds the raw register words into one integer according
// to the descriptor's word order. len(words) must equal Count.
func (r *RegisterDescriptor) CombineWords(words []uint16) (uint32, error) {
	if len(words) != int(r.Count) {
		return 0, fmt.Errorf("%w: register %q expected %d words, got %d",
			ErrRegisterWordCount, r.Name, r.Count, len(words))
	}
	if r.Count == 1 {
		return uint32(words[0]), nil
	}
	if r.Order == WordOrderLowFirst {
		return uint32(words[1])<<16 | uint32(words[0]), nil
	}
	return uint32(words[0])<<16 | uint32(words[1]), nil
}

// ScaledValue converts a combined raw value to engineering units.
func (r *RegisterDescriptor) ScaledValue(raw uint32) float64 {
	return float64(raw) / r.Scale
}

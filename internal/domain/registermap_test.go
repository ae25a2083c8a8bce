package domain_test

import (
	"errors"
	"testing"

	"github.com/gridpulse/metergate/internal/domain"
)

func TestLookupRegister(t *testing.T) {
	reg, ok := domain.LookupRegister("voltage")
	if !ok {
		t.Fatal("expected voltage to exist in the register map")
	}
	if reg.Count != 1 || reg.Scale != 10 || reg.Bank != domain.BankInput {
		t.Errorf("unexpected voltage descriptor: %+v", reg)
	}

	if _, ok := domain.LookupRegister("flux_capacitance"); ok {
		t.Error("expected unknown register to be absent")
	}
}

func TestRegistersByNamePreservesOrder(t *testing.T) {
	names := []string{"frequency", "voltage", "energy_import"}
	regs, err := domain.RegistersByName(names)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(regs) != len(names) {
		t.Fatalf("expected %d descriptors, got %d", len(names), len(regs))
	}
	for i, name := range names {
		if regs[i].Name != name {
			t.Errorf("position %d: expected %q, got %q", i, name, regs[i].Name)
		}
	}
}

func TestRegistersByNameUnknown(t *testing.T) {
	_, err := domain.RegistersByName([]string{"voltage", "warp_speed"})
	if !errors.Is(err, domain.ErrRegisterUnknown) {
		t.Errorf("expected ErrRegisterUnknown, got %v", err)
	}
}

func TestDefaultRegisterSetIsACopy(t *testing.T) {
	a := domain.DefaultRegisterSet()
	if len(a) == 0 {
		t.Fatal("default register set is empty")
	}
	a[0].Name = "mutated"

	b := domain.DefaultRegisterSet()
	if b[0].Name == "mutated" {
		t.Error("mutating the returned slice must not affect the register map")
	}
}

func TestDefaultRegisterSetDescriptorsAreValid(t *testing.T) {
	for _, reg := range domain.DefaultRegisterSet() {
		reg := reg
		t.Run(reg.Name, func(t *testing.T) {
			if err := reg.Validate(); err != nil {
				t.Errorf("built-in descriptor invalid: %v", err)
			}
			if reg.Count == 2 && reg.Order != domain.WordOrderHighFirst {
				t.Errorf("32-bit descriptor %q should default to high word first", reg.Name)
			}
		})
	}
}

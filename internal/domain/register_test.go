package domain_test

import (
	"errors"
	"testing"

	"github.com/gridpulse/metergate/internal/domain"
)

func TestRegisterDescriptorValidateDefaults(t *testing.T) {
	r := domain.RegisterDescriptor{Name: "voltage", Address: 0x0000, Count: 1}
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Scale != 1 {
		t.Errorf("expected default scale 1, got %v", r.Scale)
	}
	if r.Bank != domain.BankHolding {
		t.Errorf("expected default bank holding, got %q", r.Bank)
	}
	if r.Order != domain.WordOrderHighFirst {
		t.Errorf("expected default order high_first, got %q", r.Order)
	}
}

func TestRegisterDescriptorValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		reg     domain.RegisterDescriptor
		wantErr error
	}{
		{"missing name", domain.RegisterDescriptor{Count: 1}, domain.ErrRegisterNameRequired},
		{"count zero", domain.RegisterDescriptor{Name: "x", Count: 0}, domain.ErrRegisterCountInvalid},
		{"count three", domain.RegisterDescriptor{Name: "x", Count: 3}, domain.ErrRegisterCountInvalid},
		{"negative scale", domain.RegisterDescriptor{Name: "x", Count: 1, Scale: -1}, domain.ErrRegisterScaleInvalid},
		{"bad bank", domain.RegisterDescriptor{Name: "x", Count: 1, Bank: "coil"}, domain.ErrRegisterBankInvalid},
		{"bad order", domain.RegisterDescriptor{Name: "x", Count: 1, Order: "middle"}, domain.ErrRegisterOrderInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.reg.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCombineWords(t *testing.T) {
	tests := []struct {
		name  string
		reg   domain.RegisterDescriptor
		words []uint16
		want  uint32
	}{
		{
			"single word",
			domain.RegisterDescriptor{Name: "voltage", Count: 1, Order: domain.WordOrderHighFirst},
			[]uint16{2300},
			2300,
		},
		{
			"high word first",
			domain.RegisterDescriptor{Name: "energy", Count: 2, Order: domain.WordOrderHighFirst},
			[]uint16{0x0001, 0x86A0},
			100000,
		},
		{
			"low word first",
			domain.RegisterDescriptor{Name: "energy", Count: 2, Order: domain.WordOrderLowFirst},
			[]uint16{0x86A0, 0x0001},
			100000,
		},
		{
			"full 32-bit range",
			domain.RegisterDescriptor{Name: "x", Count: 2, Order: domain.WordOrderHighFirst},
			[]uint16{0xFFFF, 0xFFFF},
			0xFFFFFFFF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.reg.CombineWords(tt.words)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestCombineWordsCountMismatch(t *testing.T) {
	reg := domain.RegisterDescriptor{Name: "power", Count: 2}
	if _, err := reg.CombineWords([]uint16{1}); !errors.Is(err, domain.ErrRegisterWordCount) {
		t.Errorf("expected ErrRegisterWordCount, got %v", err)
	}
}

func TestScaledValue(t *testing.T) {
	tests := []struct {
		name  string
		scale float64
		raw   uint32
		want  float64
	}{
		{"decivolts to volts", 10, 2300, 230.0},
		{"milliamps to amps", 1000, 1500, 1.5},
		{"centihertz to hertz", 100, 5002, 50.02},
		{"unity scale", 1, 100000, 100000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := domain.RegisterDescriptor{Name: "x", Count: 1, Scale: tt.scale}
			if got := reg.ScaledValue(tt.raw); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/gridpulse/metergate/internal/domain"
)

func TestMeterValidate(t *testing.T) {
	addr := testAddr(t)
	tests := []struct {
		name    string
		meter   domain.Meter
		wantErr error
	}{
		{
			name:  "valid with explicit registers",
			meter: domain.Meter{ID: "meter-1", Address: addr, Registers: []string{"voltage", "current"}},
		},
		{
			name:  "valid with default register set",
			meter: domain.Meter{ID: "meter-2", Address: addr},
		},
		{
			name:    "missing ID",
			meter:   domain.Meter{Address: addr},
			wantErr: domain.ErrMeterIDRequired,
		},
		{
			name:    "invalid address",
			meter:   domain.Meter{ID: "meter-3", Address: domain.DeviceAddress{Port: 502, UnitID: 1}},
			wantErr: domain.ErrAddressIPRequired,
		},
		{
			name:    "unknown register",
			meter:   domain.Meter{ID: "meter-4", Address: addr, Registers: []string{"tachyon_flux"}},
			wantErr: domain.ErrRegisterUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.meter.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMeterDescriptors(t *testing.T) {
	addr := testAddr(t)

	m := domain.Meter{ID: "m", Address: addr, PollInterval: 10 * time.Second}
	regs, err := m.Descriptors()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(regs) != len(domain.DefaultRegisterSet()) {
		t.Errorf("empty register list must resolve to the default set, got %d descriptors", len(regs))
	}

	m.Registers = []string{"energy_import", "voltage"}
	regs, err = m.Descriptors()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(regs) != 2 || regs[0].Name != "energy_import" || regs[1].Name != "voltage" {
		t.Errorf("descriptors must follow the requested order, got %+v", regs)
	}
}

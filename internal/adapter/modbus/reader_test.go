package modbus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridpulse/metergate/internal/adapter/modbus"
	"github.com/gridpulse/metergate/internal/domain"
)

func testReader(t *testing.T) (*modbus.Reader, *modbus.Pool) {
	t.Helper()
	pool := testPool(t, modbus.PoolConfig{Session: testSessionConfig()})
	return modbus.NewReader(pool, zerolog.Nop(), nil), pool
}

func mustRegisters(t *testing.T, names ...string) []domain.RegisterDescriptor {
	t.Helper()
	regs, err := domain.RegistersByName(names)
	if err != nil {
		t.Fatalf("failed to resolve registers: %v", err)
	}
	return regs
}

func TestReadMeterSuccess(t *testing.T) {
	addr := startFakeDevice(t, &fakeDevice{
		unitID: 3,
		input: map[uint16]uint16{
			0x0000: 2300,             // voltage, scale 10
			0x0048: 0x0001, 0x0049: 0x86A0, // energy_import, 32-bit high first
		},
	})
	reader, _ := testReader(t)

	reading, err := reader.ReadMeter(context.Background(), addr,
		mustRegisters(t, "voltage", "energy_import"), modbus.ReadPolicy{})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	if !reading.OverallSuccess {
		t.Errorf("expected overall success, got error %v", reading.Err)
	}
	if reading.Err != nil {
		t.Errorf("expected nil reading error, got %v", reading.Err)
	}

	v := reading.Values["voltage"]
	if v.Status != domain.StatusOK || v.Raw != 2300 || v.Scaled != 230.0 {
		t.Errorf("voltage = %+v, want raw 2300 scaled 230.0", v)
	}

	e := reading.Values["energy_import"]
	if e.Status != domain.StatusOK || e.Raw != 100000 {
		t.Errorf("energy_import = %+v, want raw 100000", e)
	}
}

func TestReadMeterPartialFailure(t *testing.T) {
	addr := startFakeDevice(t, &fakeDevice{
		unitID:      1,
		input:       map[uint16]uint16{0x0000: 2300},
		exceptionAt: map[uint16]byte{0x0006: 0x02}, // current
	})
	reader, _ := testReader(t)

	reading, err := reader.ReadMeter(context.Background(), addr,
		mustRegisters(t, "voltage", "current", "frequency"), modbus.ReadPolicy{})
	if err != nil {
		t.Fatalf("partial failures must not fail the read itself: %v", err)
	}

	if reading.OverallSuccess {
		t.Error("expected overall success to be false")
	}
	if reading.Err == nil {
		t.Fatal("expected an aggregated reading error")
	}
	if reading.Err.Kind != domain.KindPartialRead {
		t.Errorf("aggregated kind = %v, want partial_read", reading.Err.Kind)
	}
	if _, ok := reading.Err.PerRegisterCause["current"]; !ok {
		t.Error("per-register cause for current missing")
	}

	// Successful registers still carry values.
	if v := reading.Values["voltage"]; v.Status != domain.StatusOK || v.Scaled != 230.0 {
		t.Errorf("voltage = %+v, want ok 230.0", v)
	}
	if f := reading.Values["frequency"]; f.Status != domain.StatusOK {
		t.Errorf("frequency = %+v, want ok", f)
	}
	if c := reading.Values["current"]; c.Status != domain.StatusError || c.ErrorKind != domain.KindProtocolError {
		t.Errorf("current = %+v, want error with protocol_error kind", c)
	}
}

func TestReadMeterAllRegistersFail(t *testing.T) {
	addr := startFakeDevice(t, &fakeDevice{
		unitID: 1,
		exceptionAt: map[uint16]byte{
			0x0000: 0x02, // voltage
			0x0006: 0x02, // current
		},
	})
	reader, _ := testReader(t)

	reading, err := reader.ReadMeter(context.Background(), addr,
		mustRegisters(t, "voltage", "current"), modbus.ReadPolicy{})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	if reading.Err == nil {
		t.Fatal("expected an aggregated reading error")
	}
	// With nothing succeeded the kind follows the first failure, not
	// partial_read.
	if reading.Err.Kind != domain.KindProtocolError {
		t.Errorf("aggregated kind = %v, want protocol_error", reading.Err.Kind)
	}
	if len(reading.FailedRegisters()) != 2 {
		t.Errorf("failed registers = %v, want both", reading.FailedRegisters())
	}
}

func TestReadMeterPoisonedSessionFailsRemainder(t *testing.T) {
	addr := startFakeDevice(t, &fakeDevice{
		unitID:    1,
		wrongTxID: true,
		input:     map[uint16]uint16{},
	})
	reader, _ := testReader(t)

	reading, err := reader.ReadMeter(context.Background(), addr,
		mustRegisters(t, "voltage", "current", "frequency"), modbus.ReadPolicy{})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	for _, name := range []string{"voltage", "current", "frequency"} {
		if v := reading.Values[name]; v.Status != domain.StatusError {
			t.Errorf("%s = %+v, want error after session poisoning", name, v)
		}
	}
	if reading.Err.Kind != domain.KindInvalidResponse {
		t.Errorf("aggregated kind = %v, want invalid_response", reading.Err.Kind)
	}
}

func TestReadMeterConnectionRefused(t *testing.T) {
	live := startFakeDevice(t, &fakeDevice{unitID: 1})
	unreachable := domain.NewDeviceAddress(live.IP, 1, 1)
	reader, _ := testReader(t)

	reading, err := reader.ReadMeter(context.Background(), unreachable, nil, modbus.ReadPolicy{})
	if reading != nil {
		t.Error("connect-level failures must not produce a reading")
	}
	if domain.KindOf(err) != domain.KindConnectionRefused {
		t.Errorf("kind = %v, want connection_refused", domain.KindOf(err))
	}
}

func TestReadMeterDefaultsToFullRegisterSet(t *testing.T) {
	input := make(map[uint16]uint16)
	for _, reg := range domain.DefaultRegisterSet() {
		for i := uint16(0); i < reg.Count; i++ {
			input[reg.Address+i] = 1
		}
	}
	addr := startFakeDevice(t, &fakeDevice{unitID: 1, input: input})
	reader, _ := testReader(t)

	reading, err := reader.ReadMeter(context.Background(), addr, nil, modbus.ReadPolicy{})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(reading.Values) != len(domain.DefaultRegisterSet()) {
		t.Errorf("values = %d, want full default set of %d",
			len(reading.Values), len(domain.DefaultRegisterSet()))
	}
	if !reading.OverallSuccess {
		t.Errorf("expected overall success, failures: %v", reading.FailedRegisters())
	}
}

func TestReadMeterInvalidAddress(t *testing.T) {
	reader, _ := testReader(t)

	_, err := reader.ReadMeter(context.Background(),
		domain.DeviceAddress{Port: 502, UnitID: 1}, nil, modbus.ReadPolicy{})
	if !errors.Is(err, domain.ErrAddressIPRequired) {
		t.Errorf("expected address validation error, got %v", err)
	}
}

func TestReadMeterPolicyTimeout(t *testing.T) {
	addr := startFakeDevice(t, &fakeDevice{unitID: 1, silent: true})
	pool := testPool(t, modbus.PoolConfig{
		Session: modbus.SessionConfig{ConnectTimeout: time.Second, ReadTimeout: 10 * time.Second},
	})
	reader := modbus.NewReader(pool, zerolog.Nop(), nil)

	start := time.Now()
	reading, err := reader.ReadMeter(context.Background(), addr,
		mustRegisters(t, "voltage"), modbus.ReadPolicy{ReadTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("read took %v, policy timeout should bound it", elapsed)
	}
	if v := reading.Values["voltage"]; v.ErrorKind != domain.KindTimeout {
		t.Errorf("voltage = %+v, want timeout error", v)
	}
}

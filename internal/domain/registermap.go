package domain

import "fmt"

// defaultRegisterMap is the built-in map for the three-phase energy
// meters the gateway ships support for. Instantaneous electrical
// quantities live in the input bank as scaled integers; cumulative
// energy counters are 32-bit with the high word first. Addresses and
// scale divisors follow the vendor register sheet.
var defaultRegisterMap = []RegisterDescriptor{
	// Aggregate / total quantities
	{Name: "voltage", Address: 0x0000, Count: 1, Scale: 10, Bank: BankInput, Order: WordOrderHighFirst},
	{Name: "current", Address: 0x0006, Count: 1, Scale: 1000, Bank: BankInput, Order: WordOrderHighFirst},
	{Name: "power", Address: 0x000C, Count: 2, Scale: 10, Bank: BankInput, Order: WordOrderHighFirst},
	{Name: "apparent_power", Address: 0x0012, Count: 2, Scale: 10, Bank: BankInput, Order: WordOrderHighFirst},
	{Name: "reactive_power", Address: 0x0018, Count: 2, Scale: 10, Bank: BankInput, Order: WordOrderHighFirst},
	{Name: "power_factor", Address: 0x001E, Count: 1, Scale: 1000, Bank: BankInput, Order: WordOrderHighFirst},
	{Name: "frequency", Address: 0x0046, Count: 1, Scale: 100, Bank: BankInput, Order: WordOrderHighFirst},

	// Cumulative energy counters (watt-hours)
	{Name: "energy_import", Address: 0x0048, Count: 2, Scale: 1, Bank: BankInput, Order: WordOrderHighFirst},
	{Name: "energy_export", Address: 0x004A, Count: 2, Scale: 1, Bank: BankInput, Order: WordOrderHighFirst},

	// Per-phase voltage (decivolts)
	{Name: "voltage_l1", Address: 0x0100, Count: 1, Scale: 10, Bank: BankInput, Order: WordOrderHighFirst},
	{Name: "voltage_l2", Address: 0x0102, Count: 1, Scale: 10, Bank: BankInput, Order: WordOrderHighFirst},
	{Name: "voltage_l3", Address: 0x0104, Count: 1, Scale: 10, Bank: BankInput, Order: WordOrderHighFirst},

	// Per-phase current (milliamps)
	{Name: "current_l1", Address: 0x0106, Count: 1, Scale: 1000, Bank: BankInput, Order: WordOrderHighFirst},
	{Name: "current_l2", Address: 0x0108, Count: 1, Scale: 1000, Bank: BankInput, Order: WordOrderHighFirst},
	{Name: "current_l3", Address: 0x010A, Count: 1, Scale: 1000, Bank: BankInput, Order: WordOrderHighFirst},

	// Per-phase active power (deciwatts)
	{Name: "power_l1", Address: 0x010C, Count: 2, Scale: 10, Bank: BankInput, Order: WordOrderHighFirst},
	{Name: "power_l2", Address: 0x010E, Count: 2, Scale: 10, Bank: BankInput, Order: WordOrderHighFirst},
	{Name: "power_l3", Address: 0x0110, Count: 2, Scale: 10, Bank: BankInput, Order: WordOrderHighFirst},
}

// registerIndex provides name lookup into defaultRegisterMap.
var registerIndex = func() map[string]RegisterDescriptor {
	idx := make(map[string]RegisterDescriptor, len(defaultRegisterMap))
	for _, r := range defaultRegisterMap {
		idx[r.Name] = r
	}
	return idx
}()

// DefaultRegisterSet returns a copy of the full built-in register map.
// Callers may mutate the returned slice freely.
func DefaultRegisterSet() []RegisterDescriptor {
	out := make([]RegisterDescriptor, len(defaultRegisterMap))
	copy(out, defaultRegisterMap)
	return out
}

// LookupRegister returns the built-in descriptor for a named quantity.
func LookupRegister(name string) (RegisterDescriptor, bool) {
	r, ok := registerIndex[name]
	return r, ok
}

// RegistersByName resolves a list of quantity names against the
// built-in map, preserving order.
func RegistersByName(names []string) ([]RegisterDescriptor, error) {
	out := make([]RegisterDescriptor, 0, len(names))
	for _, name := range names {
		r, ok := registerIndex[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrRegisterUnknown, name)
		}
		out = append(out, r)
	}
	return out, nil
}

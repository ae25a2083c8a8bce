package config

import (
	"fmt"
	"os"
	"time"

	"github.com/gridpulse/metergate/internal/domain"
	"gopkg.in/yaml.v3"
)

// MeterConfig represents the YAML structure for one meter definition.
type MeterConfig struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Enabled      bool              `yaml:"enabled"`
	PollInterval string            `yaml:"poll_interval,omitempty"`
	Connection   MeterConnection   `yaml:"connection"`
	Registers    []string          `yaml:"registers,omitempty"`
	Metadata     map[string]string `yaml:"metadata,omitempty"`
}

// MeterConnection represents connection settings in YAML.
type MeterConnection struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	UnitID int    `yaml:"unit_id"`
}

// MetersFile represents the top-level meters configuration file.
type MetersFile struct {
	Version string        `yaml:"version"`
	Meters  []MeterConfig `yaml:"meters"`
}

// LoadMeters loads meter definitions from a YAML file.
func LoadMeters(path string) ([]*domain.Meter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read meters file: %w", err)
	}

	var file MetersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse meters file: %w", err)
	}

	seen := make(map[string]int)
	meters := make([]*domain.Meter, 0, len(file.Meters))

	for idx, mc := range file.Meters {
		if prevIdx, exists := seen[mc.ID]; exists {
			return nil, fmt.Errorf("duplicate meter ID %q at index %d (first seen at index %d)", mc.ID, idx, prevIdx)
		}
		seen[mc.ID] = idx

		meter, err := convertMeterConfig(mc)
		if err != nil {
			return nil, fmt.Errorf("error in meter %s: %w", mc.ID, err)
		}
		meters = append(meters, meter)
	}

	return meters, nil
}

// convertMeterConfig converts a MeterConfig to a domain.Meter.
func convertMeterConfig(mc MeterConfig) (*domain.Meter, error) {
	pollInterval := 10 * time.Second
	if mc.PollInterval != "" {
		var err error
		pollInterval, err = time.ParseDuration(mc.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid poll interval: %w", err)
		}
	}

	if mc.Connection.UnitID < 0 || mc.Connection.UnitID > int(domain.MaxUnitID) {
		return nil, domain.ErrAddressUnitInvalid
	}

	meter := &domain.Meter{
		ID:           mc.ID,
		Name:         mc.Name,
		Enabled:      mc.Enabled,
		PollInterval: pollInterval,
		Address:      domain.NewDeviceAddress(mc.Connection.Host, mc.Connection.Port, uint8(mc.Connection.UnitID)),
		Registers:    mc.Registers,
		Metadata:     mc.Metadata,
	}

	if err := meter.Validate(); err != nil {
		return nil, err
	}
	return meter, nil
}

// SaveMeters saves meter definitions to a YAML file.
func SaveMeters(path string, meters []*domain.Meter) error {
	configs := make([]MeterConfig, 0, len(meters))
	for _, m := range meters {
		configs = append(configs, MeterConfig{
			ID:           m.ID,
			Name:         m.Name,
			Enabled:      m.Enabled,
			PollInterval: m.PollInterval.String(),
			Connection: MeterConnection{
				Host:   m.Address.IP,
				Port:   m.Address.Port,
				UnitID: int(m.Address.UnitID),
			},
			Registers: m.Registers,
			Metadata:  m.Metadata,
		})
	}

	file := MetersFile{Version: "1.0", Meters: configs}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to marshal meters: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write meters file: %w", err)
	}
	return nil
}

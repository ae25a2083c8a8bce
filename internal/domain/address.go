// Package domain contains the core entities of the meter gateway:
// device addresses, register descriptors, meter readings, and the
// error taxonomy. These are transport-agnostic value types.
package domain

import (
	"fmt"
	"net"
	"strconv"
)

// DefaultModbusPort is the IANA-registered Modbus TCP port.
const DefaultModbusPort = 502

// MaxUnitID is the highest valid Modbus unit (slave) identifier.
const MaxUnitID = 247

// DeviceAddress identifies one logical Modbus device. It is the pooling
// key: two reads against the same {IP, Port, UnitID} share sessions.
// The struct is comparable and must not be mutated after construction.
type DeviceAddress struct {
	// IP is the address or hostname of the device or gateway
	IP string `json:"ip" yaml:"ip"`

	// Port is the TCP port (default 502)
	Port int `json:"port" yaml:"port"`

	// UnitID is the Modbus unit/slave identifier (0-247). Relevant for
	// serial-to-TCP gateways that front multiple meters on one endpoint.
	UnitID uint8 `json:"unit_id" yaml:"unit_id"`
}

// NewDeviceAddress constructs a DeviceAddress, applying the default
// Modbus port when port is zero.
func NewDeviceAddress(ip string, port int, unitID uint8) DeviceAddress {
	if port == 0 {
		port = DefaultModbusPort
	}
	return DeviceAddress{IP: ip, Port: port, UnitID: unitID}
}

// Validate performs validation on the device address.
func (a DeviceAddress) Validate() error {
	if a.IP == "" {
		return ErrAddressIPRequired
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrAddressPortInvalid, a.Port)
	}
	if a.UnitID > MaxUnitID {
		return fmt.Errorf("%w: %d", ErrAddressUnitInvalid, a.UnitID)
	}
	return nil
}

// Endpoint returns the host:port dial target for this address.
func (a DeviceAddress) Endpoint() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// String renders the full identity including the unit ID.
func (a DeviceAddress) String() string {
	return fmt.Sprintf("%s/%d", a.Endpoint(), a.UnitID)
}

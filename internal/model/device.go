package model

import "time"

type DeviceType string

const (
	DevicePowerSupply    DeviceType = "power_supply"
	DeviceElectronicLoad DeviceType = "electronic_load"
	DeviceMultimeter     DeviceType = "multimeter"
	DeviceWeatherStation DeviceType = "weather_station"
	DeviceSolarSimulator DeviceType = "solar_simulator"
)

func (t DeviceType) IsValid() bool {
	switch t {
	case DevicePowerSupply, DeviceElectronicLoad, DeviceMultimeter, DeviceWeatherStation, DeviceSolarSimulator:
		return true
	default:
		return false
	}
}

type DeviceStatus string

const (
	DeviceOnline      DeviceStatus = "online"
	DeviceOffline     DeviceStatus = "offline"
	DeviceError       DeviceStatus = "error"
	DeviceMaintenance DeviceStatus = "maintenance"
)

func (s DeviceStatus) IsValid() bool {
	switch s {
	case DeviceOnline, DeviceOffline, DeviceError, DeviceMaintenance:
		return true
	default:
		return false
	}
}

type Device struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       DeviceType     `json:"type"`
	Connection map[string]any `json:"connection,omitempty"`
	Status     DeviceStatus   `json:"status"`
	LastSeen   *time.Time     `json:"last_seen,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
}

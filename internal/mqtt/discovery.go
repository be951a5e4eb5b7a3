package mqtt

import (
	"strconv"

	"github.com/domik/air-sensor/internal/device"
)

// DeviceInfo holds the Home Assistant device registry fields shared
// across all MQTT discovery config payloads.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version"`
}

// NewDeviceInfo creates the device block for id. The unique ID is the
// primary HA device identifier.
func NewDeviceInfo(id device.Identity) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{id.UniqueID},
		Manufacturer: id.Manufacturer,
		Model:        id.Model,
		Name:         id.Name,
		SWVersion:    id.SWVersion,
	}
}

// Availability is one entry of a discovery payload's availability list.
type Availability struct {
	Topic string `json:"topic"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. It is published (retained) to the discovery topic on every
// broker (re-)connect.
type SensorConfig struct {
	Platform            string         `json:"platform"`
	EnabledByDefault    bool           `json:"enabled_by_default"`
	StateClass          string         `json:"state_class"`
	StateTopic          string         `json:"state_topic"`
	JSONAttributesTopic string         `json:"json_attributes_topic"`
	Availability        []Availability `json:"availability"`
	Device              DeviceInfo     `json:"device"`

	Name              string `json:"name"`
	DeviceClass       string `json:"device_class"`
	UnitOfMeasurement string `json:"unit_of_measurement"`
	ValueTemplate     string `json:"value_template"`
	UniqueID          string `json:"unique_id"`
}

// Reading is one measurement snapshot supplied by the caller.
type Reading struct {
	CO2         int
	Temperature float64
	Humidity    float64
	Pressure    float64
}

// StatePayload is the combined state document. The three analog values
// are fixed one-decimal strings so HA always sees e.g. "21.0", never "21".
type StatePayload struct {
	Temperature string `json:"temperature"`
	Humidity    string `json:"humidity"`
	Pressure    string `json:"pressure"`
	CO2         int    `json:"co2"`
}

// NewStatePayload renders r.
func NewStatePayload(r Reading) StatePayload {
	return StatePayload{
		Temperature: oneDecimal(r.Temperature),
		Humidity:    oneDecimal(r.Humidity),
		Pressure:    oneDecimal(r.Pressure),
		CO2:         r.CO2,
	}
}

func oneDecimal(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

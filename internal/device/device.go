// Package device describes the physical air sensor as Home Assistant sees
// it: the device registry identity, the four logical sensors it exposes,
// and the fixed MQTT topics everything is published to. All values are
// built once at startup and never mutated.
package device

import "github.com/domik/air-sensor/internal/buildinfo"

// Default identity of the Domik air sensor.
const (
	DefaultManufacturer = "DOMIK"
	DefaultModel        = "Air Sensor"
	DefaultName         = "Domik Air sensor"
	DefaultUniqueID     = "DOMIK-36c"

	DefaultDiscoveryPrefix = "homeassistant"
	DefaultNodeID          = "domik-air-sensor"
)

// Identity holds the Home Assistant device registry fields shared by
// every discovery message. All four sensors reference the same identity
// so HA groups them under a single device page.
type Identity struct {
	Manufacturer string
	Model        string
	Name         string
	SWVersion    string
	UniqueID     string
}

// DefaultIdentity returns the identity the firmware shipped with. The
// software version is the build version.
func DefaultIdentity() Identity {
	return Identity{
		Manufacturer: DefaultManufacturer,
		Model:        DefaultModel,
		Name:         DefaultName,
		SWVersion:    buildinfo.Version,
		UniqueID:     DefaultUniqueID,
	}
}

// Kind names a logical sensor. It doubles as the reading's field name in
// the state document and as the discovery topic segment.
type Kind string

const (
	Temperature Kind = "temperature"
	Humidity    Kind = "humidity"
	Pressure    Kind = "pressure"
	CO2         Kind = "co2"
)

// Kinds lists every sensor in publication order.
var Kinds = []Kind{Temperature, Humidity, Pressure, CO2}

// Sensor is the static description of one logical sensor.
type Sensor struct {
	Kind           Kind
	Name           string
	UniqueID       string
	DeviceClass    string
	Unit           string
	DiscoveryTopic string
	ValueTemplate  string
}

// sensorMeta is the per-kind part of a Sensor that does not depend on
// identity or topics.
var sensorMeta = map[Kind]struct {
	name, deviceClass, unit string
}{
	Temperature: {"Temperature", "temperature", "°C"},
	Humidity:    {"Humidity", "humidity", "%"},
	Pressure:    {"Pressure", "pressure", "hPa"},
	CO2:         {"CO2", "carbon_dioxide", "ppm"},
}

// Topics is the fixed topic set of one device.
type Topics struct {
	prefix string
	nodeID string

	// State carries the combined reading document (not retained).
	State string
	// Availability carries "online"/"offline" (retained).
	Availability string
}

// NewTopics builds the topic set for nodeID under the discovery prefix.
func NewTopics(prefix, nodeID string) Topics {
	base := prefix + "/sensor/" + nodeID
	return Topics{
		prefix:       prefix,
		nodeID:       nodeID,
		State:        base + "/state",
		Availability: base + "/status",
	}
}

// Discovery returns the retained config topic for a sensor kind.
func (t Topics) Discovery(k Kind) string {
	return t.prefix + "/sensor/" + t.nodeID + "/" + string(k) + "/config"
}

// Descriptor is everything needed to announce and feed one device.
type Descriptor struct {
	Identity Identity
	Topics   Topics
	Sensors  []Sensor
}

// New builds the descriptor for id, publishing under prefix/nodeID.
func New(id Identity, prefix, nodeID string) Descriptor {
	topics := NewTopics(prefix, nodeID)

	sensors := make([]Sensor, 0, len(Kinds))
	for _, k := range Kinds {
		meta := sensorMeta[k]
		sensors = append(sensors, Sensor{
			Kind:           k,
			Name:           meta.name,
			UniqueID:       id.UniqueID + "-" + string(k),
			DeviceClass:    meta.deviceClass,
			Unit:           meta.unit,
			DiscoveryTopic: topics.Discovery(k),
			ValueTemplate:  "{{ value_json." + string(k) + " }}",
		})
	}

	return Descriptor{
		Identity: id,
		Topics:   topics,
		Sensors:  sensors,
	}
}

// Default returns the descriptor with the shipped identity and topics.
func Default() Descriptor {
	return New(DefaultIdentity(), DefaultDiscoveryPrefix, DefaultNodeID)
}

// Package config handles air sensor configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/domik/air-sensor/internal/device"
)

// Placeholder credentials used when the config file does not override
// them. A device running on these will not join any real network; the
// agent warns at startup when any of them is still in effect.
const (
	PlaceholderSSID         = "AP wifi name"
	PlaceholderWiFiPassword = "and password"
	PlaceholderHostname     = "set hostname"
	PlaceholderBroker       = "tcp://127.0.0.1:1883"
	PlaceholderMQTTUsername = "your mqtt username"
	PlaceholderMQTTPassword = "and password"
)

// MQTT protocol versions accepted in mqtt.protocol.
const (
	ProtocolV311 = "3.1.1"
	ProtocolV5   = "5"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/airsensor/config.yaml, /etc/airsensor/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "airsensor", "config.yaml"))
	}

	paths = append(paths, "/etc/airsensor/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all air sensor configuration.
type Config struct {
	WiFi    WiFiConfig   `yaml:"wifi"`
	MQTT    MQTTConfig   `yaml:"mqtt"`
	Device  DeviceConfig `yaml:"device"`
	DataDir string       `yaml:"data_dir"`

	// TickInterval is how often the main loop runs the connectivity
	// process step.
	TickInterval time.Duration `yaml:"tick_interval"`
	// BootDelay is how long the process waits before exiting for a
	// restart after a fatal connectivity failure.
	BootDelay time.Duration `yaml:"boot_delay"`
	// LogOutput is "stdout" (default) or "stderr".
	LogOutput string `yaml:"log_output"`
}

// WiFiConfig defines station and provisioning portal settings.
type WiFiConfig struct {
	// SSID and Password are the fallback station credentials, used when
	// the credential store is empty. They also name the portal's access
	// point.
	SSID     string `yaml:"ssid"`
	Password string `yaml:"password"`
	Hostname string `yaml:"hostname"`
	// Interface is the wireless device (default "wlan0").
	Interface string `yaml:"interface"`
	// ConnectTimeout bounds one station association attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	PortalTimeout  time.Duration `yaml:"portal_timeout"`
	PortalListen   string        `yaml:"portal_listen"`
	PortalMaxConns int           `yaml:"portal_max_conns"`
	// PortalAdvertise registers the portal over mDNS.
	PortalAdvertise bool `yaml:"portal_advertise"`
}

// MQTTConfig defines broker connection and topic settings.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Protocol       string        `yaml:"protocol"`
	KeepAlive      time.Duration `yaml:"keepalive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	DiscoveryPrefix string `yaml:"discovery_prefix"`
	NodeID          string `yaml:"node_id"`
	// HubStatusTopic is where Home Assistant announces its own restarts.
	// Discovery is re-published when "online" arrives there. Empty
	// disables the subscription.
	HubStatusTopic string `yaml:"hub_status_topic"`
}

// DeviceConfig overrides the device registry identity. An empty UniqueID
// means "generate one and keep it in data_dir".
type DeviceConfig struct {
	Manufacturer string `yaml:"manufacturer"`
	Model        string `yaml:"model"`
	Name         string `yaml:"name"`
	SWVersion    string `yaml:"sw_version"`
	UniqueID     string `yaml:"unique_id"`
}

// Identity converts the device section into a device identity.
func (d DeviceConfig) Identity() device.Identity {
	return device.Identity{
		Manufacturer: d.Manufacturer,
		Model:        d.Model,
		Name:         d.Name,
		SWVersion:    d.SWVersion,
		UniqueID:     d.UniqueID,
	}
}

// Default returns a default configuration.
func Default() *Config {
	id := device.DefaultIdentity()
	return &Config{
		WiFi: WiFiConfig{
			SSID:            PlaceholderSSID,
			Password:        PlaceholderWiFiPassword,
			Hostname:        PlaceholderHostname,
			Interface:       "wlan0",
			ConnectTimeout:  30 * time.Second,
			PortalTimeout:   180 * time.Second,
			PortalListen:    ":80",
			PortalMaxConns:  8,
			PortalAdvertise: true,
		},
		MQTT: MQTTConfig{
			Broker:          PlaceholderBroker,
			Username:        PlaceholderMQTTUsername,
			Password:        PlaceholderMQTTPassword,
			Protocol:        ProtocolV311,
			KeepAlive:       60 * time.Second,
			ConnectTimeout:  15 * time.Second,
			DiscoveryPrefix: device.DefaultDiscoveryPrefix,
			NodeID:          device.DefaultNodeID,
			HubStatusTopic:  "homeassistant/status",
		},
		Device: DeviceConfig{
			Manufacturer: id.Manufacturer,
			Model:        id.Model,
			Name:         id.Name,
			SWVersion:    id.SWVersion,
			UniqueID:     id.UniqueID,
		},
		DataDir:      "/var/lib/airsensor",
		TickInterval: 100 * time.Millisecond,
		BootDelay:    5000 * time.Millisecond,
		LogOutput:    "stdout",
	}
}

// envRef matches the ${NAME} form. A bare $ is left alone so passwords
// such as "pa$$word" load as written.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces each ${NAME} with the value of the environment
// variable NAME, or the empty string when it is unset.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// Load reads configuration from a YAML file. ${NAME} references in the
// file are expanded from the environment, and keys absent from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := expandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	}
	switch c.MQTT.Protocol {
	case ProtocolV311, ProtocolV5:
	default:
		errs = append(errs, fmt.Errorf("mqtt.protocol %q (valid: %s, %s)", c.MQTT.Protocol, ProtocolV311, ProtocolV5))
	}
	if c.MQTT.KeepAlive < time.Second || c.MQTT.KeepAlive > 65535*time.Second {
		errs = append(errs, fmt.Errorf("mqtt.keepalive %v out of range", c.MQTT.KeepAlive))
	}
	for name, v := range map[string]string{
		"mqtt.discovery_prefix": c.MQTT.DiscoveryPrefix,
		"mqtt.node_id":          c.MQTT.NodeID,
	} {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		} else if strings.ContainsAny(v, "+#") {
			errs = append(errs, fmt.Errorf("%s %q must not contain MQTT wildcards", name, v))
		}
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick_interval must be positive"))
	}
	if c.BootDelay < 0 {
		errs = append(errs, errors.New("boot_delay must not be negative"))
	}
	if c.WiFi.PortalTimeout <= 0 {
		errs = append(errs, errors.New("wifi.portal_timeout must be positive"))
	}
	if c.WiFi.Interface == "" {
		errs = append(errs, errors.New("wifi.interface is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	switch c.LogOutput {
	case "", "stdout", "stderr":
	default:
		errs = append(errs, fmt.Errorf("log_output %q (valid: stdout, stderr)", c.LogOutput))
	}

	return errors.Join(errs...)
}

// Placeholders returns the names of settings still at their placeholder
// defaults.
func (c *Config) Placeholders() []string {
	var names []string
	check := func(name, got, placeholder string) {
		if got == placeholder {
			names = append(names, name)
		}
	}
	check("wifi.ssid", c.WiFi.SSID, PlaceholderSSID)
	check("wifi.password", c.WiFi.Password, PlaceholderWiFiPassword)
	check("wifi.hostname", c.WiFi.Hostname, PlaceholderHostname)
	check("mqtt.broker", c.MQTT.Broker, PlaceholderBroker)
	check("mqtt.username", c.MQTT.Username, PlaceholderMQTTUsername)
	check("mqtt.password", c.MQTT.Password, PlaceholderMQTTPassword)
	return names
}

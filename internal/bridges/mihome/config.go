package mihome

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the Mi Home bridge.
// Loaded from YAML with environment variable overrides.
type Config struct {
	Bridge  BridgeConfig    `yaml:"bridge"`
	Gateway GatewaySettings `yaml:"gateway"`
	Devices []DeviceConfig  `yaml:"devices"`
}

// BridgeConfig contains bridge identity and operational settings.
type BridgeConfig struct {
	// ID uniquely identifies this bridge instance.
	ID string `yaml:"id"`

	// HealthInterval is how often to publish health status (seconds).
	// Default: 30 seconds.
	HealthInterval int `yaml:"health_interval"`

	// StatusInterval is how often device statuses are re-evaluated
	// (seconds), so silent devices drop to offline. Default: 60 seconds.
	StatusInterval int `yaml:"status_interval"`
}

// GatewaySettings identifies the gateway and how to reach it.
type GatewaySettings struct {
	// SID is the gateway sid. Optional; learned from its heartbeat.
	SID string `yaml:"sid"`

	// Key is the developer key from the Mi Home app (16 characters).
	// WARNING: Never log this value. Use String() for safe logging.
	Key string `yaml:"key"`

	// Host is the gateway's IP address for unicast writes.
	Host string `yaml:"host"`

	// Port is the gateway's command port. Default: 9898.
	Port int `yaml:"port"`

	// MulticastAddr is the report group. Default: 224.0.0.50:9898.
	MulticastAddr string `yaml:"multicast_addr"`

	// Interface selects the network interface for the multicast join.
	Interface string `yaml:"interface"`
}

// Addr returns the gateway's unicast "host:port", or "" if no host is set.
func (g GatewaySettings) Addr() string {
	if g.Host == "" {
		return ""
	}
	return net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
}

// String returns a string representation with the key masked.
func (g GatewaySettings) String() string {
	key := ""
	if g.Key != "" {
		key = "[REDACTED]"
	}
	return fmt.Sprintf("GatewaySettings{SID:%q, Key:%s, Host:%q, Port:%d, MulticastAddr:%q}",
		g.SID, key, g.Host, g.Port, g.MulticastAddr)
}

// MarshalJSON implements json.Marshaler to redact the key.
func (g GatewaySettings) MarshalJSON() ([]byte, error) {
	type redacted GatewaySettings
	safe := redacted(g)
	if safe.Key != "" {
		safe.Key = "[REDACTED]"
	}
	return json.Marshal(safe)
}

// DeviceConfig declares one device behind the gateway.
type DeviceConfig struct {
	// SID is the device's sid as reported by the gateway.
	SID string `yaml:"sid"`

	// Kind is the device model: gateway, sensor_ht, motion, switch,
	// magnet, plug or cube.
	Kind string `yaml:"kind"`

	// Name is an optional display name.
	Name string `yaml:"name"`
}

// LoadConfig reads configuration from a YAML file.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MIHOME_BRIDGE_SECTION_KEY
// For example: MIHOME_BRIDGE_GATEWAY_KEY, MIHOME_BRIDGE_GATEWAY_HOST
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "mihome-bridge-01",
			HealthInterval: 30,
			StatusInterval: 60,
		},
		Gateway: GatewaySettings{
			Port:          DefaultPort,
			MulticastAddr: DefaultMulticastAddr,
		},
		Devices: []DeviceConfig{},
	}
}

// applyEnvOverrides applies MIHOME_BRIDGE_* environment overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIHOME_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}

	if v := os.Getenv("MIHOME_BRIDGE_GATEWAY_SID"); v != "" {
		cfg.Gateway.SID = v
	}
	if v := os.Getenv("MIHOME_BRIDGE_GATEWAY_KEY"); v != "" {
		cfg.Gateway.Key = v
	}
	if v := os.Getenv("MIHOME_BRIDGE_GATEWAY_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("MIHOME_BRIDGE_GATEWAY_INTERFACE"); v != "" {
		cfg.Gateway.Interface = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateGateway()...)
	errs = append(errs, c.validateDevices()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateBridge() []string {
	var errs []string
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}
	if c.Bridge.StatusInterval < 1 {
		errs = append(errs, "bridge.status_interval must be at least 1 second")
	}
	return errs
}

func (c *Config) validateGateway() []string {
	var errs []string
	if c.Gateway.Key != "" && len(c.Gateway.Key) != KeySize {
		errs = append(errs, fmt.Sprintf("gateway.key must be %d characters", KeySize))
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}
	if c.Gateway.MulticastAddr == "" {
		errs = append(errs, "gateway.multicast_addr is required")
	}
	return errs
}

func (c *Config) validateDevices() []string {
	var errs []string
	sids := make(map[string]bool)

	for i, dev := range c.Devices {
		if dev.SID == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].sid is required", i))
			continue
		}
		if sids[dev.SID] {
			errs = append(errs, fmt.Sprintf("devices[%d].sid %q is duplicate", i, dev.SID))
		}
		sids[dev.SID] = true

		if _, err := ParseKind(dev.Kind); err != nil {
			errs = append(errs, fmt.Sprintf("devices[%d].kind: %v", i, err))
		}
	}

	return errs
}

// GetHealthInterval returns the health reporting interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetStatusInterval returns the device status sweep interval.
func (c *Config) GetStatusInterval() time.Duration {
	return time.Duration(c.Bridge.StatusInterval) * time.Second
}

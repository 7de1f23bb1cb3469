// Package gateway assembles the edge gateway: device sessions, the
// ingress router, the egress pump, and the roster, all wired to one
// broker connection.
package gateway

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Default device types.
const (
	DefaultRobotType = "robot-fanuc"
	DefaultPlcType   = "plc-logix"
)

// AddrSim selects the in-memory simulator transport instead of a
// network connection.
const AddrSim = "sim"

// MQTTConfig is the broker connection block.
type MQTTConfig struct {
	Addr     string `yaml:"addr"`
	ClientID string `yaml:"client_id,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// PEM files for mutual TLS. CertFile and KeyFile come together;
	// CAFile is optional.
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
	CAFile   string `yaml:"ca_file,omitempty"`
}

// RobotDevice configures one robot session.
type RobotDevice struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
	Addr string `yaml:"addr"`
	Type string `yaml:"type,omitempty"`

	StreamPeriodMs  int `yaml:"stream_period_ms,omitempty"`
	ReadTimeoutMs   int `yaml:"read_timeout_ms,omitempty"`
	LeaseTimeoutSec int `yaml:"lease_timeout_sec,omitempty"`
}

// PlcDevice configures one PLC session.
type PlcDevice struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
	Addr string `yaml:"addr"`
	Type string `yaml:"type,omitempty"`

	PollPeriodMs    int `yaml:"poll_period_ms,omitempty"`
	TimeoutMs       int `yaml:"timeout_ms,omitempty"`
	MaxItems        int `yaml:"max_items,omitempty"`
	LeaseTimeoutSec int `yaml:"lease_timeout_sec,omitempty"`
}

// Config is the gateway configuration file.
type Config struct {
	Tenant  string `yaml:"tenant"`
	Gateway string `yaml:"gateway"`

	MQTT MQTTConfig `yaml:"mqtt"`

	// PumpPeriodMs is the egress pump tick. 0 selects the default.
	PumpPeriodMs int `yaml:"pump_period_ms,omitempty"`

	Robots []RobotDevice `yaml:"robots,omitempty"`
	PLCs   []PlcDevice   `yaml:"plcs,omitempty"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gateway: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates YAML configuration bytes.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("gateway: parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Robots {
		if c.Robots[i].Type == "" {
			c.Robots[i].Type = DefaultRobotType
		}
	}
	for i := range c.PLCs {
		if c.PLCs[i].Type == "" {
			c.PLCs[i].Type = DefaultPlcType
		}
	}
}

func (c *Config) validate() error {
	if c.Tenant == "" {
		return fmt.Errorf("gateway: config missing tenant")
	}
	if c.Gateway == "" {
		return fmt.Errorf("gateway: config missing gateway")
	}
	if c.MQTT.Addr == "" {
		return fmt.Errorf("gateway: config missing mqtt.addr")
	}
	if (c.MQTT.CertFile == "") != (c.MQTT.KeyFile == "") {
		return fmt.Errorf("gateway: mqtt.cert_file and mqtt.key_file come together")
	}
	seen := make(map[string]struct{})
	for _, r := range c.Robots {
		if r.ID == "" || r.Addr == "" {
			return fmt.Errorf("gateway: robot entry needs id and addr")
		}
		key := r.Type + "/" + r.ID
		if _, dup := seen[key]; dup {
			return fmt.Errorf("gateway: duplicate device %s", key)
		}
		seen[key] = struct{}{}
	}
	for _, p := range c.PLCs {
		if p.ID == "" || p.Addr == "" {
			return fmt.Errorf("gateway: plc entry needs id and addr")
		}
		key := p.Type + "/" + p.ID
		if _, dup := seen[key]; dup {
			return fmt.Errorf("gateway: duplicate device %s", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

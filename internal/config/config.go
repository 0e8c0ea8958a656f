// Package config loads the static declarative configuration: the 15-node
// catalogue, Master listen addresses, auth parameters, cadences and the
// connection allow-list. Changes require a restart; there is no hot reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/gridworks/scada/internal/core"
)

type Config struct {
	Master    MasterConfig     `yaml:"master"`
	Auth      AuthConfig       `yaml:"auth"`
	Timing    TimingConfig     `yaml:"timing"`
	Historian HistorianConfig  `yaml:"historian"`
	Redis     RedisConfig      `yaml:"redis"`
	AllowList []AllowListEntry `yaml:"allow_list"`
	Nodes     []NodeEntry      `yaml:"nodes"`
}

type MasterConfig struct {
	HTTPPort   int    `yaml:"http_port"`
	WSPort     int    `yaml:"ws_port"`
	ListenHost string `yaml:"listen_host"`
	MasterIP   string `yaml:"master_ip"`
}

type AuthConfig struct {
	JWTSecret            string       `yaml:"jwt_secret"`
	TokenLifetimeMinutes int          `yaml:"token_lifetime_minutes"`
	Users                []UserConfig `yaml:"users"`
}

type UserConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
}

type TimingConfig struct {
	SamplingIntervalMs   int `yaml:"sampling_interval_ms"`
	AggregatorIntervalMs int `yaml:"aggregator_interval_ms"`
	HeartbeatIntervalMs  int `yaml:"heartbeat_interval_ms"`
	RingCapacity         int `yaml:"ring_capacity"`
}

type HistorianConfig struct {
	DSN             string `yaml:"dsn"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
	MaxBatchRows    int    `yaml:"max_batch_rows"`
	SpillCapacity   int    `yaml:"spill_capacity"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty disables the shared store
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AllowListEntry struct {
	ClientIP string `yaml:"client_ip"`
	Protocol string `yaml:"protocol"`
}

type NodeEntry struct {
	NodeID           string  `yaml:"node_id"`
	Kind             string  `yaml:"kind"`
	Location         string  `yaml:"location"`
	CapacityMW       float64 `yaml:"capacity_mw"`
	NominalVoltageKV float64 `yaml:"nominal_voltage_kv"`
	NodeIP           string  `yaml:"node_ip"`
	RESTPort         int     `yaml:"rest_port"`
	ControlPort      int     `yaml:"control_port"`
	ModbusPort       int     `yaml:"modbus_port"`
	IEC104Port       int     `yaml:"iec104_port"`
}

// Descriptor converts a catalogue entry to its runtime descriptor.
func (n NodeEntry) Descriptor() core.NodeDescriptor {
	return core.NodeDescriptor{
		NodeID:           n.NodeID,
		Kind:             core.NodeKind(n.Kind),
		Location:         n.Location,
		CapacityMW:       n.CapacityMW,
		NominalVoltageKV: n.NominalVoltageKV,
		NodeIP:           n.NodeIP,
		RESTPort:         n.RESTPort,
		ControlPort:      n.ControlPort,
		ModbusPort:       n.ModbusPort,
		IEC104Port:       n.IEC104Port,
	}
}

// Descriptors returns all catalogue entries as descriptors.
func (c *Config) Descriptors() []core.NodeDescriptor {
	out := make([]core.NodeDescriptor, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		out = append(out, n.Descriptor())
	}
	return out
}

func (c *Config) SamplingInterval() time.Duration {
	return time.Duration(c.Timing.SamplingIntervalMs) * time.Millisecond
}

func (c *Config) AggregatorInterval() time.Duration {
	return time.Duration(c.Timing.AggregatorIntervalMs) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Timing.HeartbeatIntervalMs) * time.Millisecond
}

func (c *Config) TokenLifetime() time.Duration {
	return time.Duration(c.Auth.TokenLifetimeMinutes) * time.Minute
}

// Load reads the YAML config file and applies environment overrides.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv lets the environment override listen ports and credentials.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SCADA_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Master.HTTPPort = p
		}
	}
	if v := os.Getenv("SCADA_WS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Master.WSPort = p
		}
	}
	if v := os.Getenv("SCADA_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("SCADA_HISTORIAN_DSN"); v != "" {
		c.Historian.DSN = v
	}
	if v := os.Getenv("SCADA_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
}

// Validate checks the catalogue for duplicates and missing fields.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must be set")
	}
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.NodeID == "" {
			return fmt.Errorf("node entry with empty node_id")
		}
		if seen[n.NodeID] {
			return fmt.Errorf("duplicate node_id %s", n.NodeID)
		}
		seen[n.NodeID] = true
		switch core.NodeKind(n.Kind) {
		case core.KindGeneration, core.KindSubstation, core.KindDistribution:
		default:
			return fmt.Errorf("node %s: unknown kind %q", n.NodeID, n.Kind)
		}
	}
	return nil
}

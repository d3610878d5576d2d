// Package config loads node settings from an optional YAML file with
// HAILMESH_* environment overrides on top. Durations are carried as whole
// seconds to keep both formats trivial.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hailmesh/internal/cell"
	"hailmesh/internal/lifecycle"
)

type Config struct {
	// Relays are the broadcast endpoints to fan out to. Order carries no
	// meaning; none of them is special.
	Relays []string `yaml:"relays"`

	DataDir       string `yaml:"data_dir"`
	CellPrecision int    `yaml:"cell_precision"`

	RecordTTLSec     int `yaml:"record_ttl_sec"`
	HeartbeatLeadSec int `yaml:"heartbeat_lead_sec"`
	MinViableSec     int `yaml:"min_viable_sec"`

	RelayListen string `yaml:"relay_listen"`
	RelayDB     string `yaml:"relay_db"`

	MetricsPath string `yaml:"metrics_path"`
}

func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:          filepath.Join(home, ".hailmesh"),
		CellPrecision:    cell.DefaultPrecision,
		RecordTTLSec:     int(lifecycle.DefaultTTL / time.Second),
		HeartbeatLeadSec: int(lifecycle.DefaultLead / time.Second),
		MinViableSec:     int(lifecycle.DefaultMinViable / time.Second),
		RelayListen:      "127.0.0.1:4478",
	}
}

// Load starts from defaults, overlays the YAML file when path names one,
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := envStr("HAILMESH_RELAYS"); ok {
		c.Relays = c.Relays[:0]
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				c.Relays = append(c.Relays, addr)
			}
		}
	}
	if v, ok := envStr("HAILMESH_DATA_DIR"); ok {
		c.DataDir = v
	}
	if v, ok := envInt("HAILMESH_CELL_PRECISION"); ok {
		c.CellPrecision = v
	}
	if v, ok := envInt("HAILMESH_TTL_SEC"); ok {
		c.RecordTTLSec = v
	}
	if v, ok := envInt("HAILMESH_LEAD_SEC"); ok {
		c.HeartbeatLeadSec = v
	}
	if v, ok := envInt("HAILMESH_MIN_VIABLE_SEC"); ok {
		c.MinViableSec = v
	}
	if v, ok := envStr("HAILMESH_RELAY_LISTEN"); ok {
		c.RelayListen = v
	}
	if v, ok := envStr("HAILMESH_RELAY_DB"); ok {
		c.RelayDB = v
	}
	if v, ok := envStr("HAILMESH_METRICS_PATH"); ok {
		c.MetricsPath = v
	}
}

func (c *Config) validate() error {
	if c.CellPrecision < 1 || c.CellPrecision > cell.MaxPrecision {
		return fmt.Errorf("cell_precision %d out of range 1..%d", c.CellPrecision, cell.MaxPrecision)
	}
	if c.RecordTTLSec <= 0 {
		return fmt.Errorf("record_ttl_sec must be positive")
	}
	if c.HeartbeatLeadSec <= 0 || c.HeartbeatLeadSec >= c.RecordTTLSec {
		return fmt.Errorf("heartbeat_lead_sec must be positive and below record_ttl_sec")
	}
	if c.MinViableSec <= 0 {
		return fmt.Errorf("min_viable_sec must be positive")
	}
	return nil
}

func (c Config) RecordTTL() time.Duration {
	return time.Duration(c.RecordTTLSec) * time.Second
}

func (c Config) HeartbeatLead() time.Duration {
	return time.Duration(c.HeartbeatLeadSec) * time.Second
}

func (c Config) MinViable() time.Duration {
	return time.Duration(c.MinViableSec) * time.Second
}

func envStr(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func envInt(key string) (int, bool) {
	v, ok := envStr(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

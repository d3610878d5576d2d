package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 5, cfg.CellPrecision)
	require.Equal(t, time.Minute, cfg.RecordTTL())
	require.Equal(t, 20*time.Second, cfg.HeartbeatLead())
	require.Equal(t, 15*time.Second, cfg.MinViable())
}

func TestYAMLOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
relays:
  - 198.51.100.10:4478
  - 198.51.100.11:4478
cell_precision: 6
record_ttl_sec: 120
heartbeat_lead_sec: 40
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"198.51.100.10:4478", "198.51.100.11:4478"}, cfg.Relays)
	require.Equal(t, 6, cfg.CellPrecision)
	require.Equal(t, 2*time.Minute, cfg.RecordTTL())
	require.Equal(t, 40*time.Second, cfg.HeartbeatLead())
	// Untouched fields keep their defaults.
	require.Equal(t, 15, cfg.MinViableSec)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cell_precision: 6\n"), 0600))
	t.Setenv("HAILMESH_CELL_PRECISION", "7")
	t.Setenv("HAILMESH_RELAYS", "203.0.113.1:4478, 203.0.113.2:4478")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.CellPrecision)
	require.Equal(t, []string{"203.0.113.1:4478", "203.0.113.2:4478"}, cfg.Relays)
}

func TestRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"HAILMESH_CELL_PRECISION": "13",
		"HAILMESH_TTL_SEC":        "-1",
		"HAILMESH_LEAD_SEC":       "9999",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load("")
			require.Error(t, err)
		})
	}
}

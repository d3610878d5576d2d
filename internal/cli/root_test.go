package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestKeygenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	first, err := execute(t, "--data-dir", dir, "keygen")
	require.NoError(t, err)
	require.Contains(t, first, "peer id:")
	require.FileExists(t, filepath.Join(dir, "sign.pub.hex"))
	require.FileExists(t, filepath.Join(dir, "exchange.pub.hex"))

	second, err := execute(t, "--data-dir", dir, "keygen")
	require.NoError(t, err)
	require.Equal(t, first, second, "keygen must not rotate existing keys")
}

func TestRequestNeedsRelays(t *testing.T) {
	_, err := execute(t, "--data-dir", t.TempDir(), "request", "--wait", "1s")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no relays configured")
}

func TestBadConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cell_precision: 99\n"), 0600))
	_, err := execute(t, "--config", path, "keygen")
	require.Error(t, err)
}

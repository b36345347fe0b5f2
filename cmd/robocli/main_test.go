package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/and161185/robosync/internal/config"
	"github.com/and161185/robosync/internal/workspace"
)

// run executes robocli against a private config and data directory.
func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.RunContext(context.Background(), append([]string{"robocli", "--config", cfgPath}, args...))
	return out.String(), err
}

func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, config.Write(path, cfg))
	return path
}

func TestSecretInitExport(t *testing.T) {
	t.Parallel()
	path := setup(t)

	out, err := run(t, path, "secret", "init")
	require.NoError(t, err)
	key := strings.TrimSpace(out)
	require.True(t, strings.HasPrefix(key, "robo1"), key)

	out, err = run(t, path, "secret", "export")
	require.NoError(t, err)
	require.Equal(t, key, strings.TrimSpace(out))

	_, err = run(t, path, "secret", "init")
	require.ErrorContains(t, err, "already stored")

	sealed, err := run(t, path, "secret", "export", "--export-passphrase", "pw")
	require.NoError(t, err)
	require.NotContains(t, sealed, key)
}

func TestRobotListEmpty(t *testing.T) {
	t.Parallel()
	path := setup(t)
	out, err := run(t, path, "robot", "list")
	require.NoError(t, err)
	require.Contains(t, out, "NICKNAME")
}

func TestGuards(t *testing.T) {
	t.Parallel()
	path := setup(t)

	_, err := run(t, path, "robot", "wipe")
	require.ErrorContains(t, err, "--yes")

	_, err = run(t, path, "order", "action", "explode")
	require.ErrorContains(t, err, "unknown order action")

	_, err = run(t, path, "order", "action", "take")
	require.ErrorContains(t, err, "unknown order action")

	_, err = run(t, path, "order", "take", "satstralia")
	require.Error(t, err)

	_, err = run(t, path, "db", "version")
	require.ErrorContains(t, err, "no dsn")

	_, err = run(t, path, "config", "init")
	require.ErrorContains(t, err, "--force")
}

func TestWorkspaceRoundTrip(t *testing.T) {
	t.Parallel()
	path := setup(t)
	file := filepath.Join(filepath.Dir(path), "ws.json")

	_, err := run(t, path, "workspace", "export", file)
	require.NoError(t, err)

	// import into a testnet config and expect the exported network back
	_, err = run(t, path, "--network", "testnet", "workspace", "import", file)
	require.NoError(t, err)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, config.Default().Network, cfg.Network)

	out, err := run(t, path, "workspace", "export")
	require.NoError(t, err)
	doc, err := workspace.Decode(strings.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, workspace.Version, doc.Version)
}

func TestConfigShowOverrides(t *testing.T) {
	t.Parallel()
	path := setup(t)
	out, err := run(t, path, "--transport", "onion", "config", "show")
	require.NoError(t, err)
	require.Contains(t, out, `"Transport": "onion"`)

	_, err = run(t, path, "--network", "regtest", "config", "show")
	require.Error(t, err)
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockcache/dmcache/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoad_NoFilesReturnsDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, sources, err := config.Load(dir, "", nil)
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
	require.Empty(t, sources.Global)
	require.Empty(t, sources.Project)
}

func TestLoad_ProjectFileOverridesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.ConfigFileName), `{
		// trailing comments and commas are JSONC, same as the teacher's .tk.json
		"data_block_size": 32,
		"policy_stack": "arc",
	}`)

	cfg, sources, err := config.Load(dir, "", nil)
	require.NoError(t, err)
	require.Equal(t, uint64(32), cfg.DataBlockSize)
	require.Equal(t, "arc", cfg.PolicyStack)
	require.Equal(t, config.DefaultMigrationThreshold, cfg.MigrationThreshold)
	require.Equal(t, filepath.Join(dir, config.ConfigFileName), sources.Project)
}

func TestLoad_ExplicitConfigPathMustExist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, _, err := config.Load(dir, "missing.json", nil)
	require.ErrorIs(t, err, config.ErrConfigFileNotFound)
}

func TestLoad_GlobalThenProjectPrecedence(t *testing.T) {
	t.Parallel()

	xdg := t.TempDir()
	writeFile(t, filepath.Join(xdg, "dmcache", "config.json"), `{"data_block_size": 16, "policy_stack": "mq"}`)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.ConfigFileName), `{"policy_stack": "writeback"}`)

	env := []string{"XDG_CONFIG_HOME=" + xdg}
	cfg, sources, err := config.Load(dir, "", env)
	require.NoError(t, err)
	require.Equal(t, uint64(16), cfg.DataBlockSize) // only set globally, survives project override
	require.Equal(t, "writeback", cfg.PolicyStack)  // project wins over global
	require.Equal(t, filepath.Join(xdg, "dmcache", "config.json"), sources.Global)
}

func TestLoad_DataBlockSizeMustBePowerOfTwo(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.ConfigFileName), `{"data_block_size": 12}`)

	_, _, err := config.Load(dir, "", nil)
	require.ErrorIs(t, err, config.ErrDataBlockSizeNotPow2)
}

func TestLoad_InvalidJSONCIsRejected(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.ConfigFileName), `{not json at all`)

	_, _, err := config.Load(dir, "", nil)
	require.ErrorIs(t, err, config.ErrConfigInvalid)
}

func TestFormat_RoundTripsThroughJSON(t *testing.T) {
	t.Parallel()

	out, err := config.Format(config.Default())
	require.NoError(t, err)
	require.Contains(t, out, `"data_block_size": 8`)
	require.Contains(t, out, `"policy_stack": "mq+writeback"`)
}

func TestCheckpointMarker_RoundTrip(t *testing.T) {
	t.Parallel()

	path := config.MarkerPath(filepath.Join(t.TempDir(), "meta.bin"))

	_, ok, err := config.LoadCheckpointMarker(path)
	require.NoError(t, err)
	require.False(t, ok)

	marker := config.CheckpointMarker{MsgType: "checkpoint", Reply: "3"}
	require.NoError(t, config.SaveCheckpointMarker(path, marker))

	got, ok, err := config.LoadCheckpointMarker(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, marker, got)
}

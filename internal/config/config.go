// Package config loads the ambient JSONC tunables file SPEC_FULL.md's
// cmd/dmcache-tool section describes: default data_block_size (in
// sectors), migration_threshold, and the policy name/stack string the
// constructor falls back to when the CLI caller doesn't override them.
//
// Grounded directly on the teacher's root config.go: the same
// default/global/project/CLI precedence merge, the same hujson-backed
// JSONC-to-JSON standardization, and the same explicit-empty-field
// detection so a config file can deliberately blank out a default
// rather than silently inheriting it.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

// ConfigFileName is the default config file name, mirroring the
// teacher's per-project ".tk.json" convention for this tool instead.
const ConfigFileName = ".dmcache.json"

// DefaultDataBlockSize is spec.md §6's minimum constructor block size
// (8 sectors = 4 KiB at 512-byte sectors).
const DefaultDataBlockSize = 8

// DefaultMigrationThreshold mirrors dm-cache's kernel default.
const DefaultMigrationThreshold = 2048

// DefaultPolicyStack is the canonical name of the default policy
// chain a bare constructor invocation falls back to.
const DefaultPolicyStack = "mq+writeback"

// Sentinel errors returned by Load; ErrConfigFileNotFound/
// ErrConfigFileRead/ErrConfigInvalid cover file-loading failures,
// the rest cover validation failures against the parsed tunables.
var (
	ErrConfigFileNotFound    = errors.New("config: file not found")
	ErrConfigFileRead        = errors.New("config: cannot read file")
	ErrConfigInvalid         = errors.New("config: invalid file")
	ErrDataBlockSizeEmpty    = errors.New("config: data_block_size cannot be zero")
	ErrDataBlockSizeNotPow2  = errors.New("config: data_block_size must be a power of two and at least 8 sectors")
	ErrMigrationThresholdNeg = errors.New("config: migration_threshold cannot be negative")
)

// Config holds the tunables dmcache-tool reads out of a JSONC file and
// merges with CLI overrides before constructing a cache.
type Config struct {
	DataBlockSize      uint64 `json:"data_block_size,omitempty"`
	MigrationThreshold int    `json:"migration_threshold,omitempty"`
	PolicyStack        string `json:"policy_stack,omitempty"`
}

// Sources tracks which config files were loaded, for a status/debug
// command to report back to the operator.
type Sources struct {
	Global  string
	Project string
}

// Default returns the tunables a bare constructor invocation uses.
func Default() Config {
	return Config{
		DataBlockSize:      DefaultDataBlockSize,
		MigrationThreshold: DefaultMigrationThreshold,
		PolicyStack:        DefaultPolicyStack,
	}
}

func globalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "dmcache", "config.json")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "dmcache", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "dmcache", "config.json")
	}

	return ""
}

// Load resolves tunables with the following precedence (highest
// wins): built-in defaults, global user config, project config file
// (or an explicit path), then CLI overrides the caller applies itself
// after Load returns.
func Load(workDir, configPath string, env []string) (Config, Sources, error) {
	cfg := Default()

	var sources Sources

	globalCfg, globalPath, err := loadGlobalConfig(env)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Global = globalPath
	cfg = merge(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Project = projectPath
	cfg = merge(cfg, projectCfg)

	if err := validate(cfg); err != nil {
		return Config{}, Sources{}, err
	}

	return cfg, sources, nil
}

func loadGlobalConfig(env []string) (Config, string, error) {
	path := globalConfigPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var (
		cfgFile   string
		mustExist bool
	)

	if configPath != "" {
		cfgFile = configPath
		if !filepath.IsAbs(cfgFile) {
			cfgFile = filepath.Join(workDir, cfgFile)
		}

		mustExist = true

		if _, err := os.Stat(cfgFile); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}
	} else {
		cfgFile = filepath.Join(workDir, ConfigFileName)
	}

	cfg, loaded, err := loadConfigFile(cfgFile, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, cfgFile, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled, same as the teacher's config loader
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		if mustExist {
			return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
		}

		return Config{}, false, nil
	}

	cfg, err := parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.DataBlockSize != 0 {
		base.DataBlockSize = overlay.DataBlockSize
	}

	if overlay.MigrationThreshold != 0 {
		base.MigrationThreshold = overlay.MigrationThreshold
	}

	if overlay.PolicyStack != "" {
		base.PolicyStack = overlay.PolicyStack
	}

	return base
}

// Validate re-checks cfg against the same rules Load applies, for
// callers that merge in further overrides (e.g. CLI flags) after Load
// returns and need to confirm the result is still sane.
func Validate(cfg Config) error {
	return validate(cfg)
}

func validate(cfg Config) error {
	if cfg.DataBlockSize == 0 {
		return ErrDataBlockSizeEmpty
	}

	// spec.md §6: "block_size must be a power of two and >= 8 sectors".
	if cfg.DataBlockSize < 8 || cfg.DataBlockSize&(cfg.DataBlockSize-1) != 0 {
		return fmt.Errorf("%w: got %d", ErrDataBlockSizeNotPow2, cfg.DataBlockSize)
	}

	if cfg.MigrationThreshold < 0 {
		return ErrMigrationThresholdNeg
	}

	return nil
}

// Format renders cfg as indented JSON, for a status/debug command.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("config: format: %w", err)
	}

	return string(data), nil
}

// CheckpointMarker is the sidecar file cmd/dmcache-tool writes next to
// a metadata device after an era `checkpoint` or `take_metadata_snap`
// message, recording the id the message reported. It is a debug aid
// only, read by nothing in this repo's metadata path; the era target's
// own on-disk superblock fields remain the source of truth.
type CheckpointMarker struct {
	MsgType string `json:"msg_type"`
	Reply   string `json:"reply"`
}

// MarkerPath returns the sidecar path for a given metadata device path.
func MarkerPath(metaDev string) string {
	return metaDev + ".dmcache-checkpoint"
}

// SaveCheckpointMarker durably writes marker to path, replacing any
// earlier marker in one atomic rename so a reader never observes a
// half-written file, the same durable-write guarantee the teacher's
// root-level cache writers get from natefinch/atomic.
func SaveCheckpointMarker(path string, marker CheckpointMarker) error {
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal checkpoint marker: %w", err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("config: write checkpoint marker %s: %w", path, err)
	}

	return nil
}

// LoadCheckpointMarker reads back a marker previously written by
// SaveCheckpointMarker, returning ok=false if none exists yet.
func LoadCheckpointMarker(path string) (CheckpointMarker, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled, mirrors loadConfigFile above
	if err != nil {
		if os.IsNotExist(err) {
			return CheckpointMarker{}, false, nil
		}

		return CheckpointMarker{}, false, fmt.Errorf("config: read checkpoint marker %s: %w", path, err)
	}

	var marker CheckpointMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return CheckpointMarker{}, false, fmt.Errorf("config: parse checkpoint marker %s: %w", path, err)
	}

	return marker, true, nil
}

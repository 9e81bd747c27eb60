package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func devicePaths(t *testing.T) (cached, data, meta string) {
	t.Helper()

	dir := t.TempDir()

	return filepath.Join(dir, "cached"),
		filepath.Join(dir, "data"),
		filepath.Join(dir, "meta")
}

func run(t *testing.T, args ...string) (stdout, stderr string, code int) {
	t.Helper()

	var out, errOut bytes.Buffer

	full := append([]string{"dmcache-tool"}, args...)
	code = Run(nil, &out, &errOut, full, nil)

	return out.String(), errOut.String(), code
}

func TestCreate_InitializesFreshMetadataDevice(t *testing.T) {
	t.Parallel()

	cached, data, meta := devicePaths(t)

	out, errOut, code := run(t, "create", cached, data, meta, "8")
	require.Equal(t, 0, code, "stderr: %s", errOut)
	require.Contains(t, out, "created:")
}

func TestCreate_RejectsNonPowerOfTwoBlockSize(t *testing.T) {
	t.Parallel()

	cached, data, meta := devicePaths(t)

	_, errOut, code := run(t, "create", cached, data, meta, "5")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "power of two")
}

func TestStatus_ReportsZeroUsageOnFreshDevice(t *testing.T) {
	t.Parallel()

	cached, data, meta := devicePaths(t)

	out, errOut, code := run(t, "status", cached, data, meta, "8")
	require.Equal(t, 0, code, "stderr: %s", errOut)
	require.Equal(t, "65536 0 0", strings.TrimSpace(out))
}

func TestMessage_CheckpointReturnsClosedEraID(t *testing.T) {
	t.Parallel()

	cached, data, meta := devicePaths(t)

	out, errOut, code := run(t, "message", cached, data, meta, "8", "checkpoint")
	require.Equal(t, 0, code, "stderr: %s", errOut)
	require.Equal(t, "1", strings.TrimSpace(out))
}

func TestMessage_TakeAndDropMetadataSnap(t *testing.T) {
	t.Parallel()

	cached, data, meta := devicePaths(t)

	snapOut, errOut, code := run(t, "message", cached, data, meta, "8", "take_metadata_snap")
	require.Equal(t, 0, code, "stderr: %s", errOut)

	id := strings.TrimSpace(snapOut)
	require.NotEmpty(t, id)

	_, errOut, code = run(t, "message", cached, data, meta, "8", "drop_metadata_snap", id)
	require.Equal(t, 0, code, "stderr: %s", errOut)
}

func TestMessage_UnknownMessageFails(t *testing.T) {
	t.Parallel()

	cached, data, meta := devicePaths(t)

	_, errOut, code := run(t, "message", cached, data, meta, "8", "bogus")
	require.Equal(t, 1, code)
	require.NotEmpty(t, errOut)
}

func TestDump_EmptyCacheProducesNoRows(t *testing.T) {
	t.Parallel()

	cached, data, meta := devicePaths(t)

	out, errOut, code := run(t, "dump", cached, data, meta, "8")
	require.Equal(t, 0, code, "stderr: %s", errOut)
	require.Empty(t, strings.TrimSpace(out))
}

func TestDump_YAMLFormatIsAcceptedAndEmpty(t *testing.T) {
	t.Parallel()

	cached, data, meta := devicePaths(t)

	out, errOut, code := run(t, "dump", "--format=yaml", cached, data, meta, "8")
	require.Equal(t, 0, code, "stderr: %s", errOut)
	require.Equal(t, "[]\n", out)
}

func TestDump_RejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	cached, data, meta := devicePaths(t)

	_, errOut, code := run(t, "dump", "--format=xml", cached, data, meta, "8")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "unknown --format")
}

func TestRun_NoArgsPrintsHelp(t *testing.T) {
	t.Parallel()

	_, errOut, code := run(t)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "Usage:")
}

func TestRun_UnknownCommandFails(t *testing.T) {
	t.Parallel()

	_, errOut, code := run(t, "bogus")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "unknown command")
}

func TestCreate_WrongArgCountFails(t *testing.T) {
	t.Parallel()

	cached, data, meta := devicePaths(t)

	_, errOut, code := run(t, "create", cached, data, meta)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "data_block_size_sectors")
}

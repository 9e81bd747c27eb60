package main

import (
	"fmt"
	"os"

	"github.com/blockcache/dmcache/internal/blockio"
	"github.com/blockcache/dmcache/internal/config"
	"github.com/blockcache/dmcache/pkg/cachecore"
	"github.com/blockcache/dmcache/pkg/era"
	"github.com/blockcache/dmcache/pkg/hsm"
	"github.com/blockcache/dmcache/pkg/policy"
	"github.com/blockcache/dmcache/pkg/policy/arc"
	"github.com/blockcache/dmcache/pkg/policy/mq"
	"github.com/blockcache/dmcache/pkg/policy/writeback"
	"github.com/blockcache/dmcache/pkg/types"
)

// metadataBlockSize is the fixed on-disk metadata block size (bytes);
// spec.md §6's superblock layout records it in sectors, derived from
// this at create time the same way pkg/hsm.create does.
const metadataBlockSize = 4096

// defaultMetadataBlocks sizes a brand-new metadata device (16 MiB) when
// the file does not already exist.
const defaultMetadataBlocks = 4096

// defaultDataBlocks sizes a brand-new data device (in origin blocks)
// when the file does not already exist.
const defaultDataBlocks = 65536

// noopCopier stands in for spec.md §1's external copy-engine
// collaborator (out of scope here): every job is reported done
// immediately, since this CLI drives the metadata/policy core for
// manual inspection rather than moving real bytes between devices.
type noopCopier struct{}

func (noopCopier) Copy(_ cachecore.CopyJob, done func(error)) { done(nil) }

// session bundles one opened cache instance's collaborators: the HSM
// metadata handle, the chosen policy, the era target, and the
// cachecore engine driving them, the way a running dm-cache target
// bundles its constructor's arguments for the lifetime of the device.
type session struct {
	cachedDev string
	dataDev   string
	metaDev   string

	cfg config.Config

	hsm       *hsm.Handle
	metaCache *blockio.Real
	pol       policy.Policy
	era       *era.Target
	engine    *cachecore.Engine
}

// openSession implements spec.md §6's cache-target constructor:
// "<cached_dev> <data_dev> <meta_dev> <data_block_size_sectors>",
// opening (or creating) the metadata device and wiring the named
// policy and era target around it.
func openSession(cachedDev, dataDev, metaDev string, blockSizeSectors uint64, cfg config.Config) (*session, error) {
	cfg.DataBlockSize = blockSizeSectors
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	metaBlocks, err := sizeInBlocks(metaDev, metadataBlockSize, defaultMetadataBlocks)
	if err != nil {
		return nil, fmt.Errorf("dmcache-tool: size meta device: %w", err)
	}

	metaCache, err := blockio.OpenReal(metaDev, metadataBlockSize, metaBlocks)
	if err != nil {
		return nil, fmt.Errorf("dmcache-tool: open meta device: %w", err)
	}

	bytesPerBlock := blockSizeSectors * 512

	dataBlocks, err := sizeInBlocks(dataDev, int(bytesPerBlock), defaultDataBlocks)
	if err != nil {
		_ = metaCache.Close()

		return nil, fmt.Errorf("dmcache-tool: size data device: %w", err)
	}

	h, err := hsm.Open(metaDev, metaCache, blockSizeSectors, dataBlocks)
	if err != nil {
		_ = metaCache.Close()

		return nil, fmt.Errorf("dmcache-tool: open metadata: %w", err)
	}

	cacheSize := int(dataBlocks)
	if cacheSize <= 0 {
		cacheSize = defaultDataBlocks
	}

	pol := buildPolicy(cfg.PolicyStack, cacheSize)
	eraTarget := era.NewTarget(h, dataBlocks)

	engine := cachecore.New(cachecore.Config{
		Dev:                types.DevId(1),
		HSM:                h,
		Policy:             pol,
		Copier:             noopCopier{},
		Era:                eraTarget,
		CacheSize:          cacheSize,
		MigrationThreshold: cfg.MigrationThreshold,
	})

	return &session{
		cachedDev: cachedDev,
		dataDev:   dataDev,
		metaDev:   metaDev,
		cfg:       cfg,
		hsm:       h,
		metaCache: metaCache,
		pol:       pol,
		era:       eraTarget,
		engine:    engine,
	}, nil
}

// Close releases the HSM handle's refcount and closes the session's
// metadata device, releasing its flock so a later invocation against
// the same file can reopen it.
func (s *session) Close() error {
	err := s.hsm.Close()

	if closeErr := s.metaCache.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	return err
}

// buildPolicy resolves the configured policy-stack string to a
// terminal policy. A full shim-chain composition via pkg/policy/stack
// is not wired up to this string form yet (no CLI surface exists for
// per-segment hint providers); only the stack's trailing segment name
// selects the terminal policy, which matches every name spec.md names
// (mq, arc, writeback) for an unshimmed cache.
func buildPolicy(stackName string, cacheSize int) policy.Policy {
	name := stackName

	for i := len(stackName) - 1; i >= 0; i-- {
		if stackName[i] == '+' {
			name = stackName[i+1:]
			break
		}
	}

	switch name {
	case "arc":
		return arc.New(cacheSize)
	case "writeback":
		return writeback.New(cacheSize)
	default:
		return mq.New(cacheSize, cacheSize, 10000)
	}
}

// sizeInBlocks stats path for its size in blockSize-byte blocks,
// falling back to fallback blocks when the file does not yet exist
// (a brand-new device, not yet written to by any constructor).
func sizeInBlocks(path string, blockSize int, fallback int) (types.BlockId, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.BlockId(fallback), nil
		}

		return 0, err
	}

	if blockSize <= 0 {
		return types.BlockId(fallback), nil
	}

	blocks := info.Size() / int64(blockSize)
	if blocks <= 0 {
		return types.BlockId(fallback), nil
	}

	return types.BlockId(blocks), nil
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asch/ecstore/internal/ecstore/backend"
	"github.com/asch/ecstore/internal/ecstore/storeproxy"
)

// How often the writers and the reader check for cancellation. In blocks.
const cancelCheckInterval = 4096

type metadataSetter interface {
	SetFileMetadata(path string, metadata backend.FileMetadata) error
}

// One benchmark configuration. Block i is written to position i % totalSize
// with value i, so every position gets the same share of blocks.
type bench struct {
	store     storeproxy.BlockStore
	metadata  metadataSetter
	totalSize int
	blocks    int
	writers   int

	// Read back and compare every block. Pointless for the null backend.
	verify bool
}

// Writes all blocks, flushes, records the run as a file and reads all blocks
// back. Caches are cleared at the end so the next run starts cold.
func (b *bench) run(ctx context.Context, run int) error {
	start := time.Now()

	keys, err := b.write(ctx)
	if err != nil {
		return err
	}

	if err := b.store.FlushAll(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	writeTime := time.Since(start)

	err = b.metadata.SetFileMetadata(fmt.Sprintf("/bench/run-%d", run), backend.FileMetadata{
		Size:      int64(b.blocks) * 4,
		BlockKeys: keys,
	})
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}

	start = time.Now()
	if b.verify {
		if err := b.read(ctx, keys); err != nil {
			return err
		}
	}
	readTime := time.Since(start)

	b.store.ClearCaches()

	log.Info().
		Int("run", run).
		Int("blocks", b.blocks).
		Dur("write", writeTime).
		Dur("read", readTime).
		Float64("writeBlocksPerSec", float64(b.blocks)/writeTime.Seconds()).
		Msg("Benchmark run finished.")

	return nil
}

// Each writer owns the positions p with p % writers == writer, hence there is
// a single writer per position.
func (b *bench) write(ctx context.Context) ([]int64, error) {
	keys := make([]int64, b.blocks)
	g, ctx := errgroup.WithContext(ctx)

	for w := 0; w < b.writers; w++ {
		w := w
		g.Go(func() error {
			written := 0
			for i := 0; i < b.blocks; i++ {
				position := i % b.totalSize
				if position%b.writers != w {
					continue
				}

				// Per writer count, not the block index.
				if written%cancelCheckInterval == 0 && ctx.Err() != nil {
					return ctx.Err()
				}
				written++

				k, err := b.store.StoreBlock(int32(i), position)
				if err != nil {
					return fmt.Errorf("store block %d: %w", i, err)
				}
				keys[i] = k
			}
			return nil
		})
	}

	return keys, g.Wait()
}

func (b *bench) read(ctx context.Context, keys []int64) error {
	for i, k := range keys {
		if i%cancelCheckInterval == 0 && ctx.Err() != nil {
			return ctx.Err()
		}

		available, err := b.store.IsBlockAvailable(k)
		if err != nil {
			return fmt.Errorf("availability of block %d: %w", k, err)
		}
		if !available {
			return fmt.Errorf("block %d not available", k)
		}

		v, ok, err := b.store.RetrieveBlock(k)
		if err != nil {
			return fmt.Errorf("retrieve block %d: %w", k, err)
		}
		if !ok || v != int32(i) {
			return fmt.Errorf("block %d: got %d (found %v), want %d", k, v, ok, i)
		}
	}

	return nil
}

//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/accelkit/parprim/internal/config"
	"github.com/accelkit/parprim/internal/logger"
	"github.com/accelkit/parprim/pkg/compute"
	"github.com/accelkit/parprim/pkg/radix"
)

// newDevice opens the virtual device from the config and closes it when
// the app stops.
func newDevice(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*compute.Device, error) {
	opts := []compute.Option{
		compute.WithName(cfg.Device.Name),
		compute.WithWarpSize(cfg.Device.WarpSize),
		compute.WithBlocksPerCore(cfg.Device.BlocksPerCore),
		compute.WithSharedMemPerBlock(cfg.Device.SharedMemPerBlock),
		compute.WithLogger(log),
	}
	if cfg.Device.MaxResidentBlocks > 0 {
		opts = append(opts, compute.WithMaxResidentBlocks(cfg.Device.MaxResidentBlocks))
	}
	dev, err := compute.Open(opts...)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return dev.Close()
		},
	})
	return dev, nil
}

func newCompiler(dev *compute.Device, log *zap.Logger) *compute.Compiler {
	return compute.NewCompiler(dev, log)
}

// newSorter configures the radix sorter from the config. It stops
// before the device does; fx runs OnStop hooks in reverse order.
func newSorter(lc fx.Lifecycle, dev *compute.Device, comp *compute.Compiler, cfg *config.Config, log *zap.Logger) (*radix.Sorter, error) {
	algo, err := radix.ParseScanAlgo(cfg.Sort.ScanAlgorithm)
	if err != nil {
		return nil, err
	}
	sorter, err := radix.New(dev, comp, nil,
		radix.WithLogger(log),
		radix.WithTuning(radix.Tuning{
			CountBlockSize:      cfg.Sort.CountBlockSize,
			ScanBlockSize:       cfg.Sort.ScanBlockSize,
			SortBlockSize:       cfg.Sort.SortBlockSize,
			SinglePassThreshold: cfg.Sort.SinglePassThreshold,
			MaxKeys:             cfg.Sort.MaxKeys,
			ScanAlgo:            algo,
		}),
	)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			if err := dev.DefaultStream().Sync(); err != nil {
				return err
			}
			return sorter.Close()
		},
	})
	return sorter, nil
}

func TestSortPipeline_EndToEnd(t *testing.T) {
	var dev *compute.Device
	var sorter *radix.Sorter

	app := fxtest.New(t,
		fx.Provide(
			func() *config.Config {
				cfg := config.DefaultConfig()
				cfg.Logger.Verbosity = "debug"
				cfg.Device.MaxResidentBlocks = 16
				cfg.Sort.SinglePassThreshold = 4096
				cfg.Sort.MaxKeys = 1 << 20
				return cfg
			},
			func(cfg *config.Config) (*zap.Logger, error) {
				return logger.New(cfg.Logger.Verbosity)
			},
			newDevice,
			newCompiler,
			newSorter,
		),
		fx.Populate(&dev, &sorter),
	)

	app.RequireStart()
	defer app.RequireStop()

	testCases := []struct {
		name     string
		n        int
		startBit int
		endBit   int
		keyRange uint32
	}{
		{
			// Under the threshold, exercising the fused kernels.
			name:     "single pass path",
			n:        1000,
			startBit: 0,
			endBit:   32,
			keyRange: 0,
		},
		{
			// Over the threshold, exercising count, scan and scatter.
			name:     "multi pass path",
			n:        100000,
			startBit: 0,
			endBit:   32,
			keyRange: 0,
		},
		{
			name:     "narrow unaligned window",
			n:        20000,
			startBit: 6,
			endBit:   21,
			keyRange: 0,
		},
		{
			// Heavy duplicates make stability observable.
			name:     "duplicate heavy keys",
			n:        50000,
			startBit: 0,
			endBit:   32,
			keyRange: 64,
		},
		{
			name:     "single key",
			n:        1,
			startBit: 0,
			endBit:   32,
			keyRange: 0,
		},
	}

	rng := rand.New(rand.NewSource(7))
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			keys := make([]uint32, tc.n)
			vals := make([]uint32, tc.n)
			for i := range keys {
				k := rng.Uint32()
				if tc.keyRange > 0 {
					k %= tc.keyRange
				}
				keys[i] = k
				vals[i] = uint32(i)
			}

			srcKeys, err := compute.NewBuffer[uint32](dev, tc.n)
			require.NoError(t, err)
			defer srcKeys.Release()
			srcVals, err := compute.NewBuffer[uint32](dev, tc.n)
			require.NoError(t, err)
			defer srcVals.Release()
			dstKeys, err := compute.NewBuffer[uint32](dev, tc.n)
			require.NoError(t, err)
			defer dstKeys.Release()
			dstVals, err := compute.NewBuffer[uint32](dev, tc.n)
			require.NoError(t, err)
			defer dstVals.Release()

			require.NoError(t, srcKeys.Upload(nil, keys))
			require.NoError(t, srcVals.Upload(nil, vals))

			src := radix.KeyValue{Keys: srcKeys, Values: srcVals}
			dst := radix.KeyValue{Keys: dstKeys, Values: dstVals}
			require.NoError(t, sorter.SortPairs(src, dst, tc.n, tc.startBit, tc.endBit, nil))
			require.NoError(t, dev.DefaultStream().Sync())

			gotKeys := make([]uint32, tc.n)
			gotVals := make([]uint32, tc.n)
			require.NoError(t, dstKeys.Download(nil, gotKeys))
			require.NoError(t, dstVals.Download(nil, gotVals))

			wantKeys, wantVals := stableSortPairs(keys, vals, tc.startBit, tc.endBit)
			assert.Equal(t, wantKeys, gotKeys)
			assert.Equal(t, wantVals, gotVals)
		})
	}
}

func TestSortPipeline_InvalidArguments(t *testing.T) {
	var dev *compute.Device
	var sorter *radix.Sorter

	app := fxtest.New(t,
		fx.Provide(
			func() *config.Config {
				cfg := config.DefaultConfig()
				cfg.Device.MaxResidentBlocks = 8
				cfg.Sort.MaxKeys = 1 << 16
				return cfg
			},
			func(cfg *config.Config) (*zap.Logger, error) {
				return logger.New(cfg.Logger.Verbosity)
			},
			newDevice,
			newCompiler,
			newSorter,
		),
		fx.Populate(&dev, &sorter),
	)

	app.RequireStart()
	defer app.RequireStop()

	src, err := compute.NewBuffer[uint32](dev, 16)
	require.NoError(t, err)
	defer src.Release()
	dst, err := compute.NewBuffer[uint32](dev, 16)
	require.NoError(t, err)
	defer dst.Release()

	testCases := []struct {
		name     string
		n        int
		startBit int
		endBit   int
	}{
		{"empty window", 16, 8, 8},
		{"inverted window", 16, 20, 4},
		{"negative start", 16, -1, 8},
		{"end past key width", 16, 0, 33},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := sorter.SortKeys(src, dst, tc.n, tc.startBit, tc.endBit, nil)
			assert.ErrorIs(t, err, radix.ErrInvalidBitRange)
		})
	}

	t.Run("count beyond buffers", func(t *testing.T) {
		assert.Error(t, sorter.SortKeys(src, dst, 17, 0, 32, nil))
	})
}

func BenchmarkSortPipeline(b *testing.B) {
	sizes := []int{1 << 12, 1 << 16, 1 << 20}

	log := zap.NewNop()
	dev, err := compute.Open(compute.WithLogger(log))
	if err != nil {
		b.Fatal(err)
	}
	defer dev.Close()
	sorter, err := radix.New(dev, compute.NewCompiler(dev, log), nil, radix.WithLogger(log))
	if err != nil {
		b.Fatal(err)
	}
	defer sorter.Close()

	for _, size := range sizes {
		b.Run(fmt.Sprintf("size_%d", size), func(b *testing.B) {
			rng := rand.New(rand.NewSource(int64(size)))
			keys := make([]uint32, size)
			for i := range keys {
				keys[i] = rng.Uint32()
			}
			src, err := compute.NewBuffer[uint32](dev, size)
			if err != nil {
				b.Fatal(err)
			}
			defer src.Release()
			dst, err := compute.NewBuffer[uint32](dev, size)
			if err != nil {
				b.Fatal(err)
			}
			defer dst.Release()
			if err := src.Upload(nil, keys); err != nil {
				b.Fatal(err)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := sorter.SortKeys(src, dst, size, 0, 32, nil); err != nil {
					b.Fatal(err)
				}
				if err := dev.DefaultStream().Sync(); err != nil {
					b.Fatal(err)
				}
			}

			keysPerSec := float64(size) * float64(b.N) / b.Elapsed().Seconds()
			b.ReportMetric(keysPerSec/1e6, "Mkeys/s")
		})
	}
}

func TestSortPipeline_ScanAlgorithms(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping scan algorithm comparison in short mode")
	}

	log := zap.NewNop()
	const n = 200000

	rng := rand.New(rand.NewSource(42))
	keys := make([]uint32, n)
	for i := range keys {
		keys[i] = rng.Uint32()
	}
	wantKeys, _ := stableSortPairs(keys, nil, 0, 32)

	for _, algo := range []radix.ScanAlgo{radix.ScanHost, radix.ScanSingleWG, radix.ScanParallel} {
		t.Run(algo.String(), func(t *testing.T) {
			dev, err := compute.Open(
				compute.WithMaxResidentBlocks(16),
				compute.WithLogger(log),
			)
			require.NoError(t, err)
			defer dev.Close()

			sorter, err := radix.New(dev, compute.NewCompiler(dev, log), nil,
				radix.WithLogger(log),
				radix.WithTuning(radix.Tuning{
					MaxKeys:  n,
					ScanAlgo: algo,
				}),
			)
			require.NoError(t, err)
			defer sorter.Close()

			src, err := compute.NewBuffer[uint32](dev, n)
			require.NoError(t, err)
			defer src.Release()
			dst, err := compute.NewBuffer[uint32](dev, n)
			require.NoError(t, err)
			defer dst.Release()
			require.NoError(t, src.Upload(nil, keys))

			start := time.Now()
			require.NoError(t, sorter.SortKeys(src, dst, n, 0, 32, nil))
			require.NoError(t, dev.DefaultStream().Sync())
			took := time.Since(start)

			got := make([]uint32, n)
			require.NoError(t, dst.Download(nil, got))
			assert.Equal(t, wantKeys, got)

			t.Logf("scan=%s: %d keys in %v, %.2f Mkeys/s",
				algo, n, took, float64(n)/took.Seconds()/1e6)
		})
	}
}

// stableSortPairs is the host reference: a stable sort of the pairs by
// the masked bit window of the key.
func stableSortPairs(keys, vals []uint32, startBit, endBit int) ([]uint32, []uint32) {
	type pair struct{ k, v uint32 }
	pairs := make([]pair, len(keys))
	for i := range keys {
		p := pair{k: keys[i]}
		if vals != nil {
			p.v = vals[i]
		}
		pairs[i] = p
	}
	width := uint(endBit - startBit)
	mask := uint32(1)<<width - 1
	window := func(k uint32) uint32 { return (k >> uint(startBit)) & mask }
	sort.SliceStable(pairs, func(i, j int) bool {
		return window(pairs[i].k) < window(pairs[j].k)
	})
	outKeys := make([]uint32, len(keys))
	outVals := make([]uint32, len(keys))
	for i, p := range pairs {
		outKeys[i] = p.k
		outVals[i] = p.v
	}
	return outKeys, outVals
}

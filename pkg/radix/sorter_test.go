package radix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accelkit/parprim/pkg/compute"
)

func newTestDevice(t *testing.T, opts ...compute.Option) *compute.Device {
	t.Helper()
	base := []compute.Option{compute.WithMaxResidentBlocks(16)}
	dev, err := compute.Open(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func newTestSorter(t *testing.T, tun Tuning, devOpts ...compute.Option) *Sorter {
	t.Helper()
	dev := newTestDevice(t, devOpts...)
	comp := compute.NewCompiler(dev, nil)
	s, err := New(dev, comp, nil, WithTuning(tun))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNew(t *testing.T) {
	t.Run("nil collaborators", func(t *testing.T) {
		dev := newTestDevice(t)
		comp := compute.NewCompiler(dev, nil)

		_, err := New(nil, comp, nil)
		assert.Error(t, err)

		_, err = New(dev, nil, nil)
		assert.Error(t, err)
	})

	t.Run("invalid tuning", func(t *testing.T) {
		dev := newTestDevice(t)
		comp := compute.NewCompiler(dev, nil)

		_, err := New(dev, comp, nil, WithTuning(Tuning{CountBlockSize: -4}))
		assert.Error(t, err)

		_, err = New(dev, comp, nil, WithTuning(Tuning{MaxKeys: -1}))
		assert.Error(t, err)

		_, err = New(dev, comp, nil, WithTuning(Tuning{ScanAlgo: ScanAlgo(42)}))
		assert.Error(t, err)
	})

	t.Run("block size beyond device limit", func(t *testing.T) {
		dev := newTestDevice(t)
		comp := compute.NewCompiler(dev, nil)

		_, err := New(dev, comp, nil, WithTuning(Tuning{
			SortBlockSize: dev.Props().MaxThreadsPerBlock + 1,
		}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "block size")
	})

	t.Run("unknown kernel module is fatal", func(t *testing.T) {
		dev := newTestDevice(t)
		comp := compute.NewCompiler(dev, nil)

		_, err := New(dev, comp, nil, WithKernelPath("parprim/nowhere"))
		require.Error(t, err)
		assert.ErrorIs(t, err, compute.ErrModuleNotFound)
	})

	t.Run("single workgroup scan needs shared memory", func(t *testing.T) {
		// 16 count blocks of 256 bins at 4 bytes each need 16 KiB.
		dev := newTestDevice(t, compute.WithSharedMemPerBlock(1024))
		comp := compute.NewCompiler(dev, nil)

		_, err := New(dev, comp, nil, WithTuning(Tuning{ScanAlgo: ScanSingleWG}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shared memory")

		_, err = New(dev, comp, nil, WithTuning(Tuning{ScanAlgo: ScanParallel}))
		assert.NoError(t, err, "the parallel scan has no shared-memory bound")
	})
}

func TestWorkgroupClamp(t *testing.T) {
	t.Run("clamped to residency", func(t *testing.T) {
		s := newTestSorter(t, Tuning{MaxKeys: 1 << 24})
		assert.Equal(t, 16, s.numBlocksForCount,
			"block count stops at the resident limit regardless of input size")
		assert.LessOrEqual(t, s.numBlocksForScan, 16)
		assert.LessOrEqual(t, s.numBlocksForSinglePass, 16)
	})

	t.Run("small capacity needs fewer blocks", func(t *testing.T) {
		s := newTestSorter(t, Tuning{MaxKeys: 3 * 64 * itemsPerThread})
		assert.Equal(t, 3, s.numBlocksForCount)
	})

	t.Run("table size follows the count grid", func(t *testing.T) {
		s := newTestSorter(t, Tuning{})
		assert.Equal(t, BinCount*s.numBlocksForCount, s.histogram.Len())
	})
}

func TestSorterClose(t *testing.T) {
	s := newTestSorter(t, Tuning{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	dev := s.dev
	src, err := compute.NewBuffer[uint32](dev, 4)
	require.NoError(t, err)
	dst, err := compute.NewBuffer[uint32](dev, 4)
	require.NoError(t, err)

	assert.ErrorIs(t, s.SortKeys(src, dst, 4, 0, 32, nil), ErrClosed)
}

func TestParseScanAlgo(t *testing.T) {
	tests := []struct {
		in      string
		want    ScanAlgo
		wantErr bool
	}{
		{"parallel", ScanParallel, false},
		{"host", ScanHost, false},
		{"singleWG", ScanSingleWG, false},
		{"", 0, true},
		{"gpu", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseScanAlgo(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.in, got.String())
	}
}

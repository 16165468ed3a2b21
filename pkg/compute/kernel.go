package compute

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/accelkit/parprim/internal/metrics"
)

// Dim is a launch dimension. Grids and blocks in this package are
// effectively one-dimensional; Y and Z exist for shape parity and must
// be 1 for now.
type Dim struct {
	X, Y, Z int
}

// Dim1 returns a one-dimensional Dim.
func Dim1(x int) Dim {
	return Dim{X: x, Y: 1, Z: 1}
}

func (d Dim) count() int {
	return d.X * d.Y * d.Z
}

func (d Dim) valid() bool {
	return d.X > 0 && d.Y == 1 && d.Z == 1
}

// Block is the execution context handed to a kernel function, one per
// block of the grid.
type Block struct {
	// Idx is the block's index within the grid, in [0, Grid.X).
	Idx  int
	Grid Dim
	// Dim is the logical thread shape the kernel was compiled for.
	// Virtual blocks run single-threaded; kernels use Dim for chunk
	// math, not for parallelism inside the block.
	Dim      Dim
	WarpSize int
}

// KernelFunc is the body of a compiled kernel, invoked once per block.
// Implementations coordinate across blocks only through device buffers
// and sync/atomic.
type KernelFunc func(b *Block, arg any) error

// Kernel is a compiled kernel handle bound to its device.
type Kernel struct {
	name string
	dev  *Device
	fn   KernelFunc
}

// Name reports the program name the kernel was compiled from.
func (k *Kernel) Name() string {
	return k.name
}

// Launch enqueues one grid execution on the stream (device default
// stream when nil) and returns without waiting. Completion and errors
// surface on Stream.Sync.
func (k *Kernel) Launch(s *Stream, grid, block Dim, arg any) error {
	if s == nil {
		s = k.dev.def
	}
	if s.dev != k.dev {
		return fmt.Errorf("compute: stream and kernel %s belong to different devices", k.name)
	}
	if !grid.valid() {
		return fmt.Errorf("compute: kernel %s: invalid grid %+v", k.name, grid)
	}
	if !block.valid() || block.X > k.dev.props.MaxThreadsPerBlock {
		return fmt.Errorf("compute: kernel %s: invalid block %+v", k.name, block)
	}
	metrics.KernelLaunches.WithLabelValues(k.name).Inc()
	return s.enqueue(task{run: func() error {
		return k.dev.runGrid(k, grid, block, arg)
	}})
}

// runGrid executes one launch: every block becomes a goroutine gated by
// the resident-slot pool. It returns after all blocks finish.
func (d *Device) runGrid(k *Kernel, grid, block Dim, arg any) error {
	n := grid.count()
	var (
		wg   sync.WaitGroup
		once sync.Once
		kerr error
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			d.slots <- struct{}{}
			defer func() { <-d.slots }()
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("kernel fault",
						zap.String("kernel", k.name),
						zap.Int("block", idx),
						zap.Any("panic", r),
						zap.Stack("stack"),
					)
					once.Do(func() {
						kerr = fmt.Errorf("compute: kernel %s fault in block %d: %v", k.name, idx, r)
					})
				}
			}()
			blk := Block{
				Idx:      idx,
				Grid:     grid,
				Dim:      block,
				WarpSize: d.props.WarpSize,
			}
			if err := k.fn(&blk, arg); err != nil {
				once.Do(func() {
					kerr = fmt.Errorf("compute: kernel %s block %d: %w", k.name, idx, err)
				})
			}
			metrics.BlocksExecuted.Inc()
		}(i)
	}
	wg.Wait()
	return kerr
}

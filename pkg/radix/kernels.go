package radix

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/accelkit/parprim/pkg/compute"
)

// KernelModule is the registered location of the radix sort kernels,
// the default for WithKernelPath.
const KernelModule = "parprim/radixsort"

// Program names within KernelModule.
const (
	kernelCount        = "radix_count"
	kernelScanSingleWG = "radix_scan_single_wg"
	kernelScanParallel = "radix_scan_parallel"
	kernelSort         = "radix_sort"
	kernelSortKV       = "radix_sort_kv"
	kernelSinglePass   = "radix_sort_single_pass"
	kernelSinglePassKV = "radix_sort_single_pass_kv"
)

// defineWithValues selects the payload-carrying kernel variants.
const defineWithValues = "WITH_VALUES"

func init() {
	compute.RegisterModule(KernelModule, map[string]compute.KernelBuilder{
		kernelCount:        buildCount,
		kernelScanSingleWG: buildScanSingleWG,
		kernelScanParallel: buildScanParallel,
		kernelSort:         buildSort(false),
		kernelSortKV:       buildSort(true),
		kernelSinglePass:   buildSinglePass(false),
		kernelSinglePassKV: buildSinglePass(true),
	})
}

func checkBlockSize(opts compute.BuildOptions) error {
	if opts.BlockSize <= 0 {
		return fmt.Errorf("block size must be positive, got %d", opts.BlockSize)
	}
	return nil
}

// countArgs feeds one histogram pass. counts is bucket-major: entry
// (digit, block) lives at digit*grid + block, so the flat table is
// already in exclusive-scan order for the scatter.
type countArgs struct {
	keys          []uint32
	n             int
	shift         uint32
	mask          uint32
	counts        []uint32
	itemsPerBlock int
}

func buildCount(opts compute.BuildOptions) (compute.KernelFunc, error) {
	if err := checkBlockSize(opts); err != nil {
		return nil, err
	}
	return func(b *compute.Block, arg any) error {
		a := arg.(*countArgs)
		begin := b.Idx * a.itemsPerBlock
		end := begin + a.itemsPerBlock
		if end > a.n {
			end = a.n
		}

		var local [BinCount]uint32
		for i := begin; i < end; i++ {
			local[(a.keys[i]>>a.shift)&a.mask]++
		}

		// Blocks past the input still publish zeros; the table must
		// not carry counts from an earlier pass.
		stride := b.Grid.X
		for d := 0; d < BinCount; d++ {
			a.counts[d*stride+b.Idx] = local[d]
		}
		return nil
	}, nil
}

// scanArgs feeds both device scan kernels. The scan runs in place:
// counts in, exclusive offsets out.
type scanArgs struct {
	table         []uint32
	count         int
	partialSums   []uint32
	readyFlags    []uint32
	itemsPerBlock int
}

func buildScanSingleWG(opts compute.BuildOptions) (compute.KernelFunc, error) {
	if err := checkBlockSize(opts); err != nil {
		return nil, err
	}
	return func(b *compute.Block, arg any) error {
		a := arg.(*scanArgs)
		if b.Grid.X != 1 {
			return fmt.Errorf("single workgroup scan launched with grid %d", b.Grid.X)
		}
		var sum uint32
		for i := 0; i < a.count; i++ {
			v := a.table[i]
			a.table[i] = sum
			sum += v
		}
		return nil
	}, nil
}

// buildScanParallel scans the table with one block per segment and a
// chained carry: block b publishes its inclusive total and consumes the
// total of block b-1 through the partial-sum/ready pair. Forward
// progress needs the whole grid resident at once.
func buildScanParallel(opts compute.BuildOptions) (compute.KernelFunc, error) {
	if err := checkBlockSize(opts); err != nil {
		return nil, err
	}
	return func(b *compute.Block, arg any) error {
		a := arg.(*scanArgs)
		begin := b.Idx * a.itemsPerBlock
		end := begin + a.itemsPerBlock
		if begin > a.count {
			begin = a.count
		}
		if end > a.count {
			end = a.count
		}

		var total uint32
		for i := begin; i < end; i++ {
			total += a.table[i]
		}

		var carry uint32
		if b.Idx > 0 {
			for atomic.LoadUint32(&a.readyFlags[b.Idx-1]) == 0 {
				runtime.Gosched()
			}
			carry = atomic.LoadUint32(&a.partialSums[b.Idx-1])
		}
		atomic.StoreUint32(&a.partialSums[b.Idx], carry+total)
		atomic.StoreUint32(&a.readyFlags[b.Idx], 1)

		run := carry
		for i := begin; i < end; i++ {
			v := a.table[i]
			a.table[i] = run
			run += v
		}
		return nil
	}, nil
}

// scatterArgs feeds the sort kernels. offsets is the scanned bucket
// table, same bucket-major layout and grid as the count pass.
type scatterArgs struct {
	srcKeys       []uint32
	srcVals       []uint32
	dstKeys       []uint32
	dstVals       []uint32
	n             int
	shift         uint32
	mask          uint32
	offsets       []uint32
	itemsPerBlock int
}

func buildSort(withValues bool) compute.KernelBuilder {
	return func(opts compute.BuildOptions) (compute.KernelFunc, error) {
		if err := checkBlockSize(opts); err != nil {
			return nil, err
		}
		if got := opts.Defines[defineWithValues]; (got != 0) != withValues {
			return nil, fmt.Errorf("%s=%d conflicts with program variant", defineWithValues, got)
		}
		return func(b *compute.Block, arg any) error {
			a := arg.(*scatterArgs)
			begin := b.Idx * a.itemsPerBlock
			end := begin + a.itemsPerBlock
			if end > a.n {
				end = a.n
			}

			// Walking the chunk in input order keeps equal digits in
			// their original order; the rank is recomputed here, never
			// persisted.
			stride := b.Grid.X
			var cursor [BinCount]uint32
			for i := begin; i < end; i++ {
				k := a.srcKeys[i]
				d := (k >> a.shift) & a.mask
				pos := a.offsets[int(d)*stride+b.Idx] + cursor[d]
				cursor[d]++
				a.dstKeys[pos] = k
				if withValues {
					a.dstVals[pos] = a.srcVals[i]
				}
			}
			return nil
		}, nil
	}
}

// singlePassArgs feeds the fused kernels. Each block owns a contiguous
// digit range of binsPerBlock buckets and handles counting, offset
// resolution and scatter for that range in one launch.
type singlePassArgs struct {
	srcKeys      []uint32
	srcVals      []uint32
	dstKeys      []uint32
	dstVals      []uint32
	n            int
	shift        uint32
	mask         uint32
	partialSums  []uint32
	readyFlags   []uint32
	binsPerBlock int
}

// buildSinglePass fuses count, scan and scatter for one digit window.
// Block b waits for the running key total of buckets below its range
// (decoupled look-back through the partial-sum/ready slots), so the
// launch only makes progress when every block is resident at once.
func buildSinglePass(withValues bool) compute.KernelBuilder {
	return func(opts compute.BuildOptions) (compute.KernelFunc, error) {
		if err := checkBlockSize(opts); err != nil {
			return nil, err
		}
		if got := opts.Defines[defineWithValues]; (got != 0) != withValues {
			return nil, fmt.Errorf("%s=%d conflicts with program variant", defineWithValues, got)
		}
		return func(b *compute.Block, arg any) error {
			a := arg.(*singlePassArgs)
			lo := b.Idx * a.binsPerBlock
			hi := lo + a.binsPerBlock
			if lo > BinCount {
				lo = BinCount
			}
			if hi > BinCount {
				hi = BinCount
			}

			var hist [BinCount]uint32
			var total uint32
			for i := 0; i < a.n; i++ {
				d := int((a.srcKeys[i] >> a.shift) & a.mask)
				if d >= lo && d < hi {
					hist[d]++
					total++
				}
			}

			var base uint32
			if b.Idx > 0 {
				for atomic.LoadUint32(&a.readyFlags[b.Idx-1]) == 0 {
					runtime.Gosched()
				}
				base = atomic.LoadUint32(&a.partialSums[b.Idx-1])
			}
			atomic.StoreUint32(&a.partialSums[b.Idx], base+total)
			atomic.StoreUint32(&a.readyFlags[b.Idx], 1)

			run := base
			for d := lo; d < hi; d++ {
				c := hist[d]
				hist[d] = run
				run += c
			}

			for i := 0; i < a.n; i++ {
				k := a.srcKeys[i]
				d := int((k >> a.shift) & a.mask)
				if d < lo || d >= hi {
					continue
				}
				pos := hist[d]
				hist[d]++
				a.dstKeys[pos] = k
				if withValues {
					a.dstVals[pos] = a.srcVals[i]
				}
			}
			return nil
		}, nil
	}
}

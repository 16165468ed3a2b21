package radix

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/accelkit/parprim/internal/metrics"
	"github.com/accelkit/parprim/pkg/compute"
)

// span is the internal view both entry points funnel into: keys plus
// an optional parallel value buffer.
type span struct {
	keys *compute.Buffer[uint32]
	vals *compute.Buffer[uint32]
}

func (sp span) withValues() bool {
	return sp.vals != nil
}

// SortKeys sorts the first n keys of src into dst by the bit window
// [startBit, endBit), stably and without writing src. The call returns
// once every pass is enqueued; completion and device failures surface
// on the stream's Sync.
func (s *Sorter) SortKeys(src, dst *compute.Buffer[uint32], n, startBit, endBit int, stream *compute.Stream) error {
	return s.sort(span{keys: src}, span{keys: dst}, n, startBit, endBit, stream)
}

// SortPairs sorts keys and carries each key's payload to the same
// destination index. Ordering depends on keys alone.
func (s *Sorter) SortPairs(src, dst KeyValue, n, startBit, endBit int, stream *compute.Stream) error {
	if src.Values == nil || dst.Values == nil {
		return fmt.Errorf("radix: SortPairs needs value buffers on both sides")
	}
	return s.sort(span{keys: src.Keys, vals: src.Values}, span{keys: dst.Keys, vals: dst.Values}, n, startBit, endBit, stream)
}

func (s *Sorter) sort(src, dst span, n, startBit, endBit int, stream *compute.Stream) error {
	if s.closed {
		return ErrClosed
	}
	if stream == nil {
		stream = s.stream
	}
	if startBit < 0 || startBit >= endBit || endBit > KeyBits {
		return fmt.Errorf("%w: [%d, %d)", ErrInvalidBitRange, startBit, endBit)
	}
	if n < 0 {
		return fmt.Errorf("radix: negative key count %d", n)
	}
	if err := checkSpan("src", src, n); err != nil {
		return err
	}
	if err := checkSpan("dst", dst, n); err != nil {
		return err
	}

	metrics.SortKeysGauge.Set(float64(n))
	if n == 0 {
		metrics.SortsStarted.WithLabelValues("noop").Inc()
		return nil
	}

	start := time.Now()
	var err error
	if s.tun.SinglePassThreshold > 0 && n <= s.tun.SinglePassThreshold {
		metrics.SortsStarted.WithLabelValues("single_pass").Inc()
		err = s.runPasses(src, dst, n, startBit, endBit, stream, s.singlePassStage(n, stream))
	} else {
		metrics.SortsStarted.WithLabelValues("multi_pass").Inc()
		err = s.runPasses(src, dst, n, startBit, endBit, stream, s.multiPassStages(n, stream))
	}
	if err != nil {
		return err
	}
	metrics.SortDuration.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	return nil
}

func checkSpan(role string, sp span, n int) error {
	if sp.keys == nil {
		return fmt.Errorf("radix: %s key buffer is nil", role)
	}
	if sp.keys.Len() < n {
		return fmt.Errorf("radix: %s key buffer holds %d of %d keys", role, sp.keys.Len(), n)
	}
	if sp.vals != nil && sp.vals.Len() < n {
		return fmt.Errorf("radix: %s value buffer holds %d of %d values", role, sp.vals.Len(), n)
	}
	return nil
}

// passFunc runs one digit window from cur into out.
type passFunc func(cur, out span, pass, bit, bits int, mask uint32) error

// runPasses walks the digit windows of [startBit, endBit), ping-ponging
// between the internal scratch and dst. The first pass reads the
// caller's source and writes scratch; destinations alternate from
// there, so an odd number of passes ends in scratch and needs one
// device copy into dst.
func (s *Sorter) runPasses(src, dst span, n, startBit, endBit int, stream *compute.Stream, run passFunc) error {
	scratch, err := s.ensureScratch(n, src.withValues())
	if err != nil {
		return err
	}

	cur := src
	pass := 0
	for bit := startBit; bit < endBit; bit += DigitBits {
		bits := endBit - bit
		if bits > DigitBits {
			bits = DigitBits
		}
		// The last window of a narrow range masks to its true width;
		// bits at and above endBit never influence placement.
		mask := uint32(1)<<uint(bits) - 1

		out := dst
		if pass%2 == 0 {
			out = scratch
		}
		if err := run(cur, out, pass, bit, bits, mask); err != nil {
			return err
		}
		metrics.SortPasses.Inc()
		cur = out
		pass++
	}

	if cur.keys != dst.keys {
		if err := cur.keys.CopyTo(stream, dst.keys, n); err != nil {
			return err
		}
		if cur.withValues() {
			if err := cur.vals.CopyTo(stream, dst.vals, n); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Sorter) ensureScratch(n int, withValues bool) (span, error) {
	if s.keyScratch.Len() < n {
		if err := s.keyScratch.Resize(n); err != nil {
			return span{}, err
		}
	}
	sc := span{keys: s.keyScratch}
	if withValues {
		if s.valScratch.Len() < n {
			if err := s.valScratch.Resize(n); err != nil {
				return span{}, err
			}
		}
		sc.vals = s.valScratch
	}
	return sc, nil
}

// multiPassStages is the count, scan, scatter pipeline for one window.
func (s *Sorter) multiPassStages(n int, stream *compute.Stream) passFunc {
	itemsPerBlock := ceilDiv(n, s.numBlocksForCount)
	return func(cur, out span, pass, bit, bits int, mask uint32) error {
		if err := s.stage(stream, "count", pass, bit, func() error {
			return s.launchCount(cur, n, uint32(bit), mask, itemsPerBlock, stream)
		}); err != nil {
			return err
		}
		if err := s.stage(stream, "scan", pass, bit, func() error {
			return s.launchScan(stream)
		}); err != nil {
			return err
		}
		return s.stage(stream, "sort", pass, bit, func() error {
			return s.launchScatter(cur, out, n, uint32(bit), mask, itemsPerBlock, stream)
		})
	}
}

// singlePassStage fuses the window into one launch.
func (s *Sorter) singlePassStage(n int, stream *compute.Stream) passFunc {
	return func(cur, out span, pass, bit, bits int, mask uint32) error {
		return s.stage(stream, "single_pass", pass, bit, func() error {
			return s.launchSinglePass(cur, out, n, uint32(bit), mask, stream)
		})
	}
}

// stage wraps a launch. With the Log flag set it synchronizes the
// stream after the launch and reports wall time per stage.
func (s *Sorter) stage(stream *compute.Stream, name string, pass, bit int, fn func() error) error {
	if !s.diag() {
		return fn()
	}
	start := time.Now()
	if err := fn(); err != nil {
		return err
	}
	if err := stream.Sync(); err != nil {
		return err
	}
	s.log.Info("radix sort stage",
		zap.String("stage", name),
		zap.Int("pass", pass),
		zap.Int("startBit", bit),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

func (s *Sorter) launchCount(src span, n int, shift, mask uint32, itemsPerBlock int, stream *compute.Stream) error {
	args := &countArgs{
		keys:          src.keys.Data(),
		n:             n,
		shift:         shift,
		mask:          mask,
		counts:        s.histogram.Data(),
		itemsPerBlock: itemsPerBlock,
	}
	return s.kernels[kernelCount].Launch(stream,
		compute.Dim1(s.numBlocksForCount), compute.Dim1(s.tun.CountBlockSize), args)
}

func (s *Sorter) launchScan(stream *compute.Stream) error {
	switch s.tun.ScanAlgo {
	case ScanHost:
		return s.exclusiveScanHost(stream)
	case ScanSingleWG:
		args := &scanArgs{
			table: s.histogram.Data(),
			count: s.histogram.Len(),
		}
		return s.kernels[kernelScanSingleWG].Launch(stream,
			compute.Dim1(1), compute.Dim1(s.tun.ScanBlockSize), args)
	default:
		if err := s.readyFlags.Fill(stream, 0, s.readyFlags.Len()); err != nil {
			return err
		}
		args := &scanArgs{
			table:         s.histogram.Data(),
			count:         s.histogram.Len(),
			partialSums:   s.partialSums.Data(),
			readyFlags:    s.readyFlags.Data(),
			itemsPerBlock: s.scanItemsPerBlock,
		}
		return s.kernels[kernelScanParallel].Launch(stream,
			compute.Dim1(s.numBlocksForScan), compute.Dim1(s.tun.ScanBlockSize), args)
	}
}

// exclusiveScanHost is the reference scan: pull the bucket table to the
// host, scan, push the offsets back. The download is the
// synchronization point that retires the count kernel.
func (s *Sorter) exclusiveScanHost(stream *compute.Stream) error {
	table := make([]uint32, s.histogram.Len())
	if err := s.histogram.Download(stream, table); err != nil {
		return err
	}
	var sum uint32
	for i, v := range table {
		table[i] = sum
		sum += v
	}
	return s.histogram.Upload(stream, table)
}

func (s *Sorter) launchScatter(src, dst span, n int, shift, mask uint32, itemsPerBlock int, stream *compute.Stream) error {
	name := kernelSort
	if src.withValues() {
		name = kernelSortKV
	}
	args := &scatterArgs{
		srcKeys:       src.keys.Data(),
		dstKeys:       dst.keys.Data(),
		n:             n,
		shift:         shift,
		mask:          mask,
		offsets:       s.histogram.Data(),
		itemsPerBlock: itemsPerBlock,
	}
	if src.withValues() {
		args.srcVals = src.vals.Data()
		args.dstVals = dst.vals.Data()
	}
	// The scatter grid must match the count grid: the offset table
	// stride is the count grid width.
	return s.kernels[name].Launch(stream,
		compute.Dim1(s.numBlocksForCount), compute.Dim1(s.tun.SortBlockSize), args)
}

func (s *Sorter) launchSinglePass(src, dst span, n int, shift, mask uint32, stream *compute.Stream) error {
	name := kernelSinglePass
	if src.withValues() {
		name = kernelSinglePassKV
	}
	if err := s.readyFlags.Fill(stream, 0, s.readyFlags.Len()); err != nil {
		return err
	}
	args := &singlePassArgs{
		srcKeys:      src.keys.Data(),
		dstKeys:      dst.keys.Data(),
		n:            n,
		shift:        shift,
		mask:         mask,
		partialSums:  s.partialSums.Data(),
		readyFlags:   s.readyFlags.Data(),
		binsPerBlock: s.binsPerBlock,
	}
	if src.withValues() {
		args.srcVals = src.vals.Data()
		args.dstVals = dst.vals.Data()
	}
	return s.kernels[name].Launch(stream,
		compute.Dim1(s.numBlocksForSinglePass), compute.Dim1(s.tun.SortBlockSize), args)
}

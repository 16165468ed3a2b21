package radix

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/accelkit/parprim/pkg/compute"
)

// KeyValue addresses keys and their payloads as two parallel buffers
// (structure of arrays). Values travel with their keys but never
// influence the order.
type KeyValue struct {
	Keys   *compute.Buffer[uint32]
	Values *compute.Buffer[uint32]
}

type Option func(*Sorter)

// WithLogger sets the diagnostic logger. Without it the sorter is
// silent even with the Log flag set.
func WithLogger(log *zap.Logger) Option {
	return func(s *Sorter) { s.log = log }
}

// WithTuning overrides the default sizing knobs.
func WithTuning(t Tuning) Option {
	return func(s *Sorter) { s.tun = t }
}

// WithKernelPath points the sorter at an alternative kernel module
// location. The default is KernelModule.
func WithKernelPath(location string) Option {
	return func(s *Sorter) { s.kernelPath = location }
}

// WithIncludeDir adds an include path handed to the kernel compiler.
func WithIncludeDir(dir string) Option {
	return func(s *Sorter) { s.includeDirs = append(s.includeDirs, dir) }
}

// Sorter is a configured radix sort instance: compiled kernels, the
// bucket table, look-back slots and ping-pong scratch, all sized for
// the device it was built on. Create one per device and reuse it; the
// instance must not be copied and must not run overlapping sorts.
type Sorter struct {
	noCopy noCopy

	dev    *compute.Device
	comp   *compute.Compiler
	stream *compute.Stream
	log    *zap.Logger
	tun    Tuning
	flags  Flag

	kernelPath  string
	includeDirs []string

	kernels map[string]*compute.Kernel

	numBlocksForCount      int
	numBlocksForScan       int
	numBlocksForSinglePass int
	scanItemsPerBlock      int
	binsPerBlock           int

	// histogram holds the bucket table from all count blocks,
	// bucket-major; the scan turns it into scatter offsets in place.
	histogram   *compute.Buffer[uint32]
	partialSums *compute.Buffer[uint32]
	readyFlags  *compute.Buffer[uint32]
	keyScratch  *compute.Buffer[uint32]
	valScratch  *compute.Buffer[uint32]

	closed bool
}

// New configures a sorter on the device: derives grid sizes from the
// device properties and tuning, compiles every kernel variant through
// comp and allocates the instance buffers. A nil stream means the
// device default stream. Any failure returns an error and no instance.
func New(dev *compute.Device, comp *compute.Compiler, stream *compute.Stream, opts ...Option) (*Sorter, error) {
	if dev == nil {
		return nil, fmt.Errorf("radix: device is nil")
	}
	if comp == nil {
		return nil, fmt.Errorf("radix: kernel compiler is nil")
	}
	s := &Sorter{
		dev:        dev,
		comp:       comp,
		stream:     stream,
		log:        zap.NewNop(),
		tun:        DefaultTuning(),
		kernelPath: KernelModule,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.stream == nil {
		s.stream = dev.DefaultStream()
	}
	s.tun = s.tun.withDefaults()
	if err := s.tun.validate(); err != nil {
		return nil, err
	}
	if err := s.configure(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sorter) configure() error {
	props := s.dev.Props()
	for _, bs := range []int{s.tun.CountBlockSize, s.tun.ScanBlockSize, s.tun.SortBlockSize} {
		if bs > props.MaxThreadsPerBlock {
			return fmt.Errorf("radix: block size %d exceeds device limit %d", bs, props.MaxThreadsPerBlock)
		}
	}

	s.numBlocksForCount = s.workgroupsToExecute(s.tun.CountBlockSize)
	tableLen := BinCount * s.numBlocksForCount

	s.numBlocksForScan = ceilDiv(tableLen, s.tun.ScanBlockSize*itemsPerThread)
	if s.numBlocksForScan > props.MaxResidentBlocks {
		s.numBlocksForScan = props.MaxResidentBlocks
	}
	if s.numBlocksForScan < 1 {
		s.numBlocksForScan = 1
	}
	s.scanItemsPerBlock = ceilDiv(tableLen, s.numBlocksForScan)

	s.numBlocksForSinglePass = props.MaxResidentBlocks
	if s.numBlocksForSinglePass > BinCount {
		s.numBlocksForSinglePass = BinCount
	}
	s.binsPerBlock = ceilDiv(BinCount, s.numBlocksForSinglePass)

	if s.tun.ScanAlgo == ScanSingleWG {
		if bytes := tableLen * 4; bytes > props.SharedMemPerBlock {
			return fmt.Errorf("radix: bucket table of %d bytes exceeds %d bytes of shared memory per block; use the parallel scan", bytes, props.SharedMemPerBlock)
		}
	}

	if err := s.compileKernels(); err != nil {
		return err
	}
	if err := s.allocate(tableLen); err != nil {
		s.releaseBuffers()
		return err
	}

	s.log.Debug("radix sorter configured",
		zap.String("device", props.Name),
		zap.Int("countBlocks", s.numBlocksForCount),
		zap.Int("scanBlocks", s.numBlocksForScan),
		zap.Int("singlePassBlocks", s.numBlocksForSinglePass),
		zap.Int("maxKeys", s.tun.MaxKeys),
		zap.Stringer("scanAlgo", s.tun.ScanAlgo),
	)
	return nil
}

// workgroupsToExecute returns how many blocks cover the configured
// maximum input at blockSize threads each, clamped to the number of
// blocks the device can hold resident at once. The clamp is what lets
// kernels whose blocks wait on each other assume every peer is
// scheduled; grids derived from it are fixed for the instance lifetime.
func (s *Sorter) workgroupsToExecute(blockSize int) int {
	blocks := ceilDiv(s.tun.MaxKeys, blockSize*itemsPerThread)
	if blocks < 1 {
		blocks = 1
	}
	if limit := s.dev.Props().MaxResidentBlocks; blocks > limit {
		blocks = limit
	}
	return blocks
}

func (s *Sorter) compileKernels() error {
	specs := []struct {
		name       string
		blockSize  int
		withValues bool
	}{
		{kernelCount, s.tun.CountBlockSize, false},
		{kernelScanSingleWG, s.tun.ScanBlockSize, false},
		{kernelScanParallel, s.tun.ScanBlockSize, false},
		{kernelSort, s.tun.SortBlockSize, false},
		{kernelSortKV, s.tun.SortBlockSize, true},
		{kernelSinglePass, s.tun.SortBlockSize, false},
		{kernelSinglePassKV, s.tun.SortBlockSize, true},
	}

	s.kernels = make(map[string]*compute.Kernel, len(specs))
	for _, spec := range specs {
		opts := compute.BuildOptions{
			BlockSize:   spec.blockSize,
			IncludeDirs: s.includeDirs,
		}
		if spec.withValues {
			opts.Defines = map[string]int{defineWithValues: 1}
		}
		k, err := s.comp.Compile(s.kernelPath, spec.name, opts)
		if err != nil {
			return fmt.Errorf("radix: compile kernels: %w", err)
		}
		s.kernels[spec.name] = k
	}
	return nil
}

func (s *Sorter) allocate(tableLen int) error {
	lookback := s.numBlocksForScan
	if s.numBlocksForSinglePass > lookback {
		lookback = s.numBlocksForSinglePass
	}

	var err error
	if s.histogram, err = compute.NewBuffer[uint32](s.dev, tableLen); err != nil {
		return err
	}
	if s.partialSums, err = compute.NewBuffer[uint32](s.dev, lookback); err != nil {
		return err
	}
	if s.readyFlags, err = compute.NewBuffer[uint32](s.dev, lookback); err != nil {
		return err
	}
	// Ping-pong scratch grows on demand with the first sorts.
	if s.keyScratch, err = compute.NewBuffer[uint32](s.dev, 0); err != nil {
		return err
	}
	if s.valScratch, err = compute.NewBuffer[uint32](s.dev, 0); err != nil {
		return err
	}
	return nil
}

func (s *Sorter) releaseBuffers() {
	for _, b := range []*compute.Buffer[uint32]{
		s.histogram, s.partialSums, s.readyFlags, s.keyScratch, s.valScratch,
	} {
		if b != nil {
			b.Release()
		}
	}
}

// SetFlag switches diagnostic logging. Log synchronizes after each
// stage to attribute time; it never changes sort results.
func (s *Sorter) SetFlag(f Flag) {
	s.flags = f
}

func (s *Sorter) diag() bool {
	return s.flags == Log
}

// Close releases the instance buffers. The caller synchronizes the
// stream first; Close is idempotent and later sorts fail with
// ErrClosed.
func (s *Sorter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.releaseBuffers()
	s.log.Debug("radix sorter closed")
	return nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

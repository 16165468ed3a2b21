// Package compute implements an in-process data-parallel device: streams
// that execute enqueued work in order, kernels that run as grids of
// blocks on an occupancy-bounded scheduler, and typed device buffers.
//
// The execution model mirrors a GPU runtime:
//   - A kernel launch enqueues a grid on a stream and returns immediately.
//   - Each block of the grid runs as one goroutine holding one of the
//     device's resident-block slots. Blocks of a launch are scheduled in
//     no particular order; a kernel whose blocks wait on each other is
//     only guaranteed to make progress when its grid fits the resident
//     capacity at once.
//   - Errors and faults inside kernels poison the stream and surface on
//     the next Sync, not at launch.
package compute

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned for operations on a closed device or stream.
var ErrClosed = errors.New("compute: device closed")

// Props describes the device. Captured once at Open; callers size their
// grids and shared tables from this snapshot.
type Props struct {
	Name     string
	WarpSize int
	// MaxResidentBlocks is the number of blocks the device can hold
	// in flight at once. Launches whose blocks coordinate through
	// memory must not exceed it.
	MaxResidentBlocks  int
	MaxThreadsPerBlock int
	// SharedMemPerBlock bounds how much scratch a cooperative
	// single-block kernel may assume, in bytes.
	SharedMemPerBlock int
}

type options struct {
	name               string
	warpSize           int
	blocksPerCore      int
	maxResidentBlocks  int
	maxThreadsPerBlock int
	sharedMemPerBlock  int
	log                *zap.Logger
}

type Option func(*options)

func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func WithWarpSize(n int) Option {
	return func(o *options) { o.warpSize = n }
}

// WithBlocksPerCore scales occupancy off GOMAXPROCS when no explicit
// resident-block count is given.
func WithBlocksPerCore(n int) Option {
	return func(o *options) { o.blocksPerCore = n }
}

func WithMaxResidentBlocks(n int) Option {
	return func(o *options) { o.maxResidentBlocks = n }
}

func WithSharedMemPerBlock(bytes int) Option {
	return func(o *options) { o.sharedMemPerBlock = bytes }
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// Device is a virtual data-parallel processor. All work reaches it
// through streams; the zero value is not usable, construct with Open.
type Device struct {
	props Props
	log   *zap.Logger

	// slots is the resident-block pool. Every running block holds one
	// token; capacity is Props.MaxResidentBlocks.
	slots chan struct{}

	mu      sync.Mutex
	streams []*Stream
	def     *Stream
	closed  bool
}

// Open constructs a device. Occupancy defaults to GOMAXPROCS times four
// unless WithMaxResidentBlocks overrides it.
func Open(opts ...Option) (*Device, error) {
	o := options{
		name:               "parprim virtual device",
		warpSize:           32,
		blocksPerCore:      4,
		maxThreadsPerBlock: 1024,
		sharedMemPerBlock:  1 << 20,
		log:                zap.NewNop(),
	}
	for _, fn := range opts {
		fn(&o)
	}

	resident := o.maxResidentBlocks
	if resident <= 0 {
		if o.blocksPerCore <= 0 {
			return nil, fmt.Errorf("compute: blocksPerCore must be positive, got %d", o.blocksPerCore)
		}
		resident = runtime.GOMAXPROCS(0) * o.blocksPerCore
	}
	if o.warpSize <= 0 {
		return nil, fmt.Errorf("compute: warp size must be positive, got %d", o.warpSize)
	}
	if o.maxThreadsPerBlock <= 0 {
		return nil, fmt.Errorf("compute: max threads per block must be positive, got %d", o.maxThreadsPerBlock)
	}
	if o.sharedMemPerBlock <= 0 {
		return nil, fmt.Errorf("compute: shared memory per block must be positive, got %d", o.sharedMemPerBlock)
	}

	d := &Device{
		props: Props{
			Name:               o.name,
			WarpSize:           o.warpSize,
			MaxResidentBlocks:  resident,
			MaxThreadsPerBlock: o.maxThreadsPerBlock,
			SharedMemPerBlock:  o.sharedMemPerBlock,
		},
		log:   o.log,
		slots: make(chan struct{}, resident),
	}
	d.def = d.spawnStream()
	d.log.Debug("device open",
		zap.String("name", d.props.Name),
		zap.Int("warpSize", d.props.WarpSize),
		zap.Int("maxResidentBlocks", d.props.MaxResidentBlocks),
	)
	return d, nil
}

// Props returns the device tuning snapshot taken at Open.
func (d *Device) Props() Props {
	return d.props
}

// DefaultStream returns the stream used when a launch or copy passes a
// nil stream.
func (d *Device) DefaultStream() *Stream {
	return d.def
}

// NewStream creates an independent in-order work queue on the device.
func (d *Device) NewStream() (*Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	return d.spawnStream(), nil
}

func (d *Device) spawnStream() *Stream {
	s := &Stream{
		dev:   d,
		tasks: make(chan task, 64),
		done:  make(chan struct{}),
	}
	go s.loop()
	d.streams = append(d.streams, s)
	return s
}

// Close drains and shuts down every stream, then releases the device.
// Close is idempotent. Work enqueued after Close fails with ErrClosed.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	streams := d.streams
	d.mu.Unlock()

	for _, s := range streams {
		s.shutdown()
	}
	d.log.Debug("device closed", zap.String("name", d.props.Name))
	return nil
}

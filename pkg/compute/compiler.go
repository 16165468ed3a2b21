package compute

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/accelkit/parprim/internal/metrics"
)

var (
	// ErrModuleNotFound is returned when a compile names a kernel
	// location no module was registered under.
	ErrModuleNotFound = errors.New("compute: kernel module not found")
	// ErrProgramNotFound is returned when a registered module has no
	// program with the requested name.
	ErrProgramNotFound = errors.New("compute: kernel program not found")
)

// BuildOptions are the compile-time parameters of a kernel
// specialization. Two compiles with equal options share one handle.
type BuildOptions struct {
	// BlockSize is the logical thread count per block the kernel is
	// specialized for.
	BlockSize int
	// Defines are named compile-time constants.
	Defines map[string]int
	// IncludeDirs is carried for toolchains that resolve kernel
	// source from disk. The registry resolver does not use it.
	IncludeDirs []string
}

// KernelBuilder specializes a program into an executable kernel body.
// Builders reject unsupported options with an error; those errors are
// compile failures.
type KernelBuilder func(opts BuildOptions) (KernelFunc, error)

var (
	modulesMu sync.RWMutex
	modules   = make(map[string]map[string]KernelBuilder)
)

// RegisterModule publishes a kernel module under a location name,
// typically from an init function of the package owning the kernels.
// Registering the same location twice panics.
func RegisterModule(location string, programs map[string]KernelBuilder) {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	if location == "" || len(programs) == 0 {
		panic("compute: RegisterModule with empty location or programs")
	}
	if _, dup := modules[location]; dup {
		panic("compute: RegisterModule called twice for " + location)
	}
	cp := make(map[string]KernelBuilder, len(programs))
	for name, builder := range programs {
		if builder == nil {
			panic("compute: RegisterModule with nil builder for " + name)
		}
		cp[name] = builder
	}
	modules[location] = cp
}

func lookupProgram(location, name string) (KernelBuilder, error) {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	programs, ok := modules[location]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, location)
	}
	builder, ok := programs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in module %q", ErrProgramNotFound, name, location)
	}
	return builder, nil
}

// Compiler turns registered programs into kernel handles for one
// device, caching each specialization.
type Compiler struct {
	dev *Device
	log *zap.Logger

	mu    sync.Mutex
	cache map[uint64]*Kernel
}

// NewCompiler builds a compiler for the device. A nil logger disables
// compile diagnostics.
func NewCompiler(dev *Device, log *zap.Logger) *Compiler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compiler{
		dev:   dev,
		log:   log,
		cache: make(map[uint64]*Kernel),
	}
}

// Compile resolves location and name in the module registry and
// specializes the program with opts. Results are cached; a cache hit
// returns the existing handle.
func (c *Compiler) Compile(location, name string, opts BuildOptions) (*Kernel, error) {
	key := cacheKey(location, name, opts)

	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.cache[key]; ok {
		metrics.KernelCompilations.WithLabelValues("cached").Inc()
		return k, nil
	}

	builder, err := lookupProgram(location, name)
	if err != nil {
		metrics.KernelCompilations.WithLabelValues("failed").Inc()
		return nil, err
	}
	fn, err := builder(opts)
	if err != nil {
		metrics.KernelCompilations.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("compute: compile %s!%s: %w", location, name, err)
	}

	k := &Kernel{name: name, dev: c.dev, fn: fn}
	c.cache[key] = k
	metrics.KernelCompilations.WithLabelValues("built").Inc()
	c.log.Debug("kernel compiled",
		zap.String("module", location),
		zap.String("kernel", name),
		zap.Int("blockSize", opts.BlockSize),
	)
	return k, nil
}

func cacheKey(location, name string, opts BuildOptions) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(location)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(name)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(strconv.Itoa(opts.BlockSize))

	keys := make([]string, 0, len(opts.Defines))
	for k := range opts.Defines {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("=")
		_, _ = h.WriteString(strconv.Itoa(opts.Defines[k]))
	}
	for _, dir := range opts.IncludeDirs {
		_, _ = h.WriteString("\x00I")
		_, _ = h.WriteString(dir)
	}
	return h.Sum64()
}

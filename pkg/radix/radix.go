// Package radix sorts 32-bit keys, alone or with 32-bit payloads, on a
// compute device. The sort is least-significant-digit radix over 8-bit
// digits: each pass histograms one digit window, prefix-scans the
// bucket table and scatters stably, ping-ponging between the caller's
// destination and an internal buffer. Small inputs take a fused
// single-launch path per digit that coordinates blocks with decoupled
// look-back instead of separate count, scan and scatter launches.
//
// A Sorter owns device scratch and compiled kernels and must not be
// copied. Sorts on one instance must not overlap: call Sync on the
// stream before reusing the instance or reading the destination.
package radix

import (
	"errors"
	"fmt"
)

const (
	// DigitBits is the digit width of one pass.
	DigitBits = 8
	// BinCount is the bucket count of one pass.
	BinCount = 1 << DigitBits
	// KeyBits is the width of a key; bit ranges live in [0, KeyBits].
	KeyBits = 32
)

// itemsPerThread scales a block size into the item chunk one block
// covers when deriving grid sizes.
const itemsPerThread = 64

var (
	// ErrClosed is returned by sorts on a closed Sorter.
	ErrClosed = errors.New("radix: sorter closed")
	// ErrInvalidBitRange is returned when a digit window is empty,
	// inverted or reaches past the key width.
	ErrInvalidBitRange = errors.New("radix: invalid bit range")
)

// Flag toggles diagnostic behavior. Log makes every sort synchronize
// after each stage and write per-stage timings to the logger; results
// are unaffected.
type Flag int

const (
	NoLog Flag = iota
	Log
)

// ScanAlgo selects how bucket tables turn into scatter offsets.
type ScanAlgo int

const (
	// ScanParallel runs the multi-block scan kernel with chained
	// carry propagation. The default.
	ScanParallel ScanAlgo = iota
	// ScanHost downloads the table, scans on the host and uploads
	// the offsets. The reference implementation for the device scans.
	ScanHost
	// ScanSingleWG runs the whole table through one cooperative
	// block. Requires the table to fit the device's per-block shared
	// memory.
	ScanSingleWG
)

func (a ScanAlgo) String() string {
	switch a {
	case ScanParallel:
		return "parallel"
	case ScanHost:
		return "host"
	case ScanSingleWG:
		return "singleWG"
	default:
		return fmt.Sprintf("ScanAlgo(%d)", int(a))
	}
}

// ParseScanAlgo maps the configuration names to a ScanAlgo.
func ParseScanAlgo(name string) (ScanAlgo, error) {
	switch name {
	case "parallel":
		return ScanParallel, nil
	case "host":
		return ScanHost, nil
	case "singleWG":
		return ScanSingleWG, nil
	default:
		return 0, fmt.Errorf("radix: unknown scan algorithm %q", name)
	}
}

// Tuning is the per-instance sizing knobs. Zero fields take defaults.
type Tuning struct {
	// CountBlockSize, ScanBlockSize and SortBlockSize are the logical
	// thread counts per block for the three multi-pass kernels.
	CountBlockSize int
	ScanBlockSize  int
	SortBlockSize  int
	// SinglePassThreshold routes inputs of at most this many keys to
	// the fused single-pass kernels. Zero disables the fused path.
	SinglePassThreshold int
	// MaxKeys sizes the bucket table and grids at construction. It
	// is a sizing target, not a limit: larger inputs sort correctly
	// with longer per-block chunks.
	MaxKeys int
	// ScanAlgo picks the offset computation.
	ScanAlgo ScanAlgo
}

// DefaultTuning returns the tuning used for zero fields.
func DefaultTuning() Tuning {
	return Tuning{
		CountBlockSize:      64,
		ScanBlockSize:       64,
		SortBlockSize:       64,
		SinglePassThreshold: 32768,
		MaxKeys:             1 << 24,
		ScanAlgo:            ScanParallel,
	}
}

func (t Tuning) withDefaults() Tuning {
	def := DefaultTuning()
	if t.CountBlockSize == 0 {
		t.CountBlockSize = def.CountBlockSize
	}
	if t.ScanBlockSize == 0 {
		t.ScanBlockSize = def.ScanBlockSize
	}
	if t.SortBlockSize == 0 {
		t.SortBlockSize = def.SortBlockSize
	}
	if t.MaxKeys == 0 {
		t.MaxKeys = def.MaxKeys
	}
	return t
}

func (t Tuning) validate() error {
	if t.CountBlockSize <= 0 || t.ScanBlockSize <= 0 || t.SortBlockSize <= 0 {
		return fmt.Errorf("radix: block sizes must be positive: count=%d scan=%d sort=%d",
			t.CountBlockSize, t.ScanBlockSize, t.SortBlockSize)
	}
	if t.MaxKeys <= 0 {
		return fmt.Errorf("radix: max keys must be positive, got %d", t.MaxKeys)
	}
	if t.SinglePassThreshold < 0 {
		return fmt.Errorf("radix: single-pass threshold must not be negative, got %d", t.SinglePassThreshold)
	}
	switch t.ScanAlgo {
	case ScanParallel, ScanHost, ScanSingleWG:
	default:
		return fmt.Errorf("radix: unknown scan algorithm %d", int(t.ScanAlgo))
	}
	return nil
}

// noCopy makes `go vet -copylocks` flag value copies of Sorter; the
// instance owns device resources that must not be shared by copy.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

package compute

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/accelkit/parprim/internal/metrics"
)

// ErrReleased is returned for operations on a released buffer.
var ErrReleased = errors.New("compute: buffer released")

// Scalar covers the element types device buffers can hold.
type Scalar interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// Buffer is a typed device array. The backing store belongs to the
// device: hosts move data in and out with Upload and Download, kernels
// see it through Data. The host must not touch a buffer between a
// launch that uses it and the synchronization that retires the launch.
type Buffer[T Scalar] struct {
	dev      *Device
	data     []T
	released bool
}

// NewBuffer allocates a device buffer of n elements, zero-filled.
func NewBuffer[T Scalar](dev *Device, n int) (*Buffer[T], error) {
	if n < 0 {
		return nil, fmt.Errorf("compute: negative buffer size %d", n)
	}
	b := &Buffer[T]{dev: dev, data: make([]T, n)}
	metrics.DeviceMemoryBytes.Add(float64(b.bytes()))
	return b, nil
}

func (b *Buffer[T]) bytes() int {
	var z T
	return len(b.data) * int(unsafe.Sizeof(z))
}

// Len returns the element count.
func (b *Buffer[T]) Len() int {
	if b.released {
		return 0
	}
	return len(b.data)
}

// Data exposes the device-side storage for kernel use. Host code only
// reads or writes it between synchronization points.
func (b *Buffer[T]) Data() []T {
	return b.data
}

// Resize reallocates the buffer to n elements, preserving the common
// prefix. The buffer must be idle: no enqueued work may reference it.
func (b *Buffer[T]) Resize(n int) error {
	if b.released {
		return ErrReleased
	}
	if n < 0 {
		return fmt.Errorf("compute: negative buffer size %d", n)
	}
	if n == len(b.data) {
		return nil
	}
	old := b.bytes()
	next := make([]T, n)
	copy(next, b.data)
	b.data = next
	metrics.DeviceMemoryBytes.Add(float64(b.bytes() - old))
	return nil
}

// Upload copies len(src) elements from the host into the front of the
// buffer, ordered after everything already on the stream (device
// default stream when nil). It returns once the copy has completed.
func (b *Buffer[T]) Upload(s *Stream, src []T) error {
	if b.released {
		return ErrReleased
	}
	if len(src) > len(b.data) {
		return fmt.Errorf("compute: upload of %d elements into buffer of %d", len(src), len(b.data))
	}
	var z T
	metrics.MemcpyBytes.WithLabelValues("h2d").Add(float64(len(src) * int(unsafe.Sizeof(z))))
	return b.hostCopy(s, func() error {
		copy(b.data, src)
		return nil
	})
}

// Download copies len(dst) elements from the front of the buffer to the
// host, ordered after everything already on the stream. It returns once
// the copy has completed, so dst is safe to read immediately.
func (b *Buffer[T]) Download(s *Stream, dst []T) error {
	if b.released {
		return ErrReleased
	}
	if len(dst) > len(b.data) {
		return fmt.Errorf("compute: download of %d elements from buffer of %d", len(dst), len(b.data))
	}
	var z T
	metrics.MemcpyBytes.WithLabelValues("d2h").Add(float64(len(dst) * int(unsafe.Sizeof(z))))
	return b.hostCopy(s, func() error {
		copy(dst, b.data)
		return nil
	})
}

// hostCopy runs fn as a stream task and waits for it, giving host-side
// copies the same ordering as device work on the stream.
func (b *Buffer[T]) hostCopy(s *Stream, fn func() error) error {
	if s == nil {
		s = b.dev.def
	}
	if err := s.enqueue(task{run: fn}); err != nil {
		return err
	}
	return s.Sync()
}

// CopyTo enqueues a device-to-device copy of the first n elements into
// dst. The copy is asynchronous and stream-ordered.
func (b *Buffer[T]) CopyTo(s *Stream, dst *Buffer[T], n int) error {
	if b.released || dst.released {
		return ErrReleased
	}
	if n < 0 || n > len(b.data) || n > len(dst.data) {
		return fmt.Errorf("compute: copy of %d elements between buffers of %d and %d", n, len(b.data), len(dst.data))
	}
	if s == nil {
		s = b.dev.def
	}
	var z T
	metrics.MemcpyBytes.WithLabelValues("d2d").Add(float64(n * int(unsafe.Sizeof(z))))
	src := b.data
	out := dst.data
	return s.enqueue(task{run: func() error {
		copy(out[:n], src[:n])
		return nil
	}})
}

// Fill enqueues a fill of the first n elements with v, stream-ordered.
func (b *Buffer[T]) Fill(s *Stream, v T, n int) error {
	if b.released {
		return ErrReleased
	}
	if n < 0 || n > len(b.data) {
		return fmt.Errorf("compute: fill of %d elements in buffer of %d", n, len(b.data))
	}
	if s == nil {
		s = b.dev.def
	}
	data := b.data
	return s.enqueue(task{run: func() error {
		for i := 0; i < n; i++ {
			data[i] = v
		}
		return nil
	}})
}

// Release returns the storage to the device. Further use fails with
// ErrReleased; kernels holding the old storage fault instead of writing
// freed memory.
func (b *Buffer[T]) Release() {
	if b.released {
		return
	}
	metrics.DeviceMemoryBytes.Sub(float64(b.bytes()))
	b.data = nil
	b.released = true
}

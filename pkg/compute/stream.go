package compute

import (
	"sync"
)

type task struct {
	run   func() error
	fence chan struct{}
}

// Stream is an in-order work queue. Tasks enqueued on one stream execute
// one at a time in issue order; work on different streams may overlap.
//
// The first task error poisons the stream: queued and later tasks are
// skipped and every Sync from then on reports that error. This mirrors
// how device runtimes surface asynchronous faults.
type Stream struct {
	dev   *Device
	tasks chan task
	done  chan struct{}

	sendMu sync.Mutex
	closed bool

	errMu sync.Mutex
	err   error
}

func (s *Stream) loop() {
	defer close(s.done)
	for t := range s.tasks {
		if t.fence != nil {
			close(t.fence)
			continue
		}
		if s.Err() != nil {
			continue
		}
		if err := t.run(); err != nil {
			s.poison(err)
		}
	}
}

func (s *Stream) enqueue(t task) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.tasks <- t
	return nil
}

// Sync blocks until everything enqueued before it has executed, then
// returns the stream's sticky error, if any.
func (s *Stream) Sync() error {
	fence := make(chan struct{})
	if err := s.enqueue(task{fence: fence}); err != nil {
		return err
	}
	<-fence
	return s.Err()
}

// Err returns the sticky stream error without synchronizing.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Stream) poison(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// shutdown stops the loop after draining queued work. Safe to call more
// than once.
func (s *Stream) shutdown() {
	s.sendMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.tasks)
	}
	s.sendMu.Unlock()
	<-s.done
}

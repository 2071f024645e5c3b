package sessionstore

import (
	"context"
	"sync"
)

// write is one queued persistence call
type write struct {
	desc string
	fn   func(ctx context.Context) error
}

// writer runs queued writes one at a time in the order they were queued
type writer struct {
	mu      sync.Mutex
	queue   []write
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
	run     func(w write)
}

func newWriter(run func(w write)) *writer {
	w := &writer{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		run:     run,
	}
	go w.loop()
	return w
}

// enqueue adds a write; it reports false once the writer is closed
func (w *writer) enqueue(item write) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, item)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (w *writer) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// flush waits until every write queued before the call has run
func (w *writer) flush(ctx context.Context) error {
	done := make(chan struct{})
	ok := w.enqueue(write{desc: "flush", fn: func(context.Context) error {
		close(done)
		return nil
	}})
	if !ok {
		// closed writers have drained already
		<-w.stopped
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting writes and waits for the queue to drain
func (w *writer) close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	w.mu.Unlock()
	<-w.stopped
}

func (w *writer) loop() {
	defer close(w.stopped)
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			closed := w.closed
			w.mu.Unlock()
			if closed {
				return
			}
			<-w.wake
			continue
		}
		item := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.run(item)
	}
}

package frame

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrQueueFull is backpressure: the caller decides whether to drop,
	// retry or recycle the frame elsewhere.
	ErrQueueFull = errors.New("frame: queue full")
	// ErrFrameOwned means the frame is already held by another queue.
	ErrFrameOwned = errors.New("frame: already queued")
	// ErrQueueNotReady means the queue was never initialized.
	ErrQueueNotReady = errors.New("frame: queue not initialized")
)

// DestroyFunc releases a frame discarded by Clear.
type DestroyFunc func(f *Frame)

// Queue is a bounded FIFO of frames. It has its own lock, so callers may
// enqueue from control threads while the interrupt worker dequeues.
type Queue struct {
	name string

	mu      sync.Mutex
	ring    []*Frame
	head    int
	n       int
	destroy DestroyFunc
}

// NewQueue returns an initialized queue.
func NewQueue(name string, capacity int, destroy DestroyFunc) *Queue {
	q := &Queue{name: name}
	q.Init(capacity, destroy)
	return q
}

// Init (re)initializes q empty. Frames still queued are dropped without
// calling the destroy callback; use Clear first to release them.
func (q *Queue) Init(capacity int, destroy DestroyFunc) {
	if capacity < 1 {
		capacity = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < q.n; i++ {
		q.ring[(q.head+i)%len(q.ring)].owner.Store(nil)
	}
	q.ring = make([]*Frame, capacity)
	q.head = 0
	q.n = 0
	q.destroy = destroy
}

// Name returns the queue name used in logs.
func (q *Queue) Name() string {
	return q.name
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ring)
}

// Enqueue appends f at the tail.
func (q *Queue) Enqueue(f *Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ring == nil {
		return fmt.Errorf("%s: %w", q.name, ErrQueueNotReady)
	}
	if q.n == len(q.ring) {
		return fmt.Errorf("%s: %w", q.name, ErrQueueFull)
	}
	if !f.owner.CompareAndSwap(nil, q) {
		return fmt.Errorf("%s: %v: %w", q.name, f, ErrFrameOwned)
	}
	q.ring[(q.head+q.n)%len(q.ring)] = f
	q.n++
	return nil
}

// Dequeue removes the frame at the head.
func (q *Queue) Dequeue() (*Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		return nil, false
	}
	f := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.n--
	f.owner.Store(nil)
	return f, true
}

// DequeueTail removes the most recently enqueued frame.
func (q *Queue) DequeueTail() (*Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		return nil, false
	}
	i := (q.head + q.n - 1) % len(q.ring)
	f := q.ring[i]
	q.ring[i] = nil
	q.n--
	f.owner.Store(nil)
	return f, true
}

// Peek returns the head without removing it.
func (q *Queue) Peek() (*Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return nil, false
	}
	return q.ring[q.head], true
}

// Clear empties the queue, handing every frame to the destroy callback in
// FIFO order. The callback runs without the queue lock held.
func (q *Queue) Clear() int {
	q.mu.Lock()
	frames := make([]*Frame, 0, q.n)
	for q.n > 0 {
		f := q.ring[q.head]
		q.ring[q.head] = nil
		q.head = (q.head + 1) % len(q.ring)
		q.n--
		f.owner.Store(nil)
		frames = append(frames, f)
	}
	destroy := q.destroy
	q.mu.Unlock()

	if destroy != nil {
		for _, f := range frames {
			destroy(f)
		}
	}
	return len(frames)
}

// Drain removes every frame and returns them in FIFO order without calling
// the destroy callback.
func (q *Queue) Drain() []*Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	frames := make([]*Frame, 0, q.n)
	for q.n > 0 {
		f := q.ring[q.head]
		q.ring[q.head] = nil
		q.head = (q.head + 1) % len(q.ring)
		q.n--
		f.owner.Store(nil)
		frames = append(frames, f)
	}
	return frames
}

// Each calls fn for every queued frame in FIFO order while holding the lock.
// fn must not call back into q.
func (q *Queue) Each(fn func(f *Frame)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < q.n; i++ {
		fn(q.ring[(q.head+i)%len(q.ring)])
	}
}

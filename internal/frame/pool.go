package frame

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/logger"
)

// ErrPoolExhausted is returned by Get when every descriptor is in use.
var ErrPoolExhausted = errors.New("frame: pool exhausted")

// Pool hands out empty frame descriptors up to a fixed limit. Descriptors are
// recycled through a sync.Pool once their last reference is dropped.
type Pool struct {
	limit  int64
	inUse  atomic.Int64
	nextID atomic.Uint64
	free   sync.Pool
}

// NewPool returns a pool allowing at most limit outstanding descriptors.
func NewPool(limit int) *Pool {
	return &Pool{limit: int64(limit)}
}

// Get returns an empty descriptor holding one reference.
func (p *Pool) Get() (*Frame, error) {
	for {
		n := p.inUse.Load()
		if n >= p.limit {
			return nil, ErrPoolExhausted
		}
		if p.inUse.CompareAndSwap(n, n+1) {
			break
		}
	}

	f, _ := p.free.Get().(*Frame)
	if f == nil {
		f = &Frame{}
	}
	f.ID = p.nextID.Add(1)
	f.pool = p
	f.refs.Store(1)
	return f, nil
}

// Put drops one reference to f and recycles it when none remain. A frame
// still sitting in a queue is never recycled.
func (p *Pool) Put(f *Frame) {
	if f == nil {
		return
	}
	if f.pool != p {
		logger.Warn("FramePool", "put of %v not allocated by this pool", f)
		return
	}
	if q := f.Owner(); q != nil {
		logger.Error("FramePool", "put of %v still queued on %s", f, q.Name())
		return
	}
	if f.refs.Add(-1) > 0 {
		return
	}

	f.reset()
	p.inUse.Add(-1)
	p.free.Put(f)
}

// InUse returns the number of outstanding descriptors.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

// Limit returns the maximum number of outstanding descriptors.
func (p *Pool) Limit() int {
	return int(p.limit)
}

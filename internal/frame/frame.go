// Package frame defines the frame descriptor that moves between a path's
// queues, the bounded FIFO those queues are built on, and the allocator of
// empty descriptors.
package frame

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/iommu"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/pkg/types"
)

// Backing is the memory a frame points at. The variants decide what has to
// happen to the mapping when the frame is retired or destroyed.
type Backing interface {
	// Buffer returns the backing buffer.
	Buffer() *iommu.Buffer
	backing()
}

// Plain is a caller-supplied buffer mapped when it was supplied; the frame
// owns that mapping.
type Plain struct{ Buf *iommu.Buffer }

// Owned is the canonical reserved buffer of a path. It owns the mapping that
// its aliases share.
type Owned struct{ Buf *iommu.Buffer }

// Alias shares the backing of an Owned reserved buffer. It never unmaps or
// frees anything.
type Alias struct{ Buf *iommu.Buffer }

// Registered is a statistics buffer whose mapping belongs to the
// registration table of the statistics subsystem.
type Registered struct{ Buf *iommu.Buffer }

func (b Plain) Buffer() *iommu.Buffer      { return b.Buf }
func (b Owned) Buffer() *iommu.Buffer      { return b.Buf }
func (b Alias) Buffer() *iommu.Buffer      { return b.Buf }
func (b Registered) Buffer() *iommu.Buffer { return b.Buf }

func (Plain) backing()      {}
func (Owned) backing()      {}
func (Alias) backing()      {}
func (Registered) backing() {}

// Frame is a reference-counted descriptor owned by at most one queue.
type Frame struct {
	ID      uint64
	Path    types.PathKind
	Width   int
	Height  int
	Format  types.Format
	Pack    types.Pack
	UserTag uint64
	Backing Backing

	// ReturnToCaller asks that the frame be handed back to the caller rather
	// than requeued when capture stops while it is in flight.
	ReturnToCaller bool

	FrameNum  uint64
	Timestamp time.Time

	refs  atomic.Int32
	owner atomic.Pointer[Queue]
	pool  *Pool
}

// Reserved returns 0 for ordinary frames, 1 for the canonical reserved
// buffer and 2 for a duplicate sharing its backing.
func (f *Frame) Reserved() int {
	switch f.Backing.(type) {
	case Owned:
		return 1
	case Alias:
		return 2
	default:
		return 0
	}
}

// IsReserved reports whether the frame is a reserved fallback.
func (f *Frame) IsReserved() bool {
	return f.Reserved() != 0
}

// Buffer returns the backing buffer, or nil if the frame has none.
func (f *Frame) Buffer() *iommu.Buffer {
	if f.Backing == nil {
		return nil
	}
	return f.Backing.Buffer()
}

// Owner returns the queue currently holding f, if any.
func (f *Frame) Owner() *Queue {
	return f.owner.Load()
}

// Ref takes an additional reference.
func (f *Frame) Ref() {
	f.refs.Add(1)
}

// Refs returns the current reference count.
func (f *Frame) Refs() int32 {
	return f.refs.Load()
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame#%d(%v reserved=%d tag=%d)", f.ID, f.Path, f.Reserved(), f.UserTag)
}

func (f *Frame) reset() {
	f.ID = 0
	f.Path = 0
	f.Width, f.Height = 0, 0
	f.Format = 0
	f.Pack = 0
	f.UserTag = 0
	f.Backing = nil
	f.ReturnToCaller = false
	f.FrameNum = 0
	f.Timestamp = time.Time{}
	f.refs.Store(0)
	f.owner.Store(nil)
	f.pool = nil
}

// AliasOf returns a new descriptor from p sharing the backing of the reserved
// frame src.
func (p *Pool) AliasOf(src *Frame) (*Frame, error) {
	buf := src.Buffer()
	if buf == nil {
		return nil, fmt.Errorf("alias of %v: no backing", src)
	}
	f, err := p.Get()
	if err != nil {
		return nil, err
	}
	f.Path = src.Path
	f.Width = src.Width
	f.Height = src.Height
	f.Format = src.Format
	f.Pack = src.Pack
	f.Backing = Alias{Buf: buf}
	return f, nil
}

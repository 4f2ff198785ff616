// Package iommu tracks device-visible mappings of capture buffers.
//
// The engine never programs a buffer address into hardware unless the
// buffer is mapped here first. Domain is a software model of the IOMMU
// address space: it hands out IOVA ranges first-fit and can be told to fail
// so that callers' error paths can be exercised.
package iommu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
)

// PageSize is the IOMMU page granularity.
const PageSize = 4096

var (
	ErrMapFailed     = errors.New("iommu: mapping failed")
	ErrNoSpace       = errors.New("iommu: address space exhausted")
	ErrAlreadyMapped = errors.New("iommu: buffer already mapped")
	ErrNotMapped     = errors.New("iommu: buffer not mapped")
	ErrNotPinned     = errors.New("iommu: buffer not pinned")
)

// Buffer is a backing memory object shared with the device, identified by
// the handle and offset the caller used to describe it.
type Buffer struct {
	Handle int32
	Offset uint64
	Size   uint64

	mu         sync.Mutex
	mapped     bool
	singlePage bool
	iova       uint64
	span       uint64
	pins       int
	cpu        []byte
	internal   bool
}

// NewBuffer describes a caller-owned buffer. It is neither pinned nor mapped.
func NewBuffer(handle int32, offset, size uint64) *Buffer {
	return &Buffer{Handle: handle, Offset: offset, Size: size}
}

// IOVA returns the device address of the buffer if it is mapped.
func (b *Buffer) IOVA() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.iova, b.mapped
}

// Mapped reports whether the buffer is device visible.
func (b *Buffer) Mapped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapped
}

// SinglePage reports whether the mapping repeats one physical page.
func (b *Buffer) SinglePage() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.singlePage
}

// Pinned reports whether the buffer is pinned.
func (b *Buffer) Pinned() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pins > 0
}

// CPU returns the kernel mapping of the buffer, or nil.
func (b *Buffer) CPU() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cpu
}

func (b *Buffer) String() string {
	if b.internal {
		return fmt.Sprintf("buf(internal h=%d size=%d)", b.Handle, b.Size)
	}
	return fmt.Sprintf("buf(h=%d off=%#x size=%d)", b.Handle, b.Offset, b.Size)
}

// Mapper is the mapping service consumed by paths and the statistics
// subsystem.
type Mapper interface {
	// Map maps the whole buffer for device access.
	Map(b *Buffer) error
	// MapSinglePage maps the buffer's address range onto a single page, so
	// that a small fallback buffer can absorb writes of any frame size.
	MapSinglePage(b *Buffer) error
	Unmap(b *Buffer) error
	KMap(b *Buffer) error
	KUnmap(b *Buffer)
	Pin(b *Buffer) error
	Unpin(b *Buffer)
	// Alloc returns a pinned, engine-owned buffer of at least size bytes.
	Alloc(size uint64) (*Buffer, error)
	// Free unmaps and releases a buffer returned by Alloc.
	Free(b *Buffer)
}

type region struct {
	start uint64
	span  uint64
	buf   *Buffer
}

func regionLess(a, b region) bool {
	return a.start < b.start
}

// Domain is a simulated IOMMU address space.
type Domain struct {
	base uint64
	size uint64

	mu        sync.Mutex
	regions   *btree.BTreeG[region]
	failNext  int
	nextAlloc int32
	maps      uint64
	unmaps    uint64
}

// NewDomain returns an address space of size bytes starting at base.
func NewDomain(base, size uint64) *Domain {
	return &Domain{
		base:      base,
		size:      size,
		regions:   btree.NewG(8, regionLess),
		nextAlloc: -1,
	}
}

// FailNext makes the next n mapping attempts fail with ErrMapFailed.
func (d *Domain) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

// Live returns the number of buffers currently mapped.
func (d *Domain) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regions.Len()
}

// Counts returns the number of map and unmap operations performed.
func (d *Domain) Counts() (maps, unmaps uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maps, d.unmaps
}

// Lookup returns the buffer mapped at iova, if any.
func (d *Domain) Lookup(iova uint64) (*Buffer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var found *Buffer
	d.regions.DescendLessOrEqual(region{start: iova}, func(r region) bool {
		if iova < r.start+r.span {
			found = r.buf
		}
		return false
	})
	return found, found != nil
}

func pageAlign(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// allocLocked finds the lowest free range of span bytes.
func (d *Domain) allocLocked(span uint64) (uint64, error) {
	cursor := d.base
	fits := false
	d.regions.Ascend(func(r region) bool {
		if r.start-cursor >= span {
			fits = true
			return false
		}
		cursor = r.start + r.span
		return true
	})
	if !fits && d.base+d.size-cursor < span {
		return 0, ErrNoSpace
	}
	return cursor, nil
}

func (d *Domain) mapBuffer(b *Buffer, single bool) error {
	if b.Size == 0 {
		return fmt.Errorf("%w: %v has zero size", ErrMapFailed, b)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mapped {
		return fmt.Errorf("%w: %v", ErrAlreadyMapped, b)
	}
	if d.failNext > 0 {
		d.failNext--
		return fmt.Errorf("%w: %v (injected)", ErrMapFailed, b)
	}

	span := pageAlign(b.Size)
	start, err := d.allocLocked(span)
	if err != nil {
		return fmt.Errorf("%w: %v: %v", ErrMapFailed, b, err)
	}
	d.regions.ReplaceOrInsert(region{start: start, span: span, buf: b})
	d.maps++

	b.mapped = true
	b.singlePage = single
	b.iova = start
	b.span = span
	return nil
}

// Map implements Mapper.Map.
func (d *Domain) Map(b *Buffer) error {
	return d.mapBuffer(b, false)
}

// MapSinglePage implements Mapper.MapSinglePage.
func (d *Domain) MapSinglePage(b *Buffer) error {
	return d.mapBuffer(b, true)
}

// Unmap implements Mapper.Unmap.
func (d *Domain) Unmap(b *Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.mapped {
		return fmt.Errorf("%w: %v", ErrNotMapped, b)
	}
	d.regions.Delete(region{start: b.iova})
	d.unmaps++
	b.mapped = false
	b.singlePage = false
	b.iova = 0
	b.span = 0
	return nil
}

// KMap implements Mapper.KMap.
func (d *Domain) KMap(b *Buffer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pins == 0 {
		return fmt.Errorf("kmap %v: %w", b, ErrNotPinned)
	}
	if b.cpu == nil {
		b.cpu = make([]byte, b.Size)
	}
	return nil
}

// KUnmap implements Mapper.KUnmap.
func (d *Domain) KUnmap(b *Buffer) {
	b.mu.Lock()
	b.cpu = nil
	b.mu.Unlock()
}

// Pin implements Mapper.Pin.
func (d *Domain) Pin(b *Buffer) error {
	if b.Size == 0 {
		return fmt.Errorf("pin %v: zero size", b)
	}
	b.mu.Lock()
	b.pins++
	b.mu.Unlock()
	return nil
}

// Unpin implements Mapper.Unpin.
func (d *Domain) Unpin(b *Buffer) {
	b.mu.Lock()
	if b.pins > 0 {
		b.pins--
	}
	b.mu.Unlock()
}

// Alloc implements Mapper.Alloc. Engine-owned buffers get negative handles.
func (d *Domain) Alloc(size uint64) (*Buffer, error) {
	if size == 0 {
		return nil, errors.New("iommu: zero-sized allocation")
	}
	d.mu.Lock()
	handle := d.nextAlloc
	d.nextAlloc--
	d.mu.Unlock()

	b := &Buffer{Handle: handle, Size: pageAlign(size), internal: true, pins: 1}
	return b, nil
}

// Free implements Mapper.Free.
func (d *Domain) Free(b *Buffer) {
	if b == nil {
		return
	}
	if b.Mapped() {
		_ = d.Unmap(b)
	}
	d.KUnmap(b)
	d.Unpin(b)
}

// Package statis runs the statistics channels of a session: registration of
// the caller's statistics buffers, their steady-state re-supply, and the
// shared reserved buffer each channel falls back to.
package statis

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/iommu"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/path"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/pkg/types"
)

// MaxBuffers is the most buffers a channel may register.
const MaxBuffers = 8

var (
	ErrNotInitialized   = errors.New("statis: not initialized")
	ErrDisabled         = errors.New("statis: channel disabled")
	ErrTooMany          = errors.New("statis: too many buffers registered")
	ErrNotRegistered    = errors.New("statis: buffer not registered")
	ErrDuplicate        = errors.New("statis: buffer already registered")
	ErrReservedTooSmall = errors.New("statis: buffer larger than reserved buffer in use")
)

// UserBuffer describes one caller buffer to register.
type UserBuffer struct {
	Handle int32  `json:"handle"`
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
}

// PathSet gives access to the session's paths.
type PathSet interface {
	Path(kind types.PathKind) *path.Path
}

// Deps are the services the subsystem draws on.
type Deps struct {
	Paths  PathSet
	Frames *frame.Pool
	Mapper iommu.Mapper
	// Depth is the reserved fill depth of each channel.
	Depth int
}

type registration struct {
	kind   types.PathKind
	handle int32
	offset uint64
	buf    *iommu.Buffer
}

func registrationLess(a, b registration) bool {
	if a.kind != b.kind {
		return a.kind < b.kind
	}
	if a.handle != b.handle {
		return a.handle < b.handle
	}
	return a.offset < b.offset
}

type channel struct {
	enabled  bool
	count    int
	largest  uint64
	reserved *iommu.Buffer
}

// Statis is the statistics subsystem of one session.
type Statis struct {
	deps Deps

	mu       sync.Mutex
	inited   bool
	tuning   Tuning
	regs     *btree.BTreeG[registration]
	channels [types.NumPathKinds]channel
}

// New returns an uninitialized subsystem.
func New(deps Deps) *Statis {
	if deps.Depth <= 0 {
		deps.Depth = path.DefaultCapacity().Reserved
	}
	return &Statis{
		deps: deps,
		regs: btree.NewG(4, registrationLess),
	}
}

// Init acquires a path for every channel the tuning enables.
func (s *Statis) Init(t Tuning) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inited {
		return nil
	}

	kinds := EnabledChannels(t)
	c := path.Capacity{Out: MaxBuffers, Result: MaxBuffers, Reserved: s.deps.Depth, Alt: 1}
	for i, k := range kinds {
		if err := s.deps.Paths.Path(k).Acquire(c); err != nil {
			for _, prev := range kinds[:i] {
				s.deps.Paths.Path(prev).Release()
			}
			return fmt.Errorf("statis init %v: %w", k, err)
		}
		s.channels[k].enabled = true
	}
	s.tuning = t
	s.inited = true
	logger.Info("Statis", "initialized %d channels %v", len(kinds), kinds)
	return nil
}

// Initialized reports whether Init has run without Deinit.
func (s *Statis) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inited
}

// Enabled reports whether kind has queues.
func (s *Statis) Enabled(kind types.PathKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return kind.Valid() && s.channels[kind].enabled
}

func (s *Statis) channelLocked(kind types.PathKind) (*channel, error) {
	if !s.inited {
		return nil, ErrNotInitialized
	}
	if !kind.IsStatistics() || !s.channels[kind].enabled {
		return nil, fmt.Errorf("%w: %v", ErrDisabled, kind)
	}
	return &s.channels[kind], nil
}

// RegisterBuffers pins and maps the caller's buffers for kind. Every kind
// except PDAF is also mapped for the CPU, and embedded data is mapped for
// the CPU only. Buffers registered before an error stay registered.
func (s *Statis) RegisterBuffers(kind types.PathKind, bufs []UserBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, err := s.channelLocked(kind)
	if err != nil {
		return err
	}
	if ch.count+len(bufs) > MaxBuffers {
		return fmt.Errorf("%w: %v has %d, adding %d", ErrTooMany, kind, ch.count, len(bufs))
	}

	for _, ub := range bufs {
		key := registration{kind: kind, handle: ub.Handle, offset: ub.Offset}
		if _, ok := s.regs.Get(key); ok {
			return fmt.Errorf("%w: %v h=%d off=%#x", ErrDuplicate, kind, ub.Handle, ub.Offset)
		}
		if ch.reserved != nil && ub.Size > ch.reserved.Size {
			return fmt.Errorf("%w: %v size %d > %d", ErrReservedTooSmall, kind, ub.Size, ch.reserved.Size)
		}
		buf, err := s.attach(kind, ub)
		if err != nil {
			return err
		}
		key.buf = buf
		s.regs.ReplaceOrInsert(key)
		ch.count++
		if ub.Size > ch.largest {
			ch.largest = ub.Size
		}
		logger.Debug("Statis", "%v registered %v", kind, buf)
	}
	return nil
}

func (s *Statis) attach(kind types.PathKind, ub UserBuffer) (*iommu.Buffer, error) {
	m := s.deps.Mapper
	buf := iommu.NewBuffer(ub.Handle, ub.Offset, ub.Size)
	if err := m.Pin(buf); err != nil {
		return nil, fmt.Errorf("statis %v: %w", kind, err)
	}
	if kind.RequiresIOMMU() {
		if err := m.Map(buf); err != nil {
			m.Unpin(buf)
			return nil, fmt.Errorf("statis %v: %w", kind, err)
		}
	}
	if kind.CPUMapped() {
		if err := m.KMap(buf); err != nil {
			if buf.Mapped() {
				_ = m.Unmap(buf)
			}
			m.Unpin(buf)
			return nil, fmt.Errorf("statis %v: %w", kind, err)
		}
	}
	return buf, nil
}

func (s *Statis) detach(buf *iommu.Buffer) {
	m := s.deps.Mapper
	m.KUnmap(buf)
	if buf.Mapped() {
		if err := m.Unmap(buf); err != nil {
			logger.Warn("Statis", "unmap %v: %v", buf, err)
		}
	}
	m.Unpin(buf)
}

// Lookup returns the registered buffer matching (handle, offset).
func (s *Statis) Lookup(kind types.PathKind, handle int32, offset uint64) (*iommu.Buffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs.Get(registration{kind: kind, handle: handle, offset: offset})
	return r.buf, ok
}

// Registered returns the number of buffers registered for kind.
func (s *Statis) Registered(kind types.PathKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !kind.Valid() {
		return 0
	}
	return s.channels[kind].count
}

// RegisterSingle re-supplies one previously registered buffer to its
// channel's output queue.
func (s *Statis) RegisterSingle(kind types.PathKind, handle int32, offset uint64) error {
	s.mu.Lock()
	if _, err := s.channelLocked(kind); err != nil {
		s.mu.Unlock()
		return err
	}
	r, ok := s.regs.Get(registration{kind: kind, handle: handle, offset: offset})
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %v h=%d off=%#x", ErrNotRegistered, kind, handle, offset)
	}

	f, err := s.deps.Frames.Get()
	if err != nil {
		return fmt.Errorf("statis %v: %w", kind, err)
	}
	f.Format = types.FormatStats
	f.UserTag = uint64(uint32(handle))<<32 | offset&0xffffffff
	f.Backing = frame.Registered{Buf: r.buf}
	if err := s.deps.Paths.Path(kind).SupplyOutput(f); err != nil {
		s.deps.Frames.Put(f)
		return err
	}
	return nil
}

// Recycle puts a retired statistics frame straight back on its channel's
// output queue. Frames that are not registered buffers are refused.
func (s *Statis) Recycle(f *frame.Frame) error {
	if _, ok := f.Backing.(frame.Registered); !ok {
		return fmt.Errorf("statis recycle %v: not a registered buffer", f)
	}
	if !s.Enabled(f.Path) {
		return fmt.Errorf("%w: %v", ErrDisabled, f.Path)
	}
	f.FrameNum = 0
	return s.deps.Paths.Path(f.Path).SupplyOutput(f)
}

// SupplyAll hands every registered buffer of every channel to its output
// queue.
func (s *Statis) SupplyAll() error {
	s.mu.Lock()
	var regs []registration
	s.regs.Ascend(func(r registration) bool {
		regs = append(regs, r)
		return true
	})
	s.mu.Unlock()
	for _, r := range regs {
		if err := s.RegisterSingle(r.kind, r.handle, r.offset); err != nil {
			return err
		}
	}
	return nil
}

// Arm makes sure every enabled channel has its reserved buffer. The shared
// buffer of a channel is allocated the first time it is armed, at the size
// of the largest buffer registered so far, and kept until Deinit.
func (s *Statis) Arm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inited {
		return ErrNotInitialized
	}
	for k := types.PathKind(0); k < types.NumPathKinds; k++ {
		ch := &s.channels[k]
		if !ch.enabled {
			continue
		}
		if ch.reserved == nil {
			size := ch.largest
			if size < iommu.PageSize {
				size = iommu.PageSize
			}
			buf, err := s.deps.Mapper.Alloc(size)
			if err != nil {
				return fmt.Errorf("statis %v reserved: %w", k, err)
			}
			ch.reserved = buf
			logger.Debug("Statis", "%v reserved buffer %v", k, buf)
		}

		p := s.deps.Paths.Path(k)
		if p.Accounting().Reserved > 0 {
			continue
		}
		f, err := s.deps.Frames.Get()
		if err != nil {
			return fmt.Errorf("statis %v reserved: %w", k, err)
		}
		f.Format = types.FormatStats
		f.Backing = frame.Plain{Buf: ch.reserved}
		if err := p.SupplyReserved(f); err != nil {
			if f.Owner() == nil {
				s.deps.Frames.Put(f)
			}
			return err
		}
	}
	return nil
}

// ReservedSize returns the size of the shared reserved buffer of kind, or
// zero if it has not been allocated.
func (s *Statis) ReservedSize(kind types.PathKind) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !kind.Valid() || s.channels[kind].reserved == nil {
		return 0
	}
	return s.channels[kind].reserved.Size
}

// Deinit drains every channel, releases every registration and frees the
// reserved buffers.
func (s *Statis) Deinit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inited {
		return
	}
	for k := range s.channels {
		ch := &s.channels[k]
		if ch.enabled {
			s.deps.Paths.Path(types.PathKind(k)).Release()
		}
	}
	s.regs.Ascend(func(r registration) bool {
		s.detach(r.buf)
		return true
	})
	s.regs.Clear(false)
	for k := range s.channels {
		if buf := s.channels[k].reserved; buf != nil {
			s.deps.Mapper.Free(buf)
		}
		s.channels[k] = channel{}
	}
	s.inited = false
	logger.Info("Statis", "deinitialized")
}

// Package path manages one output or statistics channel of a session: its
// exclusive acquisition, its runtime configuration and the four frame queues
// that carry buffers to and from the hardware.
//
// Frames move out -> result when they are programmed, and result -> caller
// (or back to the reserved queue) when the hardware retires them. The
// reserved queue holds the fallback buffer the hardware writes into when the
// consumer has not supplied anything.
package path

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohae/deepcopy"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/iommu"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/pkg/types"
)

var (
	ErrAlreadyAcquired = errors.New("path: already acquired")
	ErrNotAcquired     = errors.New("path: not acquired")
	ErrNoBuffer        = errors.New("path: no buffer for hardware")
	ErrShutoff         = errors.New("path: shut off")
	ErrNothingInFlight = errors.New("path: nothing in flight")
	ErrBadBacking      = errors.New("path: unsupported frame backing")
)

// Deps are the shared services a path draws on.
type Deps struct {
	Frames *frame.Pool
	Mapper iommu.Mapper
}

// Capacity sizes the queues of a path. Reserved is also the fill depth the
// reserved queue is kept at.
type Capacity struct {
	Out      int `toml:"out" json:"out"`
	Result   int `toml:"result" json:"result"`
	Reserved int `toml:"reserved" json:"reserved"`
	Alt      int `toml:"alt" json:"alt"`
}

// DefaultCapacity returns the queue sizes used when none are configured.
func DefaultCapacity() Capacity {
	return Capacity{Out: 16, Result: 16, Reserved: 4, Alt: 8}
}

// BaseConfig takes effect as soon as it is set.
type BaseConfig struct {
	Format   types.Format `json:"format"`
	Pack     types.Pack   `json:"pack"`
	BitDepth int          `json:"bit_depth"`
	Compress bool         `json:"compress"`
	// UseAlt makes the hardware consume the alternate-format queue instead
	// of the output queue.
	UseAlt bool `json:"use_alt"`
}

// SizeConfig is geometry. It is staged and only applied by CommitSize, after
// the hardware has shadow-committed it.
type SizeConfig struct {
	Width  int        `json:"width"`
	Height int        `json:"height"`
	Crop   types.Rect `json:"crop"`
}

// Config is the complete configuration of a path.
type Config struct {
	Base   BaseConfig  `json:"base"`
	Size   SizeConfig  `json:"size"`
	Staged *SizeConfig `json:"staged,omitempty"`
}

// Accounting is a point-in-time view of where a path's frames are.
type Accounting struct {
	Out      int    `json:"out"`
	Result   int    `json:"result"`
	Reserved int    `json:"reserved"`
	Alt      int    `json:"alt"`
	Supplied uint64 `json:"supplied"`
	Retired  uint64 `json:"retired"`
}

// Queued returns the number of frames held in the four queues.
func (a Accounting) Queued() int {
	return a.Out + a.Result + a.Reserved + a.Alt
}

// Balanced reports whether every frame supplied is either still queued or
// was retired.
func (a Accounting) Balanced() bool {
	return uint64(a.Queued()) == a.Supplied-a.Retired
}

// Path is one channel of a session.
type Path struct {
	kind types.PathKind
	deps Deps
	warn *logger.Limited

	users atomic.Int32

	out      *frame.Queue
	result   *frame.Queue
	reserved *frame.Queue
	alt      *frame.Queue

	// mu is the state lock. It covers only the flags and configuration; the
	// queues carry their own locks.
	mu         sync.Mutex
	cfg        Config
	shutoff    bool
	sizeUpdate bool
	depth      int

	// flow serializes moves between queues that must look atomic to the
	// accounting: handing a frame to hardware and taking it back.
	flow sync.Mutex

	supplied atomic.Uint64
	retired  atomic.Uint64
}

// New returns an unacquired path of the given kind with empty queues.
func New(kind types.PathKind, deps Deps) *Path {
	p := &Path{
		kind: kind,
		deps: deps,
		warn: logger.RateLimited("Path", time.Second),
	}
	c := DefaultCapacity()
	p.out = frame.NewQueue(kind.String()+"/out", c.Out, p.destroy)
	p.result = frame.NewQueue(kind.String()+"/result", c.Result, p.destroy)
	p.reserved = frame.NewQueue(kind.String()+"/reserved", c.Reserved, p.destroy)
	p.alt = frame.NewQueue(kind.String()+"/alt", c.Alt, p.destroy)
	return p
}

// Kind returns the path kind.
func (p *Path) Kind() types.PathKind {
	return p.kind
}

// Acquired reports whether the path is held by a user.
func (p *Path) Acquired() bool {
	return p.users.Load() == 1
}

// Acquire takes the path for exclusive use and (re)initializes its queues.
func (p *Path) Acquire(c Capacity) error {
	if !p.users.CompareAndSwap(0, 1) {
		logger.Error("Path", "%v acquired twice", p.kind)
		return fmt.Errorf("%v: %w", p.kind, ErrAlreadyAcquired)
	}
	def := DefaultCapacity()
	if c.Out <= 0 {
		c.Out = def.Out
	}
	if c.Result <= 0 {
		c.Result = def.Result
	}
	if c.Reserved <= 0 {
		c.Reserved = def.Reserved
	}
	if c.Alt <= 0 {
		c.Alt = def.Alt
	}
	p.out.Init(c.Out, p.destroy)
	p.result.Init(c.Result, p.destroy)
	p.reserved.Init(c.Reserved, p.destroy)
	p.alt.Init(c.Alt, p.destroy)

	p.mu.Lock()
	p.depth = c.Reserved
	p.shutoff = false
	p.sizeUpdate = false
	p.mu.Unlock()
	p.supplied.Store(0)
	p.retired.Store(0)
	logger.Debug("Path", "%v acquired (out=%d result=%d reserved=%d alt=%d)",
		p.kind, c.Out, c.Result, c.Reserved, c.Alt)
	return nil
}

// Release drops the acquisition and tears down every queued frame. Releasing
// a path that is not acquired does nothing.
func (p *Path) Release() {
	if !p.users.CompareAndSwap(1, 0) {
		logger.Warn("Path", "%v released while not acquired", p.kind)
		return
	}
	p.flow.Lock()
	n := p.out.Clear() + p.alt.Clear() + p.result.Clear() + p.reserved.Clear()
	p.flow.Unlock()
	p.retired.Add(uint64(n))

	p.mu.Lock()
	p.shutoff = false
	p.sizeUpdate = false
	p.cfg.Staged = nil
	p.mu.Unlock()
	logger.Debug("Path", "%v released, %d frames destroyed", p.kind, n)
}

// destroy returns a frame that is leaving the path for good to the empty
// frame pool, dropping whatever mapping it owns.
func (p *Path) destroy(f *frame.Frame) {
	switch b := f.Backing.(type) {
	case frame.Plain:
		p.unmap(b.Buf)
	case frame.Owned:
		p.unmap(b.Buf)
	case frame.Alias, frame.Registered, nil:
	}
	p.deps.Frames.Put(f)
}

func (p *Path) unmap(b *iommu.Buffer) {
	if b == nil || !b.Mapped() {
		return
	}
	if err := p.deps.Mapper.Unmap(b); err != nil {
		logger.Warn("Path", "%v: unmap %v: %v", p.kind, b, err)
	}
}

func (p *Path) checkAcquired() error {
	if !p.Acquired() {
		logger.Error("Path", "%v used before acquire", p.kind)
		return fmt.Errorf("%v: %w", p.kind, ErrNotAcquired)
	}
	return nil
}

// ConfigureBase applies format, packing and compression settings.
func (p *Path) ConfigureBase(b BaseConfig) error {
	if err := p.checkAcquired(); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg.Base = b
	p.mu.Unlock()
	return nil
}

// ConfigureSize stages new geometry. It becomes current at CommitSize.
func (p *Path) ConfigureSize(s SizeConfig) error {
	if err := p.checkAcquired(); err != nil {
		return err
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("%v: bad size %dx%d", p.kind, s.Width, s.Height)
	}
	p.mu.Lock()
	p.cfg.Staged = &s
	p.sizeUpdate = true
	p.mu.Unlock()
	return nil
}

// SizeUpdatePending reports whether staged geometry awaits a commit.
func (p *Path) SizeUpdatePending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sizeUpdate
}

// CommitSize makes staged geometry current. It is called once the hardware
// has force-copied the new settings and reports whether anything changed.
func (p *Path) CommitSize() (SizeConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.sizeUpdate || p.cfg.Staged == nil {
		return p.cfg.Size, false
	}
	p.cfg.Size = *p.cfg.Staged
	p.cfg.Staged = nil
	p.sizeUpdate = false
	return p.cfg.Size, true
}

// Config returns a copy of the configuration.
func (p *Path) Config() Config {
	return p.Snapshot()
}

// Snapshot returns a deep copy of the configuration, detached from the path.
func (p *Path) Snapshot() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return deepcopy.Copy(p.cfg).(Config)
}

// Restore reinstates a snapshot. The snapshot's current size is staged again
// so that the next start re-commits it to the hardware.
func (p *Path) Restore(c Config) error {
	if err := p.checkAcquired(); err != nil {
		return err
	}
	c = deepcopy.Copy(c).(Config)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Base = c.Base
	p.cfg.Size = c.Size
	staged := c.Size
	if c.Staged != nil {
		staged = *c.Staged
	}
	if staged.Width > 0 && staged.Height > 0 {
		p.cfg.Staged = &staged
		p.sizeUpdate = true
	}
	return nil
}

// SetShutoff stops (or resumes) programming this path without releasing it.
func (p *Path) SetShutoff(off bool) {
	p.mu.Lock()
	p.shutoff = off
	p.mu.Unlock()
}

// Shutoff reports whether the path is shut off.
func (p *Path) Shutoff() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutoff
}

// ReservedDepth returns the fill depth of the reserved queue.
func (p *Path) ReservedDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.depth
}

// SupplyOutput hands a caller buffer to the path. The buffer is mapped for
// the device unless the path does not need it or it is mapped already. On
// failure the frame stays with the caller and is left unmapped.
func (p *Path) SupplyOutput(f *frame.Frame) error {
	return p.supply(p.out, f)
}

// SupplyAlt is SupplyOutput for the alternate-format queue.
func (p *Path) SupplyAlt(f *frame.Frame) error {
	return p.supply(p.alt, f)
}

func (p *Path) supply(q *frame.Queue, f *frame.Frame) error {
	if err := p.checkAcquired(); err != nil {
		return err
	}
	var buf *iommu.Buffer
	backing := f.Backing
	switch b := backing.(type) {
	case frame.Plain:
		buf = b.Buf
	case frame.Registered:
		buf = b.Buf
	case frame.Owned:
		// Stays owned by the caller until the frame is queued.
		buf = b.Buf
	default:
		return fmt.Errorf("%v: %w: %T", p.kind, ErrBadBacking, f.Backing)
	}
	if buf == nil {
		return fmt.Errorf("%v: %w: no buffer", p.kind, ErrBadBacking)
	}

	mapped := false
	if p.kind.RequiresIOMMU() && !buf.Mapped() {
		if err := p.deps.Mapper.Map(buf); err != nil {
			return fmt.Errorf("%v: map %v: %w", p.kind, buf, err)
		}
		mapped = true
	}
	prevPath := f.Path
	f.Path = p.kind
	if _, owned := backing.(frame.Owned); owned {
		f.Backing = frame.Plain{Buf: buf}
	}
	if err := q.Enqueue(f); err != nil {
		f.Path, f.Backing = prevPath, backing
		if mapped {
			p.unmap(buf)
		}
		p.warn.Warn("%v: supply to %s: %v", p.kind, q.Name(), err)
		return err
	}
	p.supplied.Add(1)
	return nil
}

// SupplyReserved installs the fallback buffer. The buffer is mapped onto a
// single page so it absorbs a write of any size, and the reserved queue is
// filled to its depth with aliases sharing it.
func (p *Path) SupplyReserved(f *frame.Frame) error {
	if err := p.checkAcquired(); err != nil {
		return err
	}
	buf := f.Buffer()
	if buf == nil {
		return fmt.Errorf("%v: %w: reserved frame without buffer", p.kind, ErrBadBacking)
	}
	mapped := false
	if !buf.Mapped() {
		if err := p.deps.Mapper.MapSinglePage(buf); err != nil {
			return fmt.Errorf("%v: map reserved %v: %w", p.kind, buf, err)
		}
		mapped = true
	}
	f.Path = p.kind
	f.Backing = frame.Owned{Buf: buf}

	p.flow.Lock()
	defer p.flow.Unlock()
	if err := p.reserved.Enqueue(f); err != nil {
		if mapped {
			p.unmap(buf)
		}
		f.Backing = frame.Plain{Buf: buf}
		return fmt.Errorf("%v: reserved: %w", p.kind, err)
	}
	p.supplied.Add(1)

	for p.reserved.Len() < p.ReservedDepth() {
		if err := p.addAliasLocked(f); err != nil {
			return err
		}
	}
	return nil
}

func (p *Path) addAliasLocked(src *frame.Frame) error {
	a, err := p.deps.Frames.AliasOf(src)
	if err != nil {
		return fmt.Errorf("%v: reserved alias: %w", p.kind, err)
	}
	if err := p.reserved.Enqueue(a); err != nil {
		p.deps.Frames.Put(a)
		return fmt.Errorf("%v: reserved alias: %w", p.kind, err)
	}
	p.supplied.Add(1)
	return nil
}

// NextForHardware picks the buffer the hardware writes next and moves it to
// the result queue. When the consumer has nothing queued a reserved buffer
// is used, and the reserved queue is topped up with a fresh alias.
func (p *Path) NextForHardware() (*frame.Frame, error) {
	p.mu.Lock()
	off, useAlt := p.shutoff, p.cfg.Base.UseAlt
	p.mu.Unlock()
	if off {
		return nil, ErrShutoff
	}
	if !p.Acquired() {
		return nil, fmt.Errorf("%v: %w", p.kind, ErrNotAcquired)
	}

	p.flow.Lock()
	defer p.flow.Unlock()
	if p.result.Len() >= p.result.Cap() {
		return nil, fmt.Errorf("%v: result: %w", p.kind, frame.ErrQueueFull)
	}

	src := p.out
	if useAlt {
		src = p.alt
	}
	f, ok := src.Dequeue()
	fromReserved := false
	if !ok {
		if f, ok = p.reserved.Dequeue(); !ok {
			return nil, fmt.Errorf("%v: %w", p.kind, ErrNoBuffer)
		}
		fromReserved = true
	}
	if err := p.result.Enqueue(f); err != nil {
		// Capacity was checked under flow; only a foreign owner gets here.
		p.warn.Error("%v: %v lost to result queue: %v", p.kind, f, err)
		return nil, err
	}
	if fromReserved {
		if err := p.addAliasLocked(f); err != nil {
			p.warn.Warn("%v: reserved refill: %v", p.kind, err)
		}
	}
	return f, nil
}

// Unprogram undoes the NextForHardware that produced f after the hardware
// refused it. f must still be the newest frame in the result queue. It goes
// back to the head of the queue it came from. Frames that no longer fit,
// because a supply filled the queue in the meantime, are returned and the
// caller hands them back with Return.
func (p *Path) Unprogram(f *frame.Frame) ([]*frame.Frame, error) {
	p.mu.Lock()
	useAlt := p.cfg.Base.UseAlt
	p.mu.Unlock()

	p.flow.Lock()
	defer p.flow.Unlock()
	tail, ok := p.result.DequeueTail()
	if !ok {
		return nil, fmt.Errorf("%v: unprogram %v: %w", p.kind, f, ErrNothingInFlight)
	}
	if tail != f {
		_ = p.result.Enqueue(tail)
		return nil, fmt.Errorf("%v: unprogram %v: newest in flight is %v", p.kind, f, tail)
	}
	if f.IsReserved() {
		p.recycleReservedLocked(f)
		return nil, nil
	}

	src := p.out
	if useAlt {
		src = p.alt
	}
	var back []*frame.Frame
	for _, q := range append([]*frame.Frame{f}, src.Drain()...) {
		if err := src.Enqueue(q); err != nil {
			p.warn.Warn("%v: requeue %v: %v", p.kind, q, err)
			p.retired.Add(1)
			back = append(back, q)
		}
	}
	return back, nil
}

// Retire takes the oldest in-flight frame back from the hardware. A reserved
// frame goes back to the reserved queue and nil is returned; anything else
// leaves the path and is handed to the caller, who must pass it to Return
// once done.
func (p *Path) Retire() (*frame.Frame, error) {
	p.flow.Lock()
	defer p.flow.Unlock()
	f, ok := p.result.Dequeue()
	if !ok {
		return nil, fmt.Errorf("%v: %w", p.kind, ErrNothingInFlight)
	}
	if f.IsReserved() {
		p.recycleReservedLocked(f)
		return nil, nil
	}
	p.retired.Add(1)
	return f, nil
}

// recycleReservedLocked puts a reserved frame back. When the queue is
// already at depth an alias is surplus and dropped; the owning frame always
// stays, displacing an alias if it must.
func (p *Path) recycleReservedLocked(f *frame.Frame) {
	if err := p.reserved.Enqueue(f); err == nil {
		return
	}
	if _, owned := f.Backing.(frame.Owned); owned {
		if tail, ok := p.reserved.DequeueTail(); ok {
			if err := p.reserved.Enqueue(f); err == nil {
				f = tail
			} else {
				_ = p.reserved.Enqueue(tail)
			}
		}
	}
	p.retired.Add(1)
	p.destroy(f)
}

// Return releases a frame previously handed out by Retire or RequeueInFlight.
func (p *Path) Return(f *frame.Frame) {
	if f != nil {
		p.destroy(f)
	}
}

// RequeueInFlight takes back every frame the hardware still holds, after a
// stop. Frames flagged ReturnToCaller are handed back; reserved frames go to
// the reserved queue; the rest are put ahead of the queued output buffers so
// they are programmed first on the next start.
func (p *Path) RequeueInFlight() []*frame.Frame {
	p.flow.Lock()
	defer p.flow.Unlock()

	p.mu.Lock()
	useAlt := p.cfg.Base.UseAlt
	p.mu.Unlock()
	dst := p.out
	if useAlt {
		dst = p.alt
	}

	inflight := p.result.Drain()
	pending := dst.Drain()
	var back, requeue []*frame.Frame
	for _, f := range inflight {
		switch {
		case f.IsReserved():
			p.recycleReservedLocked(f)
		case f.ReturnToCaller:
			p.retired.Add(1)
			back = append(back, f)
		default:
			requeue = append(requeue, f)
		}
	}
	requeue = append(requeue, pending...)

	for _, f := range requeue {
		if err := dst.Enqueue(f); err != nil {
			p.warn.Warn("%v: requeue %v: %v", p.kind, f, err)
			p.retired.Add(1)
			back = append(back, f)
		}
	}
	return back
}

// Accounting returns where the path's frames currently are.
func (p *Path) Accounting() Accounting {
	p.flow.Lock()
	defer p.flow.Unlock()
	return Accounting{
		Out:      p.out.Len(),
		Result:   p.result.Len(),
		Reserved: p.reserved.Len(),
		Alt:      p.alt.Len(),
		Supplied: p.supplied.Load(),
		Retired:  p.retired.Load(),
	}
}

// InFlight returns the number of frames programmed into the hardware.
func (p *Path) InFlight() int {
	return p.result.Len()
}

// Pending returns the number of buffers waiting in the output queue.
func (p *Path) Pending() int {
	return p.out.Len()
}

// Ready returns the number of caller buffers waiting for the hardware in the
// queue it currently consumes.
func (p *Path) Ready() int {
	p.mu.Lock()
	useAlt := p.cfg.Base.UseAlt
	p.mu.Unlock()
	if useAlt {
		return p.alt.Len()
	}
	return p.out.Len()
}

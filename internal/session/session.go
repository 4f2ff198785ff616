// Package session implements the software context of one logical capture
// pipeline: its paths, its parameter blocks and the state machine that binds
// it to a hardware context while it runs.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/events"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/hal"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/hwctx"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/iommu"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/path"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/statis"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/pkg/types"
)

// State is the session state.
type State int

const (
	StateInit State = iota
	StateIdle
	StateRunning
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateRecovering:
		return "recovering"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrBadState    = errors.New("session: operation not allowed in current state")
	ErrClosed      = errors.New("session: closed")
	ErrNoSequencer = errors.New("session: slow motion needs a command sequencer")
	ErrBadScene    = errors.New("session: bad scene index")
	ErrBadPath     = errors.New("session: bad path kind")
)

// NoHW is the hardware index of an unbound session.
const NoHW = -1

// ScratchSize is the size of a parameter block's scratch buffer.
const ScratchSize = 16 << 10

// Barrier is the read side of the device's recovery lock.
type Barrier interface {
	RLock()
	RUnlock()
}

type noBarrier struct{}

func (noBarrier) RLock()   {}
func (noBarrier) RUnlock() {}

// Deps are the device-wide services a session uses.
type Deps struct {
	HAL       hal.HAL
	Sequencer hal.Sequencer
	Contexts  *hwctx.Pool
	Frames    *frame.Pool
	Mapper    iommu.Mapper
	Barrier   Barrier
	Handler   events.Handler
	Donor     events.BufferDonor
	Metrics   *metrics.Metrics

	// Escalate is called, on its own goroutine, when the hardware reports a
	// fault that needs a global recovery.
	Escalate func(cause error)

	Retry    hwctx.RetryPolicy
	Capacity path.Capacity
	// StatsDepth is the reserved fill depth of statistics channels.
	StatsDepth int
	// IRQBacklog is the number of interrupts queued for the worker before
	// further ones are dropped.
	IRQBacklog int
	// RecycleStats puts statistics buffers straight back after delivery.
	RecycleStats bool
}

// StartOptions select how a session is bound and started.
type StartOptions struct {
	// FixedHW names the hardware context to bind to, or NoHW to let the
	// pool choose.
	FixedHW int `json:"fixed_hw"`
	// Lane is the scan hint of a dynamic bind.
	Lane   int  `json:"lane"`
	Online bool `json:"online"`
	// SlowMotion is the number of frames per interrupt. More than one
	// needs a context with a command sequencer.
	SlowMotion int `json:"slow_motion"`
}

// StopOptions select how a session stops.
type StopOptions struct {
	// Pause keeps the hardware binding for a fast Resume.
	Pause bool
}

type paramBlock struct {
	users   int
	scratch *iommu.Buffer
}

type irqSink struct {
	ch chan hal.IRQ
}

// Session is one software context.
type Session struct {
	idx    int
	deps   Deps
	paths  [types.NumPathKinds]*path.Path
	statis *statis.Statis
	warn   *logger.Limited

	mu     sync.Mutex
	state  State
	hw     int
	paused bool
	opts   StartOptions
	blocks [hwctx.MaxScenes]paramBlock
	closed bool

	// prog keeps the order buffers are programmed in the same as the order
	// they enter the result queue when the worker and a control call both
	// program a path.
	prog sync.Mutex

	sink   atomic.Pointer[irqSink]
	cancel context.CancelFunc
	done   chan struct{}

	frameNum  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	returned  atomic.Uint64
	irqDrops  atomic.Uint64
	faults    atomic.Uint64
}

// New returns a session in the init state with an unacquired path of every
// kind.
func New(idx int, deps Deps) *Session {
	if deps.Barrier == nil {
		deps.Barrier = noBarrier{}
	}
	if deps.Handler == nil {
		deps.Handler = events.Discard
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.IRQBacklog <= 0 {
		deps.IRQBacklog = 64
	}
	s := &Session{
		idx:  idx,
		deps: deps,
		hw:   NoHW,
		warn: logger.RateLimited(fmt.Sprintf("Session%d", idx), time.Second),
	}
	pd := path.Deps{Frames: deps.Frames, Mapper: deps.Mapper}
	for k := range s.paths {
		s.paths[k] = path.New(types.PathKind(k), pd)
	}
	s.statis = statis.New(statis.Deps{
		Paths:  s,
		Frames: deps.Frames,
		Mapper: deps.Mapper,
		Depth:  deps.StatsDepth,
	})
	return s
}

// Index returns the session index.
func (s *Session) Index() int {
	return s.idx
}

// Path returns the path of kind, or nil for an invalid kind.
func (s *Session) Path(kind types.PathKind) *path.Path {
	if !kind.Valid() {
		return nil
	}
	return s.paths[kind]
}

// Statis returns the statistics subsystem.
func (s *Session) Statis() *statis.Statis {
	return s.statis
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HW returns the bound hardware context, or NoHW.
func (s *Session) HW() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hw
}

// lock takes the barrier read side and the session lock.
func (s *Session) lock() func() {
	s.deps.Barrier.RLock()
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		s.deps.Barrier.RUnlock()
	}
}

// Open moves a fresh session to idle. The main scene's parameter block is
// set up here and lives until Close.
func (s *Session) Open() error {
	unlock := s.lock()
	defer unlock()
	if s.closed {
		return ErrClosed
	}
	if s.state != StateInit {
		return fmt.Errorf("%w: open in %v", ErrBadState, s.state)
	}
	if err := s.getBlockLocked(0); err != nil {
		return err
	}
	s.state = StateIdle
	logger.Debug("Session", "session %d opened", s.idx)
	return nil
}

// Close stops the session if needed and releases everything it holds.
func (s *Session) Close() {
	unlock := s.lock()
	defer unlock()
	if s.closed {
		return
	}
	if s.state == StateRunning {
		s.haltLocked(types.StopNormal, true)
	}
	if s.hw != NoHW {
		s.unbindLocked()
	}
	s.statis.Deinit()
	for _, p := range s.paths {
		if p.Acquired() {
			p.Release()
		}
	}
	for i := range s.blocks {
		for s.blocks[i].users > 0 {
			s.putBlockLocked(i)
		}
	}
	s.state = StateInit
	s.closed = true
	logger.Debug("Session", "session %d closed", s.idx)
}

func (s *Session) checkOpenLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.state == StateInit {
		return fmt.Errorf("%w: session %d not open", ErrBadState, s.idx)
	}
	return nil
}

func (s *Session) pathLocked(kind types.PathKind) (*path.Path, error) {
	if err := s.checkOpenLocked(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrBadPath, kind)
	}
	return s.paths[kind], nil
}

// AcquirePath takes an output path for this session. Statistics channels
// are acquired through InitStatis.
func (s *Session) AcquirePath(kind types.PathKind) error {
	unlock := s.lock()
	defer unlock()
	p, err := s.pathLocked(kind)
	if err != nil {
		return err
	}
	if kind.IsStatistics() {
		return fmt.Errorf("%w: %v is a statistics channel", ErrBadPath, kind)
	}
	return p.Acquire(s.deps.Capacity)
}

// ReleasePath releases an output path. The session must not be running.
// Statistics channels are released with the session.
func (s *Session) ReleasePath(kind types.PathKind) error {
	unlock := s.lock()
	defer unlock()
	p, err := s.pathLocked(kind)
	if err != nil {
		return err
	}
	if kind.IsStatistics() {
		return fmt.Errorf("%w: %v is a statistics channel", ErrBadPath, kind)
	}
	if s.state == StateRunning {
		return fmt.Errorf("%w: release %v while running", ErrBadState, kind)
	}
	p.Release()
	return nil
}

// ConfigureBase sets the immediate configuration of a path.
func (s *Session) ConfigureBase(kind types.PathKind, b path.BaseConfig) error {
	unlock := s.lock()
	defer unlock()
	p, err := s.pathLocked(kind)
	if err != nil {
		return err
	}
	return p.ConfigureBase(b)
}

// ConfigureSize stages geometry for a path. A running session commits it at
// once through a force-copy.
func (s *Session) ConfigureSize(kind types.PathKind, sz path.SizeConfig) error {
	unlock := s.lock()
	defer unlock()
	p, err := s.pathLocked(kind)
	if err != nil {
		return err
	}
	if err := p.ConfigureSize(sz); err != nil {
		return err
	}
	if s.state == StateRunning {
		return s.commitSizesLocked(s.hw)
	}
	return nil
}

// SetShutoff suppresses or re-enables programming of a path.
func (s *Session) SetShutoff(kind types.PathKind, off bool) error {
	unlock := s.lock()
	defer unlock()
	p, err := s.pathLocked(kind)
	if err != nil {
		return err
	}
	p.SetShutoff(off)
	return nil
}

// SupplyOutput queues a caller buffer on a path. If the session is running
// and the hardware holds nothing for that path, the buffer is programmed
// straight away.
func (s *Session) SupplyOutput(kind types.PathKind, f *frame.Frame) error {
	unlock := s.lock()
	defer unlock()
	p, err := s.pathLocked(kind)
	if err != nil {
		return err
	}
	if err := p.SupplyOutput(f); err != nil {
		return err
	}
	s.kickLocked(p)
	return nil
}

// SupplyReserved installs the reserved fallback buffer of an output path.
func (s *Session) SupplyReserved(kind types.PathKind, f *frame.Frame) error {
	unlock := s.lock()
	defer unlock()
	p, err := s.pathLocked(kind)
	if err != nil {
		return err
	}
	return p.SupplyReserved(f)
}

// InitStatis acquires the statistics channels enabled by t.
func (s *Session) InitStatis(t statis.Tuning) error {
	unlock := s.lock()
	defer unlock()
	if err := s.checkOpenLocked(); err != nil {
		return err
	}
	if s.state == StateRunning {
		return fmt.Errorf("%w: statistics init while running", ErrBadState)
	}
	return s.statis.Init(t)
}

// RegisterStatis registers caller statistics buffers and queues them.
func (s *Session) RegisterStatis(kind types.PathKind, bufs []statis.UserBuffer) error {
	unlock := s.lock()
	defer unlock()
	if err := s.checkOpenLocked(); err != nil {
		return err
	}
	if err := s.statis.RegisterBuffers(kind, bufs); err != nil {
		return err
	}
	for _, b := range bufs {
		if err := s.statis.RegisterSingle(kind, b.Handle, b.Offset); err != nil {
			return err
		}
	}
	s.kickLocked(s.paths[kind])
	return nil
}

// kickLocked programs p when the session runs and the hardware holds nothing
// for it. The buffer stays queued if the hardware refuses it.
func (s *Session) kickLocked(p *path.Path) {
	if s.state != StateRunning || !p.Acquired() || p.InFlight() > 0 {
		return
	}
	if _, err := s.programNext(s.hw, p); err != nil {
		logger.Warn("Session", "%v", err)
	}
}

// ResupplyStatis hands one registered statistics buffer back to its channel.
func (s *Session) ResupplyStatis(kind types.PathKind, handle int32, offset uint64) error {
	unlock := s.lock()
	defer unlock()
	if err := s.checkOpenLocked(); err != nil {
		return err
	}
	if err := s.statis.RegisterSingle(kind, handle, offset); err != nil {
		return err
	}
	s.kickLocked(s.paths[kind])
	return nil
}

// AcquireScene takes a reference on the parameter block of an auxiliary
// scene, setting it up on first use.
func (s *Session) AcquireScene(scene int) error {
	unlock := s.lock()
	defer unlock()
	if err := s.checkOpenLocked(); err != nil {
		return err
	}
	if scene < 1 || scene >= hwctx.MaxScenes {
		return fmt.Errorf("%w: %d", ErrBadScene, scene)
	}
	if err := s.getBlockLocked(scene); err != nil {
		return err
	}
	if s.hw != NoHW {
		return s.deps.Contexts.SetSceneBlock(s.idx, s.hw, scene, scene)
	}
	return nil
}

// ReleaseScene drops a reference on an auxiliary scene's parameter block.
func (s *Session) ReleaseScene(scene int) error {
	unlock := s.lock()
	defer unlock()
	if err := s.checkOpenLocked(); err != nil {
		return err
	}
	if scene < 1 || scene >= hwctx.MaxScenes || s.blocks[scene].users == 0 {
		return fmt.Errorf("%w: %d", ErrBadScene, scene)
	}
	s.putBlockLocked(scene)
	if s.blocks[scene].users == 0 && s.hw != NoHW {
		return s.deps.Contexts.SetSceneBlock(s.idx, s.hw, scene, hwctx.NoBlock)
	}
	return nil
}

// SceneUsers returns the reference count of a scene's parameter block.
func (s *Session) SceneUsers(scene int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if scene < 0 || scene >= hwctx.MaxScenes {
		return 0
	}
	return s.blocks[scene].users
}

func (s *Session) getBlockLocked(i int) error {
	b := &s.blocks[i]
	if b.users == 0 {
		buf, err := s.deps.Mapper.Alloc(ScratchSize)
		if err != nil {
			return fmt.Errorf("scene %d scratch: %w", i, err)
		}
		if err := s.deps.Mapper.Map(buf); err != nil {
			s.deps.Mapper.Free(buf)
			return fmt.Errorf("scene %d scratch: %w", i, err)
		}
		b.scratch = buf
	}
	b.users++
	return nil
}

func (s *Session) putBlockLocked(i int) {
	b := &s.blocks[i]
	if b.users == 0 {
		return
	}
	b.users--
	if b.users == 0 {
		s.deps.Mapper.Free(b.scratch)
		b.scratch = nil
	}
}

// Start binds the session to a hardware context, programs every acquired
// path and starts capture. A paused session restarts on the context it kept.
func (s *Session) Start(ctx context.Context, opts StartOptions) error {
	unlock := s.lock()
	defer unlock()
	if err := s.checkOpenLocked(); err != nil {
		return err
	}
	if s.state != StateIdle {
		return fmt.Errorf("%w: start in %v", ErrBadState, s.state)
	}
	if s.paused {
		return s.resumeLocked()
	}
	if opts.SlowMotion > 1 && s.deps.Sequencer == nil {
		return ErrNoSequencer
	}

	hw, err := s.bindLocked(ctx, opts)
	if err != nil {
		return err
	}
	s.hw = hw
	s.opts = opts
	if err := s.runLocked(); err != nil {
		s.unbindLocked()
		return err
	}
	logger.Info("Session", "session %d running on context %d", s.idx, hw)
	return nil
}

// Resume restarts a paused session on the context it kept.
func (s *Session) Resume(ctx context.Context) error {
	unlock := s.lock()
	defer unlock()
	if err := s.checkOpenLocked(); err != nil {
		return err
	}
	if s.state != StateIdle || !s.paused {
		return fmt.Errorf("%w: resume in %v (paused=%v)", ErrBadState, s.state, s.paused)
	}
	return s.resumeLocked()
}

func (s *Session) resumeLocked() error {
	if err := s.runLocked(); err != nil {
		return err
	}
	s.paused = false
	logger.Info("Session", "session %d resumed on context %d", s.idx, s.hw)
	return nil
}

func (s *Session) bindLocked(ctx context.Context, opts StartOptions) (int, error) {
	mode := "dynamic"
	bind := func() (int, error) {
		return s.deps.Contexts.BindDynamic(s.idx, opts.Lane, opts.SlowMotion > 1)
	}
	if opts.FixedHW != NoHW {
		mode = "fixed"
		bind = func() (int, error) {
			return s.deps.Contexts.BindFixed(s.idx, opts.FixedHW)
		}
	}
	hw, err := hwctx.BindWithRetry(ctx, s.deps.Retry, bind)
	s.deps.Metrics.ObserveBind(mode, err)
	if err != nil {
		return NoHW, fmt.Errorf("session %d: %w", s.idx, err)
	}
	return hw, nil
}

func (s *Session) unbindLocked() {
	if s.hw == NoHW {
		return
	}
	if _, err := s.deps.Contexts.Unbind(s.idx, s.hw); err != nil {
		logger.Error("Session", "session %d: %v", s.idx, err)
	}
	s.hw = NoHW
	s.paused = false
}

// runLocked programs the bound context and starts it.
func (s *Session) runLocked() error {
	hw := s.hw
	if err := s.programLocked(hw); err != nil {
		_ = s.deps.HAL.Reset(hw)
		s.requeueLocked()
		return err
	}
	s.startWorker(hw)

	var err error
	if s.opts.SlowMotion > 1 {
		err = s.deps.Sequencer.StartSequencer(hw, s.opts.SlowMotion)
	} else {
		err = s.deps.HAL.Start(hw, s.opts.Online)
	}
	if err != nil {
		s.stopWorker()
		_ = s.deps.HAL.Reset(hw)
		s.requeueLocked()
		return fmt.Errorf("session %d start on context %d: %w", s.idx, hw, err)
	}
	s.state = StateRunning
	s.deps.Metrics.Starts.Add(1)
	return nil
}

func (s *Session) programLocked(hw int) error {
	if err := s.deps.Contexts.SetSceneBlock(s.idx, hw, 0, 0); err != nil {
		return err
	}
	for scene := 1; scene < hwctx.MaxScenes; scene++ {
		if s.blocks[scene].users > 0 {
			if err := s.deps.Contexts.SetSceneBlock(s.idx, hw, scene, scene); err != nil {
				return err
			}
		}
	}
	err := s.deps.HAL.ConfigureCapture(hw, hal.CaptureParams{
		Session:    s.idx,
		Online:     s.opts.Online,
		SlowMotion: s.opts.SlowMotion,
		SceneBlock: 0,
	})
	if err != nil {
		return fmt.Errorf("session %d configure context %d: %w", s.idx, hw, err)
	}
	if err := s.commitSizesLocked(hw); err != nil {
		return err
	}
	if s.statis.Initialized() {
		if err := s.statis.Arm(); err != nil {
			return err
		}
	}

	for _, p := range s.paths {
		if !p.Acquired() || p.Shutoff() {
			continue
		}
		if err := s.deps.HAL.ProgramPath(hw, p.Kind(), configParams(p)); err != nil {
			return fmt.Errorf("session %d program %v: %w", s.idx, p.Kind(), err)
		}
		for {
			ok, err := s.programNext(hw, p)
			if err != nil {
				return err
			}
			if !ok || p.Ready() == 0 {
				break
			}
		}
	}
	return nil
}

// commitSizesLocked force-copies staged geometry and marks it applied.
func (s *Session) commitSizesLocked(hw int) error {
	var kinds []types.PathKind
	for _, p := range s.paths {
		if p.Acquired() && p.SizeUpdatePending() {
			kinds = append(kinds, p.Kind())
		}
	}
	if len(kinds) == 0 {
		return nil
	}
	if err := s.deps.HAL.ForceCopy(hw, hal.MaskOf(kinds...)); err != nil {
		return fmt.Errorf("session %d force copy: %w", s.idx, err)
	}
	for _, k := range kinds {
		sz, _ := s.paths[k].CommitSize()
		logger.Debug("Session", "session %d %v size %dx%d applied", s.idx, k, sz.Width, sz.Height)
	}
	return nil
}

func configParams(p *path.Path) hal.PathParams {
	c := p.Config()
	return hal.PathParams{
		Width:    c.Size.Width,
		Height:   c.Size.Height,
		Format:   c.Base.Format,
		Pack:     c.Base.Pack,
		Crop:     c.Size.Crop,
		Compress: c.Base.Compress,
	}
}

// addrOf returns the address the hardware writes f to. Buffers the CPU
// copies out (embedded data) have no device address; they are identified by
// handle and offset instead.
func addrOf(f *frame.Frame) uint64 {
	buf := f.Buffer()
	if buf == nil {
		return 0
	}
	if iova, ok := buf.IOVA(); ok {
		return iova
	}
	return 1<<63 | uint64(uint32(buf.Handle))<<24 | buf.Offset&0xffffff
}

// programNext hands the next buffer of p to the hardware. It reports whether
// a buffer was programmed. Having nothing to program is not an error; a
// buffer the hardware refuses is put back where it came from and the error
// returned.
func (s *Session) programNext(hw int, p *path.Path) (bool, error) {
	s.prog.Lock()
	defer s.prog.Unlock()
	if p.Ready() == 0 && s.deps.Donor != nil && !p.Kind().IsStatistics() {
		if f, ok := s.deps.Donor.DonateBuffer(s.idx, p.Kind()); ok {
			if err := p.SupplyOutput(f); err != nil {
				s.warn.Warn("donated buffer for %v refused: %v", p.Kind(), err)
				s.deps.Frames.Put(f)
			}
		}
	}
	f, err := p.NextForHardware()
	if err != nil {
		if !errors.Is(err, path.ErrShutoff) {
			s.warn.Warn("%v: nothing to program: %v", p.Kind(), err)
		}
		return false, nil
	}
	c := p.Config()
	err = s.deps.HAL.ProgramPath(hw, p.Kind(), hal.PathParams{
		Addr:     addrOf(f),
		FrameID:  f.ID,
		Width:    c.Size.Width,
		Height:   c.Size.Height,
		Format:   c.Base.Format,
		Pack:     c.Base.Pack,
		Crop:     c.Size.Crop,
		Compress: c.Base.Compress,
	})
	if err != nil {
		s.warn.Error("%v: program %v: %v", p.Kind(), f, err)
		back, uerr := p.Unprogram(f)
		if uerr != nil {
			logger.Error("Session", "session %d: %v", s.idx, uerr)
		}
		for _, b := range back {
			s.handBack(p, b, events.ReturnDropped)
		}
		return false, fmt.Errorf("session %d program %v on context %d: %w", s.idx, p.Kind(), hw, err)
	}
	return true, nil
}

// Stop halts capture. Frames the hardware still held are requeued or handed
// back, and the binding is released unless opts.Pause is set.
func (s *Session) Stop(ctx context.Context, opts StopOptions) error {
	unlock := s.lock()
	defer unlock()
	if err := s.checkOpenLocked(); err != nil {
		return err
	}
	if s.state != StateRunning {
		return fmt.Errorf("%w: stop in %v", ErrBadState, s.state)
	}
	reason := types.StopNormal
	if opts.Pause {
		reason = types.StopPause
	}
	s.haltLocked(reason, true)
	if opts.Pause {
		s.paused = true
	} else {
		s.unbindLocked()
	}
	s.state = StateIdle
	s.deps.Metrics.Stops.Add(1)
	logger.Info("Session", "session %d stopped (%v)", s.idx, reason)
	return nil
}

// haltLocked stops the hardware, then the worker, resets the context and
// takes back every frame in flight.
func (s *Session) haltLocked(reason types.StopReason, reset bool) {
	hw := s.hw
	if s.opts.SlowMotion > 1 && s.deps.Sequencer != nil {
		if err := s.deps.Sequencer.StopSequencer(hw); err != nil {
			logger.Warn("Session", "session %d stop sequencer: %v", s.idx, err)
		}
	}
	if err := s.deps.HAL.Stop(hw, reason); err != nil {
		logger.Warn("Session", "session %d stop context %d: %v", s.idx, hw, err)
	}
	// The worker may still be reprogramming from queued interrupts; it has
	// to be gone before the reset so nothing stays programmed behind it.
	s.stopWorker()
	if reset {
		if err := s.deps.HAL.Reset(hw); err != nil {
			logger.Warn("Session", "session %d reset context %d: %v", s.idx, hw, err)
		}
	}
	s.requeueLocked()
}

func (s *Session) requeueLocked() {
	for _, p := range s.paths {
		if !p.Acquired() {
			continue
		}
		for _, f := range p.RequeueInFlight() {
			s.handBack(p, f, events.ReturnStopped)
		}
	}
}

// handBack returns an unfilled frame to its owner.
func (s *Session) handBack(p *path.Path, f *frame.Frame, reason events.ReturnReason) {
	s.returned.Add(1)
	s.deps.Metrics.BuffersReturned.Add(1)
	s.deps.Handler.HandleEvent(events.BufferReturned{
		Session: s.idx,
		Path:    p.Kind(),
		FrameID: f.ID,
		UserTag: f.UserTag,
		Reason:  reason,
	})
	p.Return(f)
}

// Stats is a snapshot of a session's counters.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Returned  uint64 `json:"returned"`
	IRQDrops  uint64 `json:"irq_drops"`
	Faults    uint64 `json:"faults"`
}

// Stats returns the session's counters.
func (s *Session) Stats() Stats {
	return Stats{
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Returned:  s.returned.Load(),
		IRQDrops:  s.irqDrops.Load(),
		Faults:    s.faults.Load(),
	}
}

// PathStatus describes one acquired path.
type PathStatus struct {
	Kind       string          `json:"kind"`
	Shutoff    bool            `json:"shutoff"`
	Config     path.Config     `json:"config"`
	Accounting path.Accounting `json:"accounting"`
}

// Status describes a session for the monitor.
type Status struct {
	Index  int          `json:"index"`
	State  string       `json:"state"`
	HW     int          `json:"hw"`
	Paused bool         `json:"paused"`
	Scenes []int        `json:"scenes"`
	Paths  []PathStatus `json:"paths"`
	Stats  Stats        `json:"stats"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		Index:  s.idx,
		State:  s.state.String(),
		HW:     s.hw,
		Paused: s.paused,
	}
	for i := range s.blocks {
		st.Scenes = append(st.Scenes, s.blocks[i].users)
	}
	s.mu.Unlock()

	for _, p := range s.paths {
		if !p.Acquired() {
			continue
		}
		st.Paths = append(st.Paths, PathStatus{
			Kind:       p.Kind().String(),
			Shutoff:    p.Shutoff(),
			Config:     p.Config(),
			Accounting: p.Accounting(),
		})
	}
	st.Stats = s.Stats()
	return st
}

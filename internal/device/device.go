// Package device owns everything shared by the sessions of one capture
// engine: the hardware context pool, the frame pool, interrupt routing and
// the barrier that stops the world for a global recovery.
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/events"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/hal"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/hwctx"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/iommu"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/path"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/session"
)

var (
	ErrNotEnabled         = errors.New("device: not enabled")
	ErrBusy               = errors.New("device: owned by another process")
	ErrBadSession         = errors.New("device: bad session index")
	ErrSessionBusy        = errors.New("device: session already open")
	ErrNoFreeSession      = errors.New("device: no free session")
	ErrRecoveryInProgress = errors.New("device: recovery in progress")
	ErrResetRequested     = errors.New("device: reset requested")
)

// Config sizes the device.
type Config struct {
	// Contexts is the number of hardware contexts.
	Contexts int `toml:"contexts"`
	// Sessions is the number of software contexts.
	Sessions int `toml:"sessions"`
	// LockFile, if set, is locked while the device is enabled so that only
	// one process drives the hardware.
	LockFile string `toml:"lock_file"`
	// FrameLimit caps the frame descriptors of all sessions together.
	FrameLimit int `toml:"frame_limit"`

	Capacity     path.Capacity     `toml:"capacity"`
	StatsDepth   int               `toml:"stats_depth"`
	IRQBacklog   int               `toml:"irq_backlog"`
	RecycleStats bool              `toml:"recycle_stats"`
	Retry        hwctx.RetryPolicy `toml:"retry"`

	// ReconnectTimeout bounds the rebuild of each session after a reset.
	ReconnectTimeout time.Duration `toml:"reconnect_timeout"`
}

// DefaultConfig returns the configuration of an eight-context engine.
func DefaultConfig() Config {
	return Config{
		Contexts:         8,
		Sessions:         16,
		FrameLimit:       4096,
		Capacity:         path.DefaultCapacity(),
		StatsDepth:       2,
		IRQBacklog:       64,
		RecycleStats:     true,
		Retry:            hwctx.DefaultRetryPolicy(),
		ReconnectTimeout: 2 * time.Second,
	}
}

// Validate checks that the configuration describes a usable device.
func (c Config) Validate() error {
	if c.Contexts <= 0 {
		return fmt.Errorf("contexts must be positive, got %d", c.Contexts)
	}
	if c.Sessions < c.Contexts {
		return fmt.Errorf("sessions (%d) must be at least contexts (%d)", c.Sessions, c.Contexts)
	}
	if c.FrameLimit <= 0 {
		return fmt.Errorf("frame_limit must be positive, got %d", c.FrameLimit)
	}
	if c.StatsDepth < 1 {
		return fmt.Errorf("stats_depth must be at least 1, got %d", c.StatsDepth)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if c.ReconnectTimeout <= 0 {
		return fmt.Errorf("reconnect_timeout must be positive")
	}
	return nil
}

// Deps are the engine and the consumer of the device.
type Deps struct {
	// HAL drives the hardware. If it also implements hal.Lifecycle,
	// hal.IRQSource or hal.Sequencer those are used too.
	HAL     hal.HAL
	Mapper  iommu.Mapper
	Handler events.Handler
	Donor   events.BufferDonor
	Metrics *metrics.Metrics
}

type slot struct {
	opened bool
	sess   atomic.Pointer[session.Session]
}

// RecoveryStatus describes the last global recovery.
type RecoveryStatus struct {
	At       time.Time     `json:"at"`
	Cause    string        `json:"cause"`
	Duration time.Duration `json:"duration"`
	Sessions []int         `json:"sessions"`
	Failed   []int         `json:"failed"`
}

// Device is the engine-wide state.
type Device struct {
	cfg    Config
	deps   Deps
	ctxs   *hwctx.Pool
	frames *frame.Pool
	warn   *logger.Limited

	// barrier is read-locked by every session control call and
	// write-locked for a recovery. mu is never taken while it is held.
	barrier sync.RWMutex

	mu    sync.Mutex
	users int
	lock  *flock.Flock
	slots []slot
	last  *RecoveryStatus

	recovering atomic.Bool
}

// New returns a disabled device.
func New(cfg Config, deps Deps) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("device config: %w", err)
	}
	if deps.HAL == nil || deps.Mapper == nil {
		return nil, errors.New("device: HAL and Mapper are required")
	}
	if deps.Handler == nil {
		deps.Handler = events.Discard
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	d := &Device{
		cfg:    cfg,
		deps:   deps,
		ctxs:   hwctx.NewPool(cfg.Contexts),
		frames: frame.NewPool(cfg.FrameLimit),
		warn:   logger.RateLimited("Device", time.Second),
		slots:  make([]slot, cfg.Sessions),
	}
	d.refreshGauges()
	return d, nil
}

// Contexts returns the hardware context pool.
func (d *Device) Contexts() *hwctx.Pool {
	return d.ctxs
}

// Frames returns the frame descriptor pool shared by all sessions.
func (d *Device) Frames() *frame.Pool {
	return d.frames
}

// Metrics returns the device metrics.
func (d *Device) Metrics() *metrics.Metrics {
	return d.deps.Metrics
}

// Config returns the device configuration.
func (d *Device) Config() Config {
	return d.cfg
}

// AcquireDevice takes a reference on the device, enabling the hardware for
// the first user.
func (d *Device) AcquireDevice() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.users == 0 {
		if err := d.enableLocked(); err != nil {
			return err
		}
		logger.Info("Device", "enabled with %d contexts, %d sessions", d.cfg.Contexts, d.cfg.Sessions)
	}
	d.users++
	d.refreshGauges()
	return nil
}

// ReleaseDevice drops a reference, disabling the hardware for the last user.
func (d *Device) ReleaseDevice() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.users == 0 {
		return ErrNotEnabled
	}
	d.users--
	if d.users == 0 {
		d.disableLocked()
		logger.Info("Device", "disabled")
	}
	d.refreshGauges()
	return nil
}

func (d *Device) enableLocked() error {
	if d.cfg.LockFile != "" {
		if err := os.MkdirAll(filepath.Dir(d.cfg.LockFile), 0o755); err != nil {
			return fmt.Errorf("device lock dir: %w", err)
		}
		l := flock.New(d.cfg.LockFile)
		ok, err := l.TryLock()
		if err != nil {
			return fmt.Errorf("device lock %q: %w", d.cfg.LockFile, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrBusy, d.cfg.LockFile)
		}
		d.lock = l
	}

	if lc, ok := d.deps.HAL.(hal.Lifecycle); ok {
		if err := lc.Init(); err != nil {
			d.unlockFile()
			return fmt.Errorf("hal init: %w", err)
		}
	}

	if src, ok := d.deps.HAL.(hal.IRQSource); ok {
		var g errgroup.Group
		for hw := 0; hw < d.cfg.Contexts; hw++ {
			g.Go(func() error {
				if err := src.RequestIRQ(hw, d.dispatch); err != nil {
					return fmt.Errorf("irq of context %d: %w", hw, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			d.teardownLocked()
			return err
		}
	}

	if seq, ok := d.deps.HAL.(hal.Sequencer); ok {
		for id, hw := range seq.Sequencers() {
			if err := d.ctxs.AttachSequencer(hw, id); err != nil {
				d.teardownLocked()
				return fmt.Errorf("sequencer %d: %w", id, err)
			}
			logger.Debug("Device", "sequencer %d on context %d", id, hw)
		}
	}
	return nil
}

func (d *Device) disableLocked() {
	for i := range d.slots {
		if s := d.slots[i].sess.Load(); s != nil {
			logger.Warn("Device", "session %d still open at disable, closing", i)
			s.Close()
			d.slots[i].sess.Store(nil)
			d.slots[i].opened = false
		}
	}
	d.teardownLocked()
}

func (d *Device) teardownLocked() {
	d.ctxs.DetachSequencers()
	if src, ok := d.deps.HAL.(hal.IRQSource); ok {
		for hw := 0; hw < d.cfg.Contexts; hw++ {
			src.FreeIRQ(hw)
		}
	}
	if lc, ok := d.deps.HAL.(hal.Lifecycle); ok {
		if err := lc.Deinit(); err != nil {
			logger.Error("Device", "hal deinit: %v", err)
		}
	}
	d.unlockFile()
}

func (d *Device) unlockFile() {
	if d.lock == nil {
		return
	}
	if err := d.lock.Unlock(); err != nil {
		logger.Warn("Device", "unlock %s: %v", d.cfg.LockFile, err)
	}
	d.lock = nil
}

// dispatch routes an interrupt to the session bound to its context. It runs
// on the engine's interrupt goroutine.
func (d *Device) dispatch(irq hal.IRQ) {
	if idx, ok := d.ctxs.BoundSession(irq.HW); ok && idx < len(d.slots) {
		if s := d.slots[idx].sess.Load(); s != nil && s.PostIRQ(irq) {
			return
		}
	}
	if irq.Kind == hal.IRQFault {
		go d.escalate(&hal.FaultError{HW: irq.HW, Status: irq.Status})
		return
	}
	d.deps.Metrics.IRQsDropped.Add(1)
	d.warn.Warn("%v on context %d has no running session, dropped", irq.Kind, irq.HW)
}

func (d *Device) sessionDeps() session.Deps {
	sd := session.Deps{
		HAL:          d.deps.HAL,
		Contexts:     d.ctxs,
		Frames:       d.frames,
		Mapper:       d.deps.Mapper,
		Barrier:      &d.barrier,
		Handler:      d.deps.Handler,
		Donor:        d.deps.Donor,
		Metrics:      d.deps.Metrics,
		Escalate:     d.escalate,
		Retry:        d.cfg.Retry,
		Capacity:     d.cfg.Capacity,
		StatsDepth:   d.cfg.StatsDepth,
		IRQBacklog:   d.cfg.IRQBacklog,
		RecycleStats: d.cfg.RecycleStats,
	}
	if seq, ok := d.deps.HAL.(hal.Sequencer); ok {
		sd.Sequencer = seq
	}
	return sd
}

// GetSession opens session idx.
func (d *Device) GetSession(idx int) (*session.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.users == 0 {
		return nil, ErrNotEnabled
	}
	if idx < 0 || idx >= len(d.slots) {
		return nil, fmt.Errorf("%w: %d", ErrBadSession, idx)
	}
	if d.slots[idx].opened {
		return nil, fmt.Errorf("%w: %d", ErrSessionBusy, idx)
	}
	return d.openLocked(idx)
}

// GetAnySession opens the lowest-numbered session not in use.
func (d *Device) GetAnySession() (*session.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.users == 0 {
		return nil, ErrNotEnabled
	}
	for i := range d.slots {
		if !d.slots[i].opened {
			return d.openLocked(i)
		}
	}
	return nil, ErrNoFreeSession
}

func (d *Device) openLocked(idx int) (*session.Session, error) {
	s := session.New(idx, d.sessionDeps())
	if err := s.Open(); err != nil {
		return nil, err
	}
	d.slots[idx].opened = true
	d.slots[idx].sess.Store(s)
	d.refreshGauges()
	return s, nil
}

// PutSession closes a session returned by GetSession and frees its slot.
func (d *Device) PutSession(s *session.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := s.Index()
	if idx < 0 || idx >= len(d.slots) || d.slots[idx].sess.Load() != s {
		return fmt.Errorf("%w: %d not open", ErrBadSession, idx)
	}
	s.Close()
	d.slots[idx].sess.Store(nil)
	d.slots[idx].opened = false
	d.refreshGauges()
	return nil
}

// Session returns open session idx, or nil.
func (d *Device) Session(idx int) *session.Session {
	if idx < 0 || idx >= len(d.slots) {
		return nil
	}
	return d.slots[idx].sess.Load()
}

func (d *Device) escalate(cause error) {
	err := d.Recover(context.Background(), cause)
	switch {
	case err == nil, errors.Is(err, ErrRecoveryInProgress):
	case errors.Is(err, ErrNotEnabled):
		logger.Warn("Device", "fault after disable ignored: %v", cause)
	default:
		logger.Error("Device", "recovery after %v: %v", cause, err)
	}
}

// RequestReset runs a global recovery on behalf of a caller that found the
// hardware wedged.
func (d *Device) RequestReset(ctx context.Context, reason string) error {
	return d.Recover(ctx, fmt.Errorf("%w: %s", ErrResetRequested, reason))
}

// Recover stops the world, resets every hardware context and rebuilds each
// session that was running. Sessions that cannot be rebuilt are left idle
// and reported in the returned error. Only one recovery runs at a time; a
// fault raised while one is running is folded into it.
func (d *Device) Recover(ctx context.Context, cause error) error {
	if !d.recovering.CompareAndSwap(false, true) {
		return ErrRecoveryInProgress
	}
	defer d.recovering.Store(false)

	d.mu.Lock()
	users := d.users
	d.mu.Unlock()
	if users == 0 {
		return ErrNotEnabled
	}

	st, err := d.recoverAll(ctx, cause)
	d.deps.Metrics.ObserveRecovery(st.Duration, len(st.Failed))

	d.mu.Lock()
	d.last = st
	d.refreshGauges()
	d.mu.Unlock()

	d.deps.Handler.HandleEvent(events.RecoveryDone{
		Sessions: st.Sessions,
		Cause:    st.Cause,
		Duration: st.Duration,
		Err:      err,
	})
	logger.Info("Device", "recovery done in %v: %d sessions rebuilt, %d lost",
		st.Duration, len(st.Sessions)-len(st.Failed), len(st.Failed))
	return err
}

// recoverAll runs the recovery with the barrier held for writing.
func (d *Device) recoverAll(ctx context.Context, cause error) (*RecoveryStatus, error) {
	d.barrier.Lock()
	defer d.barrier.Unlock()

	start := time.Now()
	logger.Warn("Device", "global recovery: %v", cause)

	var snaps []session.Snapshot
	for i := range d.slots {
		s := d.slots[i].sess.Load()
		if s == nil {
			continue
		}
		if snap, ok := s.Disconnect(); ok {
			snaps = append(snaps, snap)
		}
	}
	for hw := 0; hw < d.cfg.Contexts; hw++ {
		if err := d.deps.HAL.Reset(hw); err != nil {
			logger.Error("Device", "reset context %d: %v", hw, err)
		}
	}

	rctx, cancel := context.WithTimeout(ctx, d.cfg.ReconnectTimeout)
	defer cancel()
	errs := make([]error, len(snaps))
	var g errgroup.Group
	for i, snap := range snaps {
		g.Go(func() error {
			errs[i] = d.slots[snap.Index].sess.Load().Reconnect(rctx, snap)
			return errs[i]
		})
	}
	_ = g.Wait()

	st := &RecoveryStatus{At: start, Cause: cause.Error()}
	var failed []error
	for i, snap := range snaps {
		st.Sessions = append(st.Sessions, snap.Index)
		if errs[i] != nil {
			st.Failed = append(st.Failed, snap.Index)
			failed = append(failed, errs[i])
			logger.Error("Device", "session %d lost in recovery: %v", snap.Index, errs[i])
		}
	}
	st.Duration = time.Since(start)
	return st, errors.Join(failed...)
}

// Recovering reports whether a global recovery is running.
func (d *Device) Recovering() bool {
	return d.recovering.Load()
}

func (d *Device) refreshGauges() {
	open := 0
	for i := range d.slots {
		if d.slots[i].opened {
			open++
		}
	}
	d.deps.Metrics.DeviceUsers.Store(int64(d.users))
	d.deps.Metrics.OpenSessions.Store(int64(open))
	d.deps.Metrics.FreeContexts.Store(int64(d.ctxs.Free()))
}

// Status is a snapshot of the device for the monitor.
type Status struct {
	Users        int              `json:"users"`
	Recovering   bool             `json:"recovering"`
	FreeContexts int              `json:"free_contexts"`
	Bindings     []hwctx.Binding  `json:"bindings"`
	Sessions     []session.Status `json:"sessions"`
	LastRecovery *RecoveryStatus  `json:"last_recovery,omitempty"`
	Frames       int              `json:"frames_in_use"`
}

// Status returns a snapshot of the device.
func (d *Device) Status() Status {
	d.mu.Lock()
	st := Status{
		Users:      d.users,
		Recovering: d.recovering.Load(),
	}
	if d.last != nil {
		last := *d.last
		st.LastRecovery = &last
	}
	var open []*session.Session
	for i := range d.slots {
		if s := d.slots[i].sess.Load(); s != nil {
			open = append(open, s)
		}
	}
	d.mu.Unlock()

	for _, s := range open {
		st.Sessions = append(st.Sessions, s.Status())
	}
	st.Bindings = d.ctxs.Snapshot()
	st.FreeContexts = d.ctxs.Free()
	st.Frames = d.frames.InUse()
	d.deps.Metrics.FreeContexts.Store(int64(st.FreeContexts))
	return st
}

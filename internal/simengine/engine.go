// Package simengine assembles a complete capture engine on top of the
// simulated hardware: device, monitor fanout, journal and a frame clock that
// completes programmed buffers at the configured rate.
package simengine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/device"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/events"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/hal"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/iommu"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/journal"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/path"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/session"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/statis"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/pkg/types"
)

// statsBufferSize is the size of each simulated statistics buffer.
const statsBufferSize = 4096

// statsBuffers is the number of buffers registered per statistics channel.
const statsBuffers = 2

// Engine is a simulated capture engine.
type Engine struct {
	cfg     config.Config
	Sim     *hal.Sim
	Domain  *iommu.Domain
	Device  *device.Device
	Fanout  *events.Fanout
	Journal *journal.Journal
	Metrics *metrics.Metrics

	nextHandle atomic.Int32

	mu       sync.Mutex
	sessions []*session.Session
}

// New builds a simulated engine from cfg. The device is not enabled yet.
func New(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		Sim:     hal.NewSim(cfg.Device.Contexts, cfg.Sim.Sequencers...),
		Domain:  iommu.NewDomain(cfg.Sim.IOVABase, cfg.Sim.IOVASize),
		Fanout:  events.NewFanout(),
		Metrics: metrics.New(),
	}
	handlers := events.Multi{e.Fanout}
	if cfg.Journal.Enabled {
		e.Journal = journal.New(cfg.Journal.Dir, cfg.Journal.Buffer)
		handlers = append(handlers, e.Journal)
	}

	dev, err := device.New(cfg.Device, device.Deps{
		HAL:     e.Sim,
		Mapper:  e.Domain,
		Handler: handlers,
		Donor:   e,
		Metrics: e.Metrics,
	})
	if err != nil {
		return nil, err
	}
	e.Device = dev
	return e, nil
}

// DonateBuffer hands the engine a fresh output buffer whenever a path runs
// dry, standing in for a consumer that always returns its buffers.
func (e *Engine) DonateBuffer(idx int, kind types.PathKind) (*frame.Frame, bool) {
	f, err := e.Device.Frames().Get()
	if err != nil {
		return nil, false
	}
	handle := e.nextHandle.Add(1)
	f.UserTag = uint64(handle)
	f.Backing = frame.Plain{Buf: iommu.NewBuffer(handle, 0, uint64(e.cfg.Sim.Width*e.cfg.Sim.Height*2))}
	return f, true
}

// Status implements monitor.Engine.
func (e *Engine) Status() device.Status {
	return e.Device.Status()
}

// RequestReset implements monitor.Engine.
func (e *Engine) RequestReset(ctx context.Context, reason string) error {
	return e.Device.RequestReset(ctx, reason)
}

// Open enables the device and starts the configured number of sessions,
// each with a full-resolution output and every enabled statistics channel.
func (e *Engine) Open(ctx context.Context) error {
	if err := e.Device.AcquireDevice(); err != nil {
		return err
	}
	for i := 0; i < e.cfg.Sim.Sessions; i++ {
		s, err := e.Device.GetAnySession()
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.sessions = append(e.sessions, s)
		e.mu.Unlock()
		if err := e.startSession(ctx, s); err != nil {
			return fmt.Errorf("session %d: %w", s.Index(), err)
		}
	}
	return nil
}

func (e *Engine) startSession(ctx context.Context, s *session.Session) error {
	if err := s.AcquirePath(types.PathFull); err != nil {
		return err
	}
	if err := s.ConfigureBase(types.PathFull, path.BaseConfig{Format: types.FormatNV12, BitDepth: 8}); err != nil {
		return err
	}
	if err := s.ConfigureSize(types.PathFull, path.SizeConfig{Width: e.cfg.Sim.Width, Height: e.cfg.Sim.Height}); err != nil {
		return err
	}
	for i := 0; i < e.cfg.Sim.Buffers; i++ {
		f, ok := e.DonateBuffer(s.Index(), types.PathFull)
		if !ok {
			return frame.ErrPoolExhausted
		}
		if err := s.SupplyOutput(types.PathFull, f); err != nil {
			e.Device.Frames().Put(f)
			return err
		}
	}

	if err := s.InitStatis(e.cfg.Sim.Tuning); err != nil {
		return err
	}
	for _, kind := range statis.EnabledChannels(e.cfg.Sim.Tuning) {
		bufs := make([]statis.UserBuffer, statsBuffers)
		for i := range bufs {
			bufs[i] = statis.UserBuffer{Handle: e.nextHandle.Add(1), Size: statsBufferSize}
		}
		if err := s.RegisterStatis(kind, bufs); err != nil {
			return fmt.Errorf("register %v: %w", kind, err)
		}
	}
	return s.Start(ctx, session.StartOptions{FixedHW: session.NoHW})
}

// Sessions returns the sessions opened by Open.
func (e *Engine) Sessions() []*session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*session.Session(nil), e.sessions...)
}

// Tick completes one frame on every running session: the full output and
// every statistics channel with a buffer in flight.
func (e *Engine) Tick() int {
	n := 0
	for _, s := range e.Sessions() {
		hw := s.HW()
		if hw == session.NoHW || s.State() != session.StateRunning {
			continue
		}
		for k := types.PathKind(0); k < types.NumPathKinds; k++ {
			if e.Sim.Complete(hw, k) {
				n++
			}
		}
	}
	return n
}

// Run drives the frame clock, and the fault injector if configured, until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(time.Second / time.Duration(e.cfg.Sim.FrameRate))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				e.Tick()
			}
		}
	})
	if e.cfg.Sim.FaultInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(e.cfg.Sim.FaultInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					hw := rand.IntN(e.cfg.Device.Contexts)
					logger.Warn("SimEngine", "injecting fault on context %d", hw)
					e.Sim.InjectFault(hw, 0x8000_0000|uint32(hw))
				}
			}
		})
	}
	return g.Wait()
}

// Close stops and closes every session and disables the device.
func (e *Engine) Close() error {
	var errs []error
	for _, s := range e.Sessions() {
		if s.State() == session.StateRunning {
			if err := s.Stop(context.Background(), session.StopOptions{}); err != nil {
				errs = append(errs, err)
			}
		}
		if err := e.Device.PutSession(s); err != nil {
			errs = append(errs, err)
		}
	}
	e.mu.Lock()
	e.sessions = nil
	e.mu.Unlock()
	if e.Journal != nil && e.Journal.Recording() {
		if err := e.Journal.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	e.Fanout.Close()
	if err := e.Device.ReleaseDevice(); err != nil && !errors.Is(err, device.ErrNotEnabled) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

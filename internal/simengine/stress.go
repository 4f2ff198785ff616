package simengine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/device"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/hwctx"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/session"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/pkg/types"
)

// StressReport counts the outcomes of a bind stress run.
type StressReport struct {
	Started   uint64 `json:"started"`
	NoContext uint64 `json:"no_context"`
	NoSession uint64 `json:"no_session"`
	Failed    uint64 `json:"failed"`
	// Leaked is the number of contexts still bound after every worker
	// finished.
	Leaked int `json:"leaked"`
}

// ErrLeakedContexts is returned by Stress when bindings survive the run.
var ErrLeakedContexts = errors.New("simengine: hardware contexts still bound after stress run")

// Stress runs workers goroutines that each open a session, start it on a
// dynamically chosen context, stop it and close it again, rounds times.
// Losing a bind race is counted, not fatal. Any other error ends the run.
func (e *Engine) Stress(ctx context.Context, workers, rounds int) (StressReport, error) {
	if err := e.Device.AcquireDevice(); err != nil {
		return StressReport{}, err
	}
	defer e.Device.ReleaseDevice()

	var started, noContext, noSession, failed atomic.Uint64
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				if ctx.Err() != nil {
					return nil
				}
				err := e.stressRound(ctx, w)
				switch {
				case err == nil:
					started.Add(1)
				case errors.Is(err, hwctx.ErrNoFreeContext):
					noContext.Add(1)
				case errors.Is(err, device.ErrNoFreeSession):
					noSession.Add(1)
				default:
					failed.Add(1)
					return fmt.Errorf("worker %d round %d: %w", w, r, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()

	rep := StressReport{
		Started:   started.Load(),
		NoContext: noContext.Load(),
		NoSession: noSession.Load(),
		Failed:    failed.Load(),
		Leaked:    e.Device.Contexts().Len() - e.Device.Contexts().Free(),
	}
	if err == nil && rep.Leaked > 0 {
		err = fmt.Errorf("%w: %d", ErrLeakedContexts, rep.Leaked)
	}
	return rep, err
}

func (e *Engine) stressRound(ctx context.Context, lane int) error {
	s, err := e.Device.GetAnySession()
	if err != nil {
		return err
	}
	defer e.Device.PutSession(s)

	if err := s.AcquirePath(types.PathFull); err != nil {
		return err
	}
	f, ok := e.DonateBuffer(s.Index(), types.PathFull)
	if !ok {
		return errors.New("frame pool exhausted")
	}
	if err := s.SupplyOutput(types.PathFull, f); err != nil {
		e.Device.Frames().Put(f)
		return err
	}
	if err := s.Start(ctx, session.StartOptions{FixedHW: session.NoHW, Lane: lane}); err != nil {
		return err
	}
	return s.Stop(ctx, session.StopOptions{})
}

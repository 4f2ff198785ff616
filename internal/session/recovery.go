package session

import (
	"context"
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/path"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/pkg/types"
)

// Snapshot is what a running session needs to be rebuilt after a global
// reset.
type Snapshot struct {
	Index int
	HW    int
	Opts  StartOptions
	Paths map[types.PathKind]path.Config
}

// Disconnect tears a running session off its hardware context for a global
// recovery. The caller holds the device barrier for writing and resets the
// hardware itself. It reports false if the session was not running.
func (s *Session) Disconnect() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return Snapshot{}, false
	}

	snap := Snapshot{
		Index: s.idx,
		HW:    s.hw,
		Opts:  s.opts,
		Paths: make(map[types.PathKind]path.Config),
	}
	for _, p := range s.paths {
		if p.Acquired() {
			snap.Paths[p.Kind()] = p.Snapshot()
		}
	}
	s.haltLocked(types.StopFault, false)
	s.unbindLocked()
	s.state = StateRecovering
	logger.Warn("Session", "session %d disconnected from context %d", s.idx, snap.HW)
	return snap, true
}

// Reconnect rebinds a disconnected session, preferably to the context it
// had, re-applies its path configuration and restarts it. On failure the
// session is left idle and unbound.
func (s *Session) Reconnect(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecovering {
		return fmt.Errorf("%w: reconnect in %v", ErrBadState, s.state)
	}
	if err := ctx.Err(); err != nil {
		s.state = StateIdle
		return err
	}

	for k, c := range snap.Paths {
		if err := s.paths[k].Restore(c); err != nil {
			s.state = StateIdle
			return fmt.Errorf("session %d restore %v: %w", s.idx, k, err)
		}
	}

	hw, err := s.deps.Contexts.BindFixed(s.idx, snap.HW)
	if err != nil {
		logger.Warn("Session", "session %d: context %d unavailable after reset: %v", s.idx, snap.HW, err)
		hw, err = s.deps.Contexts.BindDynamic(s.idx, snap.Opts.Lane, snap.Opts.SlowMotion > 1)
	}
	if err != nil {
		s.state = StateIdle
		return fmt.Errorf("session %d rebind: %w", s.idx, err)
	}
	s.hw = hw
	s.opts = snap.Opts
	if err := s.runLocked(); err != nil {
		s.unbindLocked()
		s.state = StateIdle
		return err
	}
	logger.Info("Session", "session %d reconnected on context %d", s.idx, hw)
	return nil
}

// Abandon gives up on a disconnected session, leaving it idle.
func (s *Session) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRecovering {
		s.state = StateIdle
	}
}

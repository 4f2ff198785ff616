// Package hwctx multiplexes sessions onto the small fixed set of physical
// hardware contexts.
//
// A binding is a pair of indices: the context records which session owns it
// and the session keeps the context index it was handed. Both sides are only
// written while the pool lock is held, and the lock covers the whole
// scan-and-claim sequence, so the protocol never blocks: callers that need to
// wait retry through BindWithRetry.
package hwctx

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/logger"
)

// NoSession marks a context that is not bound.
const NoSession = -1

// MaxScenes is the number of parameter-block slots a context tracks.
const MaxScenes = 4

// NoBlock is the out-of-range parameter block index of an unbound scene.
const NoBlock = MaxScenes

// NoSequencer marks a context without a command sequencer.
const NoSequencer = -1

var (
	ErrNoFreeContext = errors.New("hwctx: no free hardware context")
	ErrContextBusy   = errors.New("hwctx: hardware context bound to another session")
	ErrNotBound      = errors.New("hwctx: hardware context not bound to session")
	ErrBadIndex      = errors.New("hwctx: bad index")
)

type hwContext struct {
	users     atomic.Int32
	session   int
	sequencer int
	scenes    [MaxScenes]int
}

// Binding describes one context for status reporting.
type Binding struct {
	HW        int   `json:"hw"`
	Session   int   `json:"session"`
	Users     int32 `json:"users"`
	Sequencer int   `json:"sequencer"`
	Scenes    []int `json:"scenes"`
}

// Pool is the process-wide array of hardware contexts.
type Pool struct {
	mu   sync.Mutex
	ctxs []*hwContext

	binds   atomic.Uint64
	misses  atomic.Uint64
	unbinds atomic.Uint64
}

// NewPool returns n unbound contexts without sequencers.
func NewPool(n int) *Pool {
	p := &Pool{}
	for i := 0; i < n; i++ {
		c := &hwContext{session: NoSession, sequencer: NoSequencer}
		for s := range c.scenes {
			c.scenes[s] = NoBlock
		}
		p.ctxs = append(p.ctxs, c)
	}
	return p
}

// Len returns the number of hardware contexts.
func (p *Pool) Len() int {
	return len(p.ctxs)
}

func (p *Pool) get(hw int) (*hwContext, error) {
	if hw < 0 || hw >= len(p.ctxs) {
		return nil, fmt.Errorf("%w: context %d", ErrBadIndex, hw)
	}
	return p.ctxs[hw], nil
}

// AttachSequencer records that sequencer id is wired to hw. It is held for
// the lifetime of the context.
func (p *Pool) AttachSequencer(hw, id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.get(hw)
	if err != nil {
		return err
	}
	c.sequencer = id
	return nil
}

// DetachSequencers forgets every attached sequencer.
func (p *Pool) DetachSequencers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.ctxs {
		c.sequencer = NoSequencer
	}
}

// Sequencer returns the sequencer attached to hw.
func (p *Pool) Sequencer(hw int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.get(hw)
	if err != nil || c.sequencer == NoSequencer {
		return NoSequencer, false
	}
	return c.sequencer, true
}

// BindFixed binds session to the named context. It succeeds if the context
// is free or already bound to session, in which case only the user count
// grows.
func (p *Pool) BindFixed(session, hw int) (int, error) {
	if session < 0 {
		return -1, fmt.Errorf("%w: session %d", ErrBadIndex, session)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.get(hw)
	if err != nil {
		return -1, err
	}
	switch {
	case c.session == session:
		c.users.Add(1)
	case c.users.CompareAndSwap(0, 1):
		c.session = session
		p.binds.Add(1)
	default:
		p.misses.Add(1)
		return -1, fmt.Errorf("%w: context %d held by session %d", ErrContextBusy, hw, c.session)
	}
	logger.Debug("HwCtx", "session %d bound to fixed context %d (users %d)", session, hw, c.users.Load())
	return hw, nil
}

// BindDynamic binds session to any context. A context already bound to the
// session wins; otherwise the first free context found scanning from lane is
// claimed. Contexts without a sequencer are skipped when needSeq is set.
func (p *Pool) BindDynamic(session, lane int, needSeq bool) (int, error) {
	if session < 0 {
		return -1, fmt.Errorf("%w: session %d", ErrBadIndex, session)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.ctxs)
	for i, c := range p.ctxs {
		if c.session == session {
			c.users.Add(1)
			logger.Debug("HwCtx", "session %d re-entered context %d (users %d)", session, i, c.users.Load())
			return i, nil
		}
	}

	start := 0
	if n > 0 && lane > 0 {
		start = lane % n
	}
	for j := 0; j < n; j++ {
		i := (start + j) % n
		c := p.ctxs[i]
		if needSeq && c.sequencer == NoSequencer {
			continue
		}
		if !c.users.CompareAndSwap(0, 1) {
			continue
		}
		c.session = session
		p.binds.Add(1)
		logger.Debug("HwCtx", "session %d bound to context %d (lane %d, seq %v)", session, i, lane, needSeq)
		return i, nil
	}

	p.misses.Add(1)
	return -1, ErrNoFreeContext
}

// Unbind drops one reference of session on hw. At zero the binding pair and
// all scene blocks are cleared. It returns true when the context became free.
func (p *Pool) Unbind(session, hw int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.get(hw)
	if err != nil {
		return false, err
	}
	if c.session != session || c.users.Load() == 0 {
		logger.Error("HwCtx", "unbind of context %d by session %d, bound to %d (users %d)",
			hw, session, c.session, c.users.Load())
		return false, fmt.Errorf("%w: context %d, session %d", ErrNotBound, hw, session)
	}
	if c.users.Add(-1) > 0 {
		return false, nil
	}
	c.session = NoSession
	for s := range c.scenes {
		c.scenes[s] = NoBlock
	}
	p.unbinds.Add(1)
	logger.Debug("HwCtx", "context %d released by session %d", hw, session)
	return true, nil
}

// BoundSession returns the session bound to hw.
func (p *Pool) BoundSession(hw int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.get(hw)
	if err != nil || c.session == NoSession {
		return NoSession, false
	}
	return c.session, true
}

// ContextOf returns the context bound to session.
func (p *Pool) ContextOf(session int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.ctxs {
		if c.session == session {
			return i, true
		}
	}
	return -1, false
}

// SetSceneBlock records the parameter block serving scene on hw. Only the
// session bound to hw may set it.
func (p *Pool) SetSceneBlock(session, hw, scene, blk int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.get(hw)
	if err != nil {
		return err
	}
	if scene < 0 || scene >= MaxScenes {
		return fmt.Errorf("%w: scene %d", ErrBadIndex, scene)
	}
	if c.session != session {
		return fmt.Errorf("%w: context %d, session %d", ErrNotBound, hw, session)
	}
	c.scenes[scene] = blk
	return nil
}

// SceneBlock returns the parameter block serving scene on hw, or NoBlock.
func (p *Pool) SceneBlock(hw, scene int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.get(hw)
	if err != nil || scene < 0 || scene >= MaxScenes {
		return NoBlock
	}
	return c.scenes[scene]
}

// Free returns the number of unbound contexts.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.ctxs {
		if c.users.Load() == 0 {
			n++
		}
	}
	return n
}

// Snapshot returns the state of every context.
func (p *Pool) Snapshot() []Binding {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Binding, 0, len(p.ctxs))
	for i, c := range p.ctxs {
		out = append(out, Binding{
			HW:        i,
			Session:   c.session,
			Users:     c.users.Load(),
			Sequencer: c.sequencer,
			Scenes:    append([]int(nil), c.scenes[:]...),
		})
	}
	return out
}

// Stats returns the number of fresh binds, failed attempts and releases.
func (p *Pool) Stats() (binds, misses, unbinds uint64) {
	return p.binds.Load(), p.misses.Load(), p.unbinds.Load()
}

package hal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/pkg/types"
)

// ErrBadContext is returned for an out-of-range hardware context index.
var ErrBadContext = errors.New("hal: bad context index")

type simContext struct {
	configured bool
	running    bool
	online     bool
	params     CaptureParams
	inflight   map[types.PathKind][]PathParams
	history    map[types.PathKind][]PathParams
	copies     []CopyMask
	handler    IRQHandler
	seqRunning bool
	seqFrames  int
	resets     int
	stops      []types.StopReason
	frameNum   uint64
}

// Sim is an in-memory capture engine. It keeps, per context and path, the
// buffers programmed but not yet written, and retires them in order when
// Complete is called, raising the same interrupts real hardware would.
type Sim struct {
	mu      sync.Mutex
	ctxs    []*simContext
	seqs    map[int]int
	inited  bool
	startFn func(hw int) error
}

// NewSim returns an engine with n contexts. seqContexts lists the contexts
// wired to a command sequencer; sequencer ids are their positions.
func NewSim(n int, seqContexts ...int) *Sim {
	s := &Sim{seqs: make(map[int]int)}
	for i := 0; i < n; i++ {
		s.ctxs = append(s.ctxs, newSimContext())
	}
	for id, hw := range seqContexts {
		s.seqs[id] = hw
	}
	return s
}

func newSimContext() *simContext {
	return &simContext{
		inflight: make(map[types.PathKind][]PathParams),
		history:  make(map[types.PathKind][]PathParams),
	}
}

func (s *Sim) ctx(hw int) (*simContext, error) {
	if hw < 0 || hw >= len(s.ctxs) {
		return nil, fmt.Errorf("%w: %d", ErrBadContext, hw)
	}
	return s.ctxs[hw], nil
}

// FailStart installs a hook consulted by Start; a non-nil error aborts it.
func (s *Sim) FailStart(fn func(hw int) error) {
	s.mu.Lock()
	s.startFn = fn
	s.mu.Unlock()
}

// Init implements Lifecycle.Init.
func (s *Sim) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inited {
		return errors.New("hal: already initialized")
	}
	s.inited = true
	return nil
}

// Deinit implements Lifecycle.Deinit.
func (s *Sim) Deinit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inited = false
	for i := range s.ctxs {
		handler := s.ctxs[i].handler
		s.ctxs[i] = newSimContext()
		s.ctxs[i].handler = handler
	}
	return nil
}

// Initialized reports whether Init has been called without Deinit.
func (s *Sim) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inited
}

// ConfigureCapture implements HAL.ConfigureCapture.
func (s *Sim) ConfigureCapture(hw int, p CaptureParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ctx(hw)
	if err != nil {
		return err
	}
	c.configured = true
	c.params = p
	return nil
}

// Start implements HAL.Start.
func (s *Sim) Start(hw int, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ctx(hw)
	if err != nil {
		return err
	}
	if s.startFn != nil {
		if err := s.startFn(hw); err != nil {
			return err
		}
	}
	if !c.configured {
		return fmt.Errorf("hal: start of unconfigured context %d", hw)
	}
	c.running = true
	c.online = online
	return nil
}

// Stop implements HAL.Stop.
func (s *Sim) Stop(hw int, reason types.StopReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ctx(hw)
	if err != nil {
		return err
	}
	c.running = false
	c.stops = append(c.stops, reason)
	return nil
}

// Reset implements HAL.Reset. Buffers still programmed are forgotten.
func (s *Sim) Reset(hw int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ctx(hw)
	if err != nil {
		return err
	}
	c.running = false
	c.configured = false
	c.seqRunning = false
	c.inflight = make(map[types.PathKind][]PathParams)
	c.resets++
	return nil
}

// ProgramPath implements HAL.ProgramPath.
func (s *Sim) ProgramPath(hw int, kind types.PathKind, p PathParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ctx(hw)
	if err != nil {
		return err
	}
	if !kind.Valid() {
		return fmt.Errorf("hal: bad path %v", kind)
	}
	c.history[kind] = append(c.history[kind], p)
	if p.Addr != 0 {
		c.inflight[kind] = append(c.inflight[kind], p)
	}
	return nil
}

// ForceCopy implements HAL.ForceCopy.
func (s *Sim) ForceCopy(hw int, mask CopyMask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ctx(hw)
	if err != nil {
		return err
	}
	c.copies = append(c.copies, mask)
	return nil
}

// Sequencers implements Sequencer.Sequencers.
func (s *Sim) Sequencers() map[int]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]int, len(s.seqs))
	for id, hw := range s.seqs {
		out[id] = hw
	}
	return out
}

// StartSequencer implements Sequencer.StartSequencer.
func (s *Sim) StartSequencer(hw int, framesPerIRQ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ctx(hw)
	if err != nil {
		return err
	}
	wired := false
	for _, h := range s.seqs {
		if h == hw {
			wired = true
		}
	}
	if !wired {
		return fmt.Errorf("hal: context %d has no sequencer", hw)
	}
	c.seqRunning = true
	c.seqFrames = framesPerIRQ
	c.running = true
	return nil
}

// StopSequencer implements Sequencer.StopSequencer.
func (s *Sim) StopSequencer(hw int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ctx(hw)
	if err != nil {
		return err
	}
	c.seqRunning = false
	return nil
}

// RequestIRQ implements IRQSource.RequestIRQ.
func (s *Sim) RequestIRQ(hw int, h IRQHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ctx(hw)
	if err != nil {
		return err
	}
	if c.handler != nil {
		return fmt.Errorf("hal: irq of context %d already requested", hw)
	}
	c.handler = h
	return nil
}

// FreeIRQ implements IRQSource.FreeIRQ.
func (s *Sim) FreeIRQ(hw int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, err := s.ctx(hw); err == nil {
		c.handler = nil
	}
}

// Complete retires the oldest buffer programmed on (hw, kind) and raises the
// matching done interrupt. It returns false if nothing was in flight.
func (s *Sim) Complete(hw int, kind types.PathKind) bool {
	s.mu.Lock()
	c, err := s.ctx(hw)
	if err != nil || !c.running || len(c.inflight[kind]) == 0 {
		s.mu.Unlock()
		return false
	}
	p := c.inflight[kind][0]
	c.inflight[kind] = c.inflight[kind][1:]
	c.frameNum++
	handler := c.handler
	irq := IRQ{HW: hw, Kind: IRQPathDone, Path: kind, Addr: p.Addr, FrameID: p.FrameID}
	if kind.IsStatistics() {
		irq.Kind = IRQStatsDone
	}
	s.mu.Unlock()

	if handler != nil {
		handler(irq)
	}
	return true
}

// InjectFault raises a fault interrupt on hw.
func (s *Sim) InjectFault(hw int, status uint32) {
	s.mu.Lock()
	c, err := s.ctx(hw)
	if err != nil {
		s.mu.Unlock()
		return
	}
	handler := c.handler
	s.mu.Unlock()
	if handler != nil {
		handler(IRQ{HW: hw, Kind: IRQFault, Status: status})
	}
}

// InFlight returns the number of buffers programmed on (hw, kind) and not
// yet completed.
func (s *Sim) InFlight(hw int, kind types.PathKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ctx(hw)
	if err != nil {
		return 0
	}
	return len(c.inflight[kind])
}

// History returns every ProgramPath call made for (hw, kind).
func (s *Sim) History(hw int, kind types.PathKind) []PathParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ctx(hw)
	if err != nil {
		return nil
	}
	return append([]PathParams(nil), c.history[kind]...)
}

// ClearHistory forgets the ProgramPath calls recorded so far.
func (s *Sim) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.ctxs {
		c.history = make(map[types.PathKind][]PathParams)
		c.copies = nil
	}
}

// Running reports whether hw is started.
func (s *Sim) Running(hw int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ctx(hw)
	return err == nil && c.running
}

// SequencerRunning reports whether the sequencer of hw is running.
func (s *Sim) SequencerRunning(hw int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ctx(hw)
	return err == nil && c.seqRunning
}

// Resets returns how many times hw was reset.
func (s *Sim) Resets(hw int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ctx(hw)
	if err != nil {
		return 0
	}
	return c.resets
}

// Stops returns the reasons hw was stopped with, oldest first.
func (s *Sim) Stops(hw int) []types.StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ctx(hw)
	if err != nil {
		return nil
	}
	return append([]types.StopReason(nil), c.stops...)
}

// Copies returns the force-copy masks issued on hw.
func (s *Sim) Copies(hw int) []CopyMask {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ctx(hw)
	if err != nil {
		return nil
	}
	return append([]CopyMask(nil), c.copies...)
}

// Captured returns the last capture parameters configured on hw.
func (s *Sim) Captured(hw int) (CaptureParams, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ctx(hw)
	if err != nil {
		return CaptureParams{}, false
	}
	return c.params, c.configured
}

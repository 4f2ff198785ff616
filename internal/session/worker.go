package session

import (
	"context"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/events"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/hal"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/logger"
)

// PostIRQ queues an interrupt for the session's worker. It never blocks; an
// interrupt that finds the worker gone or its backlog full is dropped and
// counted.
func (s *Session) PostIRQ(irq hal.IRQ) bool {
	sink := s.sink.Load()
	if sink == nil {
		s.irqDrops.Add(1)
		return false
	}
	select {
	case sink.ch <- irq:
		return true
	default:
		s.irqDrops.Add(1)
		s.deps.Metrics.IRQsDropped.Add(1)
		s.warn.Warn("irq backlog full, dropped %v on context %d", irq.Kind, irq.HW)
		return false
	}
}

func (s *Session) startWorker(hw int) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := &irqSink{ch: make(chan hal.IRQ, s.deps.IRQBacklog)}
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.sink.Store(sink)
	go s.worker(ctx, hw, sink.ch, done)
}

// stopWorker detaches the interrupt sink and waits for the worker to finish
// the interrupt it is handling, if any.
func (s *Session) stopWorker() {
	s.sink.Store(nil)
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

func (s *Session) worker(ctx context.Context, hw int, irqs <-chan hal.IRQ, done chan<- struct{}) {
	defer close(done)
	logger.Debug("Session", "session %d worker started on context %d", s.idx, hw)
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Session", "session %d worker stopped", s.idx)
			return
		case irq := <-irqs:
			if ctx.Err() != nil {
				return
			}
			s.handleIRQ(hw, irq)
		}
	}
}

func (s *Session) handleIRQ(hw int, irq hal.IRQ) {
	switch irq.Kind {
	case hal.IRQPathDone, hal.IRQStatsDone:
		s.retire(hw, irq)
	case hal.IRQStartOfFrame:
		s.frameNum.Add(1)
	case hal.IRQFault:
		s.fault(hw, irq)
	default:
		s.warn.Warn("unexpected %v on context %d", irq.Kind, hw)
	}
}

func (s *Session) retire(hw int, irq hal.IRQ) {
	if !irq.Path.Valid() {
		s.warn.Warn("done irq for bad path %v", irq.Path)
		return
	}
	p := s.paths[irq.Path]
	f, err := p.Retire()
	if err != nil {
		s.warn.Warn("%v: %v", irq.Path, err)
		return
	}
	if f == nil {
		// The write landed in the reserved buffer.
		s.dropped.Add(1)
		s.deps.Metrics.FramesDropped.Add(1)
	} else {
		if irq.FrameID != 0 && irq.FrameID != f.ID {
			s.warn.Warn("%v: hardware retired frame %d, expected %d", irq.Path, irq.FrameID, f.ID)
		}
		s.deliver(hw, f)
	}
	if _, err := s.programNext(hw, p); err != nil {
		logger.Warn("Session", "%v", err)
	}
}

func (s *Session) deliver(hw int, f *frame.Frame) {
	f.FrameNum = s.frameNum.Add(1)
	f.Timestamp = time.Now()
	c := s.paths[f.Path].Config()

	ev := events.DataReady{
		Session:   s.idx,
		HW:        hw,
		Path:      f.Path,
		FrameID:   f.ID,
		FrameNum:  f.FrameNum,
		UserTag:   f.UserTag,
		Width:     c.Size.Width,
		Height:    c.Size.Height,
		Timestamp: f.Timestamp,
	}
	if buf := f.Buffer(); buf != nil && f.Path.IsStatistics() {
		ev.Data = buf.CPU()
	}
	s.delivered.Add(1)
	s.deps.Metrics.ObserveFrame(f.Path)
	s.deps.Handler.HandleEvent(ev)

	if _, ok := f.Backing.(frame.Registered); ok && s.deps.RecycleStats {
		err := s.statis.Recycle(f)
		if err == nil {
			return
		}
		s.warn.Warn("%v: recycle: %v", f.Path, err)
	}
	s.paths[f.Path].Return(f)
}

func (s *Session) fault(hw int, irq hal.IRQ) {
	s.faults.Add(1)
	s.deps.Metrics.Faults.Add(1)
	cause := &hal.FaultError{HW: hw, Status: irq.Status}
	logger.Error("Session", "session %d: %v", s.idx, cause)
	s.deps.Handler.HandleEvent(events.Error{Session: s.idx, HW: hw, Status: irq.Status, Err: cause})
	if s.deps.Escalate != nil {
		// Recovery stops this worker, so it must not run on it.
		go s.deps.Escalate(cause)
	}
}

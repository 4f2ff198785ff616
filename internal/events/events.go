// Package events is the callback surface of the engine. Everything the
// engine tells its caller is one of a closed set of event variants,
// delivered through a single Handler.
package events

import (
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/pkg/types"
)

// Kind tags an event variant.
type Kind int

const (
	KindDataReady Kind = iota
	KindBufferReturned
	KindError
	KindRecoveryDone
)

func (k Kind) String() string {
	switch k {
	case KindDataReady:
		return "data_ready"
	case KindBufferReturned:
		return "buffer_returned"
	case KindError:
		return "error"
	case KindRecoveryDone:
		return "recovery_done"
	default:
		return "unknown"
	}
}

// Event is implemented only by the variants in this package.
type Event interface {
	Kind() Kind
	// SessionID is the session the event concerns, or -1 for device-wide
	// events.
	SessionID() int
	event()
}

// DataReady reports one frame retired by the hardware.
type DataReady struct {
	Session   int
	HW        int
	Path      types.PathKind
	FrameID   uint64
	FrameNum  uint64
	UserTag   uint64
	Width     int
	Height    int
	Timestamp time.Time
	// Data is the CPU view of a statistics buffer. It is only valid for the
	// duration of HandleEvent.
	Data []byte
}

// ReturnReason says why a buffer came back without data.
type ReturnReason int

const (
	ReturnStopped ReturnReason = iota
	ReturnDropped
)

func (r ReturnReason) String() string {
	if r == ReturnDropped {
		return "dropped"
	}
	return "stopped"
}

// BufferReturned hands a caller buffer back unfilled.
type BufferReturned struct {
	Session int
	Path    types.PathKind
	FrameID uint64
	UserTag uint64
	Reason  ReturnReason
}

// Error reports an unrecoverable hardware fault.
type Error struct {
	Session int
	HW      int
	Status  uint32
	Err     error
}

// RecoveryDone reports the end of a global recovery.
type RecoveryDone struct {
	Sessions []int
	Cause    string
	Duration time.Duration
	Err      error
}

func (DataReady) Kind() Kind      { return KindDataReady }
func (BufferReturned) Kind() Kind { return KindBufferReturned }
func (Error) Kind() Kind          { return KindError }
func (RecoveryDone) Kind() Kind   { return KindRecoveryDone }

func (e DataReady) SessionID() int      { return e.Session }
func (e BufferReturned) SessionID() int { return e.Session }
func (e Error) SessionID() int          { return e.Session }
func (RecoveryDone) SessionID() int     { return -1 }

func (DataReady) event()      {}
func (BufferReturned) event() {}
func (Error) event()          {}
func (RecoveryDone) event()   {}

// Handler receives events. It is called from the session's interrupt
// worker and must not block for long.
type Handler interface {
	HandleEvent(e Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(e Event)

// HandleEvent calls f(e).
func (f HandlerFunc) HandleEvent(e Event) { f(e) }

// Discard drops every event.
var Discard Handler = HandlerFunc(func(Event) {})

// BufferDonor lends a frame to a path whose caller has nothing queued, so
// that the hardware does not stall on the reserved buffer. The returned frame
// must carry a Plain backing.
type BufferDonor interface {
	DonateBuffer(session int, kind types.PathKind) (*frame.Frame, bool)
}

// Multi fans an event out to several handlers in order.
type Multi []Handler

// HandleEvent calls every handler.
func (m Multi) HandleEvent(e Event) {
	for _, h := range m {
		h.HandleEvent(e)
	}
}

// Recorder keeps every event it sees. Tests use it to assert on what the
// engine reported.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// HandleEvent implements Handler.
func (r *Recorder) HandleEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind() == kind {
			n++
		}
	}
	return n
}

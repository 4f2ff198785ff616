// Package hal is the boundary to the capture hardware. The control plane
// never touches registers; it drives contexts through this interface and
// receives interrupts back through IRQSource.
package hal

import (
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/pkg/types"
)

// CaptureParams is the per-context capture setup applied before start.
type CaptureParams struct {
	Session    int
	Online     bool
	SlowMotion int // frames per interrupt, 0 or 1 for normal rate
	SceneBlock int // parameter block bound to the main scene
}

// PathParams programs one path. A zero Addr leaves the current buffer alone.
type PathParams struct {
	Addr     uint64
	FrameID  uint64
	Width    int
	Height   int
	Format   types.Format
	Pack     types.Pack
	Crop     types.Rect
	Compress bool
}

// CopyMask selects which paths a force-copy commits.
type CopyMask uint32

// MaskOf returns the mask bit for kind.
func MaskOf(kinds ...types.PathKind) CopyMask {
	var m CopyMask
	for _, k := range kinds {
		m |= 1 << uint(k)
	}
	return m
}

// Has reports whether kind is in the mask.
func (m CopyMask) Has(kind types.PathKind) bool {
	return m&(1<<uint(kind)) != 0
}

// HAL drives one hardware context identified by its index.
type HAL interface {
	ConfigureCapture(hw int, p CaptureParams) error
	Start(hw int, online bool) error
	Stop(hw int, reason types.StopReason) error
	Reset(hw int) error
	ProgramPath(hw int, kind types.PathKind, p PathParams) error
	ForceCopy(hw int, mask CopyMask) error
}

// Lifecycle is implemented by engines that need global init and teardown.
type Lifecycle interface {
	Init() error
	Deinit() error
}

// Sequencer is implemented by engines with a command sequencer able to
// process several frames per interrupt.
type Sequencer interface {
	// Sequencers returns the sequencer ids available and the context each one
	// is wired to.
	Sequencers() map[int]int
	StartSequencer(hw int, framesPerIRQ int) error
	StopSequencer(hw int) error
}

// IRQKind tags an interrupt.
type IRQKind int

const (
	IRQPathDone IRQKind = iota
	IRQStatsDone
	IRQStartOfFrame
	IRQFault
)

func (k IRQKind) String() string {
	switch k {
	case IRQPathDone:
		return "path-done"
	case IRQStatsDone:
		return "stats-done"
	case IRQStartOfFrame:
		return "sof"
	case IRQFault:
		return "fault"
	default:
		return fmt.Sprintf("irq(%d)", int(k))
	}
}

// IRQ is one interrupt delivered for a hardware context.
type IRQ struct {
	HW      int
	Kind    IRQKind
	Path    types.PathKind
	Addr    uint64
	FrameID uint64
	Status  uint32
}

// IRQHandler receives interrupts. It runs on the engine's delivery goroutine
// and must not block.
type IRQHandler func(irq IRQ)

// IRQSource is implemented by engines that deliver interrupts.
type IRQSource interface {
	RequestIRQ(hw int, h IRQHandler) error
	FreeIRQ(hw int)
}

// FaultError reports an unrecoverable hardware status.
type FaultError struct {
	HW     int
	Status uint32
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("hardware fault on context %d: status %#x", e.HW, e.Status)
}

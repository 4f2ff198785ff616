package types

import "fmt"

// PathKind identifies one logical output or statistics channel of a session.
type PathKind int

// Path kinds. Output paths come first, statistics channels after PathRaw.
const (
	PathFull    PathKind = iota // Full-resolution primary output
	PathBin                     // Binned secondary output
	PathRaw                     // Raw sensor output
	PathAEM                     // Exposure metering
	PathAFM                     // Focus metrics
	PathAFL                     // Focus local statistics
	PathBayerHist               // Bayer-domain histogram
	PathFrameHist               // Per-frame histogram
	PathLSCM                    // Lens-shading statistics
	PathGTMHist                 // Tone-mapping histogram
	PathPDAF                    // Phase-detect autofocus (binary format)
	PathEBD                     // Embedded sensor metadata

	NumPathKinds
)

var pathNames = [NumPathKinds]string{
	PathFull:      "full",
	PathBin:       "bin",
	PathRaw:       "raw",
	PathAEM:       "aem",
	PathAFM:       "afm",
	PathAFL:       "afl",
	PathBayerHist: "bayerhist",
	PathFrameHist: "framehist",
	PathLSCM:      "lscm",
	PathGTMHist:   "gtmhist",
	PathPDAF:      "pdaf",
	PathEBD:       "ebd",
}

// String returns the short name of the path kind.
func (k PathKind) String() string {
	if k.Valid() {
		return pathNames[k]
	}
	return fmt.Sprintf("path(%d)", int(k))
}

// Valid reports whether k is inside the closed enumeration.
func (k PathKind) Valid() bool {
	return k >= 0 && k < NumPathKinds
}

// IsStatistics reports whether k is a statistics channel.
func (k PathKind) IsStatistics() bool {
	return k > PathRaw && k < NumPathKinds
}

// RequiresIOMMU reports whether buffers of this kind must be mapped for
// device-visible addressing. Embedded metadata is copied out by the CPU.
func (k PathKind) RequiresIOMMU() bool {
	return k != PathEBD
}

// CPUMapped reports whether statistics buffers of this kind are also mapped
// for CPU post-processing. PDAF data is forwarded untouched.
func (k PathKind) CPUMapped() bool {
	return k.IsStatistics() && k != PathPDAF
}

// ParsePathKind parses the short name produced by String.
func ParsePathKind(s string) (PathKind, error) {
	for k, name := range pathNames {
		if name == s {
			return PathKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown path kind: %q", s)
}

// Format is the pixel or payload format written by a path.
type Format int

const (
	FormatRaw10 Format = iota
	FormatRaw14
	FormatNV12
	FormatNV21
	FormatYUV420Compressed
	FormatStats
)

// Pack describes how samples are packed in memory.
type Pack int

const (
	PackMIPI Pack = iota
	PackHalfWord
	PackPlanar
)

// StopReason is passed to the hardware abstraction when a context halts.
type StopReason int

const (
	StopNormal StopReason = iota
	StopPause
	StopFault
	StopReset
)

func (r StopReason) String() string {
	switch r {
	case StopNormal:
		return "normal"
	case StopPause:
		return "pause"
	case StopFault:
		return "fault"
	case StopReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Rect is a crop or output rectangle in pixels.
type Rect struct {
	X int `json:"x" toml:"x"`
	Y int `json:"y" toml:"y"`
	W int `json:"w" toml:"w"`
	H int `json:"h" toml:"h"`
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

package statis

import "github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/pkg/types"

// Tuning is the part of the tuning state that decides which statistics
// blocks run.
type Tuning struct {
	AEMBypass       bool `toml:"aem_bypass" json:"aem_bypass"`
	AFMBypass       bool `toml:"afm_bypass" json:"afm_bypass"`
	AFLBypass       bool `toml:"afl_bypass" json:"afl_bypass"`
	BayerHistBypass bool `toml:"bayer_hist_bypass" json:"bayer_hist_bypass"`
	LSCMBypass      bool `toml:"lscm_bypass" json:"lscm_bypass"`
	GTMBypass       bool `toml:"gtm_bypass" json:"gtm_bypass"`

	// FrameHistBypass disables the histogram of the binned output.
	FrameHistBypass bool `toml:"frame_hist_bypass" json:"frame_hist_bypass"`
	// BinAsRaw reroutes the secondary output to raw passthrough. The frame
	// histogram is taken on that output and is lost with it.
	BinAsRaw bool `toml:"bin_as_raw" json:"bin_as_raw"`

	// PDAF is off unless a phase-detect sensor is attached.
	PDAF bool `toml:"pdaf" json:"pdaf"`
	// PDAFOnRaw carries phase data inside the raw output instead of its own
	// channel.
	PDAFOnRaw bool `toml:"pdaf_on_raw" json:"pdaf_on_raw"`

	EBD bool `toml:"ebd" json:"ebd"`
}

// DefaultTuning enables every block that needs no special sensor.
func DefaultTuning() Tuning {
	return Tuning{}
}

// EnabledChannels is the one place that decides which statistics channels
// get queues for a given tuning state. Kinds are returned in ascending
// order.
func EnabledChannels(t Tuning) []types.PathKind {
	var out []types.PathKind
	for k := types.PathKind(0); k < types.NumPathKinds; k++ {
		if k.IsStatistics() && channelEnabled(t, k) {
			out = append(out, k)
		}
	}
	return out
}

func channelEnabled(t Tuning, k types.PathKind) bool {
	switch k {
	case types.PathAEM:
		return !t.AEMBypass
	case types.PathAFM:
		return !t.AFMBypass
	case types.PathAFL:
		return !t.AFLBypass
	case types.PathBayerHist:
		return !t.BayerHistBypass
	case types.PathFrameHist:
		return !t.FrameHistBypass && !t.BinAsRaw
	case types.PathLSCM:
		return !t.LSCMBypass
	case types.PathGTMHist:
		return !t.GTMBypass
	case types.PathPDAF:
		return t.PDAF && !t.PDAFOnRaw
	case types.PathEBD:
		return t.EBD
	default:
		return false
	}
}

package dma

import (
	"fmt"

	"github.com/ipe-fpga/pcilib"
)

// ReuseKind classifies the buffers found when an engine starts.
type ReuseKind int

const (
	// REUSE_FRESH means the buffers were just allocated and the engine must be initialized.
	REUSE_FRESH ReuseKind = iota
	// REUSE_RECOVER means a consistent running ring was found, its pointers are recovered from hardware.
	REUSE_RECOVER
	// REUSE_PARTIAL means only some of the buffers existed.
	REUSE_PARTIAL
	// REUSE_INCONSISTENT means the buffers existed but cannot be trusted, the engine is reinitialized.
	REUSE_INCONSISTENT
)

// String returns the kind name.
func (k ReuseKind) String() string {
	switch k {
	case REUSE_FRESH:
		return "fresh"
	case REUSE_RECOVER:
		return "recover"
	case REUSE_PARTIAL:
		return "partial"
	case REUSE_INCONSISTENT:
		return "inconsistent"
	default:
		return "unknown"
	}
}

// ReuseDecision is the outcome of ClassifyReuse.
type ReuseDecision struct {
	Kind   ReuseKind
	Reason string
}

// Err returns the error of a partial reuse.
func (d ReuseDecision) Err() error {
	if d.Kind == REUSE_PARTIAL {
		return fmt.Errorf("%s: %w", d.Reason, pcilib.ErrInvalidState)
	}

	return nil
}

// ClassifyReuse decides what to do with the ring and page buffers returned by the kernel.
// alive reports whether the hardware still runs the ring, nil skips that check.
func ClassifyReuse(ring, pages pcilib.KmemReuse, alive func() bool) ReuseDecision {
	switch {
	case ring.Partial() || pages.Partial():
		return ReuseDecision{REUSE_PARTIAL, "inconsistent DMA buffers are found (only part of required buffers is available)"}
	case ring != pages:
		return ReuseDecision{REUSE_INCONSISTENT, "inconsistent DMA buffers (modes of ring and page buffers do not match)"}
	case !ring.Reused():
		return ReuseDecision{REUSE_FRESH, ""}
	case !ring.Persistent():
		return ReuseDecision{REUSE_INCONSISTENT, "lost DMA buffers are found (non-persistent mode)"}
	case !ring.Hardware():
		return ReuseDecision{REUSE_INCONSISTENT, "lost DMA buffers are found (missing HW reference)"}
	case alive != nil && !alive():
		return ReuseDecision{REUSE_INCONSISTENT, "DMA engine owning the buffers is not running"}
	default:
		return ReuseDecision{REUSE_RECOVER, ""}
	}
}

package reqctx

import (
	"fmt"

	"github.com/stepflow/engine/engine/errdomain"
)

// Arena is a per-request bump allocator for request-scoped byte
// allocations (attribute strings, effector-borrowed result bytes,
// scratch buffers). It never shrinks and is discarded whole when the
// request completes.
type Arena struct {
	soft, hard int64
	used       int64
	blocks     [][]byte
}

// NewArena creates an arena with the given soft/hard caps in bytes. A
// zero hard cap means unbounded.
func NewArena(softCapBytes, hardCapBytes int64) *Arena {
	return &Arena{soft: softCapBytes, hard: hardCapBytes}
}

// Copy copies src into the arena and returns the arena-owned slice,
// failing with Internal once the hard cap would be exceeded (§9,
// "Arena management").
func (a *Arena) Copy(src []byte) ([]byte, error) {
	if a.hard > 0 && a.used+int64(len(src)) > a.hard {
		return nil, errdomain.Internal("arena", "hard_cap",
			fmt.Errorf("arena hard cap %d bytes exceeded (used=%d requested=%d)", a.hard, a.used, len(src)))
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	a.blocks = append(a.blocks, dst)
	a.used += int64(len(src))
	return dst, nil
}

// OverSoftCap reports whether total usage has crossed the soft cap; the
// caller may use this to log a warning without failing the request.
func (a *Arena) OverSoftCap() bool {
	return a.soft > 0 && a.used > a.soft
}

// Used reports current bytes allocated from the arena.
func (a *Arena) Used() int64 { return a.used }

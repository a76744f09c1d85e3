package region

import (
	"sync/atomic"

	"github.com/petems/showdesk-guard/internal/hook"
)

// HitTester swallows pointer-down events inside the current region.
type HitTester struct {
	region   atomic.Pointer[ScreenRegion]
	disabled atomic.Bool
	hits     atomic.Uint64
}

// NewHitTester starts with r, which may be Uninitialized.
func NewHitTester(r ScreenRegion) *HitTester {
	h := &HitTester{}
	h.Update(r)
	return h
}

// OnPointerDown returns Swallow iff the region is valid and contains pt.
func (h *HitTester) OnPointerDown(pt hook.Point) hook.Decision {
	if h.disabled.Load() {
		return hook.PassThrough
	}
	if r := h.region.Load(); r != nil && r.Contains(pt) {
		h.hits.Add(1)
		return hook.Swallow
	}
	return hook.PassThrough
}

// Update replaces the region.
func (h *HitTester) Update(r ScreenRegion) {
	h.region.Store(&r)
}

// Region returns the current region.
func (h *HitTester) Region() ScreenRegion {
	if r := h.region.Load(); r != nil {
		return *r
	}
	return Uninitialized
}

func (h *HitTester) SetEnabled(enabled bool) { h.disabled.Store(!enabled) }

func (h *HitTester) Hits() uint64 { return h.hits.Load() }

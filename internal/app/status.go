package app

import (
	"github.com/petems/showdesk-guard/internal/bridge/pipe"
	"github.com/petems/showdesk-guard/internal/hook"
)

// Status is a point-in-time view of the engine, served to pipe clients.
type Status struct {
	Running     bool              `json:"running"`
	Paused      bool              `json:"paused"`
	Chord       string            `json:"chord"`
	ChordState  string            `json:"chord_state"`
	Region      string            `json:"region"`
	RegionValid bool              `json:"region_valid"`
	Hooks       map[string]string `json:"hooks"`
	Intercepts  uint64            `json:"intercepts"`
	Detections  uint64            `json:"detections"`
	Faults      uint64            `json:"callback_faults"`
	Dropped     uint64            `json:"events_dropped"`
}

// Status returns a snapshot of the engine state.
func (a *App) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.hits.Region()
	st := Status{
		Running:     a.started,
		Paused:      a.paused.Load(),
		Chord:       a.matcher.Chord().String(),
		ChordState:  a.matcher.State().String(),
		Region:      r.String(),
		RegionValid: r.Valid(),
		Hooks:       make(map[string]string, len(hook.Kinds)),
		Intercepts:  a.intercepts.Load(),
		Detections:  a.detector.Detections(),
		Dropped:     a.bus.Dropped(),
	}
	for _, kind := range hook.Kinds {
		switch h := a.installer.Active(kind); {
		case h != nil && h.Removed():
			st.Hooks[kind.String()] = "release failed"
		case h != nil:
			st.Hooks[kind.String()] = "installed"
			st.Faults += h.Faults()
		case a.installErrs[kind] != nil:
			st.Hooks[kind.String()] = "failed: " + a.installErrs[kind].Error()
		default:
			st.Hooks[kind.String()] = "off"
		}
	}
	return st
}

// Execute answers pipe control requests.
func (a *App) Execute(req pipe.Request) pipe.Response {
	switch req.Command {
	case "status":
		return pipe.Response{OK: true, Data: a.Status()}
	case "relocate":
		r, err := a.Relocate()
		resp := pipe.Response{OK: r.Valid(), Data: map[string]any{"region": r.String(), "valid": r.Valid()}}
		if err != nil {
			resp.Error = err.Error()
		}
		return resp
	case "pause":
		a.SetPaused(true)
		return pipe.Response{OK: true}
	case "resume":
		a.SetPaused(false)
		return pipe.Response{OK: true}
	default:
		return pipe.Response{OK: false, Error: "unknown command: " + req.Command}
	}
}

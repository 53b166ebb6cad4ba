package negotiator

import "sync/atomic"

// ReloadGuard runs a reload at most once, however many times it is
// triggered.
type ReloadGuard struct {
	reload func()
	fired  atomic.Bool
}

func NewReloadGuard(reload func()) *ReloadGuard {
	return &ReloadGuard{reload: reload}
}

// Trigger reloads on the first call and reports whether it did.
func (g *ReloadGuard) Trigger() bool {
	if !g.fired.CompareAndSwap(false, true) {
		return false
	}
	if g.reload != nil {
		g.reload()
	}
	return true
}

func (g *ReloadGuard) Fired() bool { return g.fired.Load() }

package audio

import "sync/atomic"

// Gate forwards Play to the wrapped cue while enabled.
type Gate struct {
	cue     Cue
	enabled atomic.Bool
}

func NewGate(cue Cue, enabled bool) *Gate {
	g := &Gate{cue: cue}
	g.enabled.Store(enabled)
	return g
}

func (g *Gate) SetEnabled(enabled bool) {
	g.enabled.Store(enabled)
}

func (g *Gate) Enabled() bool {
	return g.enabled.Load()
}

func (g *Gate) Play(key string) {
	if g.enabled.Load() {
		g.cue.Play(key)
	}
}

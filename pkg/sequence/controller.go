// Package sequence runs the phased start sequence of a race.
//
// Phase transitions are scheduled timer callbacks. Entering the final phase plays the
// start cue and calls the ignition handler right after, on the same goroutine.
package sequence

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mpapenbr/racetimer-go/log"
)

const DefaultCloseDelay = 500 * time.Millisecond

var (
	ErrRunning        = errors.New("start sequence already running")
	ErrNotRunning     = errors.New("start sequence not running")
	ErrAlreadyIgnited = errors.New("start sequence already ignited")
	ErrInvalidPhases  = errors.New("invalid start sequence")
)

type State int

const (
	Idle State = iota
	Running
	Ignited
	Finished
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Ignited:
		return "ignited"
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type EventType int

const (
	PhaseEntered EventType = iota
	Ignition
	SequenceFinished
	SequenceCancelled
)

func (t EventType) String() string {
	switch t {
	case PhaseEntered:
		return "phase"
	case Ignition:
		return "ignition"
	case SequenceFinished:
		return "finished"
	case SequenceCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

type Event struct {
	Type  EventType
	Phase Phase
	Index int // index of Phase
	Total int // number of phases
	At    time.Time
}

// Cue plays the audio cue for a phase key. Play must not block.
type Cue interface {
	Play(key string)
}

type (
	Option func(*Controller)

	// IgnitionHandler is called synchronously at the ignition instant.
	IgnitionHandler func(at time.Time)

	EventHandler func(Event)

	Controller struct {
		clock      clockwork.Clock
		rnd        RandomSource
		cue        Cue
		l          *log.Logger
		closeDelay time.Duration
		onIgnition []IgnitionHandler
		onEvent    []EventHandler

		mu        sync.Mutex
		phases    []Phase
		state     State
		gen       uint64
		timer     clockwork.Timer
		current   int
		durations []time.Duration
	}
)

func WithClock(c clockwork.Clock) Option {
	return func(ctrl *Controller) {
		ctrl.clock = c
	}
}

func WithRandomSource(rnd RandomSource) Option {
	return func(ctrl *Controller) {
		ctrl.rnd = rnd
	}
}

// WithCue enables audio cues. Without a cue the sequence runs silently.
func WithCue(cue Cue) Option {
	return func(ctrl *Controller) {
		ctrl.cue = cue
	}
}

func WithLogger(l *log.Logger) Option {
	return func(ctrl *Controller) {
		ctrl.l = l
	}
}

func WithCloseDelay(d time.Duration) Option {
	return func(ctrl *Controller) {
		ctrl.closeDelay = d
	}
}

func WithIgnitionHandler(h IgnitionHandler) Option {
	return func(ctrl *Controller) {
		ctrl.onIgnition = append(ctrl.onIgnition, h)
	}
}

func WithEventHandler(h EventHandler) Option {
	return func(ctrl *Controller) {
		ctrl.onEvent = append(ctrl.onEvent, h)
	}
}

func WithPhases(phases []Phase) Option {
	return func(ctrl *Controller) {
		ctrl.phases = phases
	}
}

func New(opts ...Option) *Controller {
	c := &Controller{
		clock:      clockwork.NewRealClock(),
		rnd:        CryptoSource{},
		l:          log.Default().Named("sequence"),
		closeDelay: DefaultCloseDelay,
		phases:     DefaultPhases(DefaultBounds()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetPhases replaces the sequence used by the next Start.
func (c *Controller) SetPhases(phases []Phase) error {
	if len(phases) == 0 {
		return ErrInvalidPhases
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Running || c.state == Ignited {
		return ErrRunning
	}
	c.phases = phases
	return nil
}

// Current returns the active phase while the sequence is running.
func (c *Controller) Current() (Phase, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return Phase{}, false
	}
	return c.phases[c.current], true
}

// Start begins a new sequence. Random phase durations are drawn on every call.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.state == Running || c.state == Ignited {
		c.mu.Unlock()
		return ErrRunning
	}
	if len(c.phases) == 0 {
		c.mu.Unlock()
		return ErrInvalidPhases
	}
	c.gen++
	gen := c.gen
	c.state = Running
	c.durations = resolve(c.phases, c.rnd)
	c.mu.Unlock()

	c.l.Info("start sequence started", log.Int("phases", len(c.phases)))
	c.step(gen, 0)
	return nil
}

// Cancel stops a running sequence before ignition.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	switch c.state {
	case Running:
	case Ignited, Finished:
		c.mu.Unlock()
		return ErrAlreadyIgnited
	default:
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = Cancelled
	ev := Event{Type: SequenceCancelled, Phase: c.phases[c.current], Index: c.current,
		Total: len(c.phases), At: c.clock.Now()}
	c.mu.Unlock()

	c.l.Info("start sequence cancelled", log.String("phase", ev.Phase.Key))
	c.emit(ev)
	return nil
}

func (c *Controller) step(gen uint64, idx int) {
	c.mu.Lock()
	if gen != c.gen || c.state != Running {
		c.mu.Unlock()
		return
	}
	p := c.phases[idx]
	total := len(c.phases)
	ignition := idx == total-1
	c.current = idx
	if ignition {
		c.state = Ignited
		c.timer = nil
	} else {
		c.timer = c.clock.AfterFunc(c.durations[idx], func() { c.step(gen, idx+1) })
	}
	c.mu.Unlock()

	if !ignition {
		c.emit(Event{Type: PhaseEntered, Phase: p, Index: idx, Total: total, At: c.clock.Now()})
		c.play(p.Key)
		return
	}

	at := c.clock.Now()
	c.play(p.Key)
	for _, h := range c.onIgnition {
		h(at)
	}
	c.l.Info("ignition", log.Time("at", at))
	c.emit(Event{Type: PhaseEntered, Phase: p, Index: idx, Total: total, At: at})
	c.emit(Event{Type: Ignition, Phase: p, Index: idx, Total: total, At: at})

	c.mu.Lock()
	if gen == c.gen {
		c.timer = c.clock.AfterFunc(c.closeDelay, func() { c.finish(gen) })
	}
	c.mu.Unlock()
}

func (c *Controller) finish(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != Ignited {
		c.mu.Unlock()
		return
	}
	c.state = Finished
	c.timer = nil
	p := c.phases[c.current]
	ev := Event{Type: SequenceFinished, Phase: p, Index: c.current, Total: len(c.phases),
		At: c.clock.Now()}
	c.mu.Unlock()
	c.emit(ev)
}

func (c *Controller) play(key string) {
	if c.cue != nil {
		c.cue.Play(key)
	}
}

func (c *Controller) emit(ev Event) {
	for _, h := range c.onEvent {
		h(ev)
	}
}

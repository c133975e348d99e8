// Package race wires camera, recorder, start sequence and ledger into one race.
//
// The ignition handler activates the pre-armed recorder and sets the ledger start
// time with the same instant the start cue was triggered at.
package race

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mpapenbr/racetimer-go/log"
	"github.com/mpapenbr/racetimer-go/pkg/camera"
	"github.com/mpapenbr/racetimer-go/pkg/framebus"
	"github.com/mpapenbr/racetimer-go/pkg/ledger"
	"github.com/mpapenbr/racetimer-go/pkg/model"
	"github.com/mpapenbr/racetimer-go/pkg/recorder"
	"github.com/mpapenbr/racetimer-go/pkg/repository/archive"
	"github.com/mpapenbr/racetimer-go/pkg/sequence"
	"github.com/mpapenbr/racetimer-go/pkg/utils/broadcast"
)

const (
	defaultStableTimeout = 3 * time.Second
	fileTimeLayout       = "20060102_150405"
)

var (
	ErrRaceActive   = errors.New("race in progress")
	ErrNoActiveRace = errors.New("no race recording")
)

type (
	// CameraSource is the part of the camera session the coordinator needs.
	CameraSource interface {
		State() camera.State
		Index() int
		Backend() string
		EstimatedFPS() float64
		WaitStable(ctx context.Context) error
		SwitchTo(ctx context.Context, index int) error
	}

	Option func(*Coordinator)

	Coordinator struct {
		session       CameraSource
		rec           *recorder.Recorder
		ledger        *ledger.Ledger
		bus           *framebus.Bus
		archive       archive.Repository
		seq           *sequence.Controller
		seqOpts       []sequence.Option
		clock         clockwork.Clock
		l             *log.Logger
		outputDir     string
		resolution    model.Resolution
		stableTimeout time.Duration

		events chan Event
		bcst   broadcast.BroadcastServer[Event]

		mu          sync.Mutex
		raceID      string
		recordError bool
		last        *Result
	}

	// Result is the outcome of a stopped race.
	Result struct {
		RaceID     string
		Metadata   recorder.Metadata
		TimingPath string
		Snapshot   ledger.Snapshot
	}

	Status struct {
		RaceID        string
		Sequence      sequence.State
		Phase         string
		Recorder      recorder.Stats
		CameraState   camera.State
		CameraIndex   int
		CameraBackend string
		Ledger        ledger.Record
	}
)

func WithClock(c clockwork.Clock) Option {
	return func(co *Coordinator) {
		co.clock = c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(co *Coordinator) {
		co.l = l
	}
}

func WithArchive(repo archive.Repository) Option {
	return func(co *Coordinator) {
		co.archive = repo
	}
}

func WithOutputDir(dir string) Option {
	return func(co *Coordinator) {
		co.outputDir = dir
	}
}

func WithResolution(res model.Resolution) Option {
	return func(co *Coordinator) {
		co.resolution = res
	}
}

func WithStableTimeout(d time.Duration) Option {
	return func(co *Coordinator) {
		co.stableTimeout = d
	}
}

// WithSequenceOptions passes options to the start sequence controller.
func WithSequenceOptions(opts ...sequence.Option) Option {
	return func(co *Coordinator) {
		co.seqOpts = append(co.seqOpts, opts...)
	}
}

//nolint:whitespace // can't make both editor and linter happy
func NewCoordinator(
	session CameraSource,
	rec *recorder.Recorder,
	l *ledger.Ledger,
	bus *framebus.Bus,
	opts ...Option,
) *Coordinator {
	ret := &Coordinator{
		session:       session,
		rec:           rec,
		ledger:        l,
		bus:           bus,
		clock:         clockwork.NewRealClock(),
		l:             log.Default().Named("race"),
		outputDir:     "recordings",
		resolution:    model.Resolution{Width: 1280, Height: 720},
		stableTimeout: defaultStableTimeout,
		events:        make(chan Event, 64),
	}
	for _, opt := range opts {
		opt(ret)
	}
	seqOpts := append([]sequence.Option{sequence.WithClock(ret.clock)}, ret.seqOpts...)
	seqOpts = append(seqOpts,
		sequence.WithIgnitionHandler(ret.onIgnition),
		sequence.WithEventHandler(ret.onSequenceEvent))
	ret.seq = sequence.New(seqOpts...)
	ret.bcst = broadcast.NewBroadcastServer("race", ret.events,
		broadcast.WithBuffer[Event](16),
		broadcast.WithLogger[Event](ret.l))
	ret.raceID = uuid.NewString()
	ret.ledger.SetEventID(ret.raceID)
	return ret
}

// Events returns a channel receiving all race events until Close.
func (c *Coordinator) Events() <-chan Event {
	return c.bcst.Subscribe()
}

func (c *Coordinator) CancelEvents(ch <-chan Event) {
	c.bcst.CancelSubscription(ch)
}

func (c *Coordinator) Sequence() *sequence.Controller {
	return c.seq
}

func (c *Coordinator) Ledger() *ledger.Ledger {
	return c.ledger
}

// Run feeds frames from the bus to the recorder until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	sub, err := c.bus.Subscribe(framebus.Recorder)
	if err != nil {
		return err
	}
	defer func() { _ = c.bus.Unsubscribe(framebus.Recorder) }()
	for {
		f, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(err, framebus.ErrSubscriptionClosed) {
				return nil
			}
			return err
		}
		if err := c.rec.RecordFrame(f); err != nil {
			c.reportRecordError(err)
		}
	}
}

func (c *Coordinator) reportRecordError(err error) {
	c.mu.Lock()
	first := !c.recordError
	c.recordError = true
	id := c.raceID
	c.mu.Unlock()
	if first {
		c.l.Error("could not record frame", log.ErrorField(err))
		c.emit(Event{Type: EventRecordError, RaceID: id, Message: err.Error()})
	}
}

// Arm prepares the recorder for the next race at the camera's measured frame rate.
func (c *Coordinator) Arm(ctx context.Context) error {
	if c.rec.State() == recorder.Armed {
		return nil
	}
	if err := c.rec.Reset(); err != nil {
		return fmt.Errorf("%w: %w", ErrRaceActive, err)
	}
	wctx, cancel := context.WithTimeout(ctx, c.stableTimeout)
	defer cancel()
	if err := c.session.WaitStable(wctx); err != nil {
		c.l.Warn("camera not stable, using current frame rate estimate", log.ErrorField(err))
	}
	fps := c.session.EstimatedFPS()
	path := filepath.Join(c.outputDir,
		fmt.Sprintf("race_recording_%s.mp4", c.clock.Now().Format(fileTimeLayout)))
	if err := c.rec.Arm(path, c.resolution, fps); err != nil {
		return err
	}
	c.emit(Event{Type: EventArmed, RaceID: c.currentID(), Path: path,
		Message: fmt.Sprintf("%.2f fps", fps)})
	return nil
}

// StartRace arms the recorder (if needed) and runs the start sequence.
// A new race id is assigned if the ledger already holds a finished race.
func (c *Coordinator) StartRace(ctx context.Context) error {
	switch c.seq.State() {
	case sequence.Running, sequence.Ignited:
		return sequence.ErrRunning
	default:
	}
	if c.rec.State() == recorder.Active {
		return ErrRaceActive
	}
	if _, ok := c.ledger.StartTime(); ok {
		c.newRace()
	}
	if err := c.Arm(ctx); err != nil {
		return err
	}
	return c.seq.Start()
}

// CancelStart aborts the running start sequence. The recorder stays armed.
func (c *Coordinator) CancelStart() error {
	return c.seq.Cancel()
}

// Finish records a finish signal. It is the callback of the finish endpoint.
func (c *Coordinator) Finish(at time.Time, lane int, participantID string) error {
	entry, err := c.ledger.AddFinish(at, lane, participantID)
	if err != nil {
		return err
	}
	c.rec.MarkFinish(at)
	d, _ := c.ledger.Duration(lane)
	c.l.Info("finish recorded", log.Int("lane", lane),
		log.String("participant", participantID),
		log.String("duration", ledger.FormatDuration(d)))
	c.emit(Event{
		Type: EventFinish, At: entry.Time, RaceID: c.currentID(), Lane: lane,
		ParticipantID: participantID, Duration: ledger.FormatDuration(d),
	})
	return nil
}

// StopRace stops the recording and stores the race results.
func (c *Coordinator) StopRace(ctx context.Context) (*Result, error) {
	if c.rec.State() != recorder.Active {
		return nil, ErrNoActiveRace
	}
	md, stopErr := c.rec.Stop()
	snap := c.ledger.Snapshot()
	res := &Result{RaceID: snap.EventID, Metadata: md, Snapshot: snap}
	var errs []error
	if stopErr != nil {
		errs = append(errs, stopErr)
	}

	res.TimingPath = TimingPath(md.VideoPath)
	if err := c.ledger.Save(res.TimingPath); err != nil {
		errs = append(errs, fmt.Errorf("save timing: %w", err))
	}
	if c.archive != nil {
		race := archive.FromSnapshot(snap)
		race.Recording = &archive.Recording{
			VideoPath:    md.VideoPath,
			MetadataPath: recorder.MetadataPath(md.VideoPath),
			TimingPath:   res.TimingPath,
			Codec:        string(md.Codec),
			Frames:       md.Frames,
			TargetFPS:    md.TargetFPS,
			MeasuredFPS:  md.MeasuredFPS,
		}
		if err := c.archive.Store(ctx, race); err != nil {
			errs = append(errs, fmt.Errorf("archive race: %w", err))
		}
	}
	if err := c.rec.Reset(); err != nil {
		errs = append(errs, err)
	}

	c.mu.Lock()
	c.last = res
	c.mu.Unlock()
	c.emit(Event{Type: EventStopped, RaceID: snap.EventID, Winners: snap.Winners(),
		Path: md.VideoPath})
	return res, errors.Join(errs...)
}

// Clear drops start and finish times and begins a new race id.
func (c *Coordinator) Clear() error {
	if err := c.checkIdle(); err != nil {
		return err
	}
	c.newRace()
	c.emit(Event{Type: EventCleared, RaceID: c.currentID()})
	return nil
}

// LoadLedger replaces the timing data with a saved ledger record.
// The ledger is left untouched if the file cannot be read.
func (c *Coordinator) LoadLedger(path string) error {
	if err := c.checkIdle(); err != nil {
		return err
	}
	if err := c.ledger.Load(path); err != nil {
		return err
	}
	if id := c.ledger.Snapshot().EventID; id != "" {
		c.mu.Lock()
		c.raceID = id
		c.mu.Unlock()
	}
	c.l.Info("timing data loaded", log.String("path", path), log.String("id", c.currentID()))
	return nil
}

// checkIdle fails while a start sequence runs or a race is recorded.
func (c *Coordinator) checkIdle() error {
	if c.rec.State() == recorder.Active {
		return ErrRaceActive
	}
	switch c.seq.State() {
	case sequence.Running, sequence.Ignited:
		return sequence.ErrRunning
	default:
	}
	return nil
}

// SetLaneCount changes the number of lanes of the current race.
func (c *Coordinator) SetLaneCount(n int) {
	c.ledger.SetLaneCount(n)
}

// SwitchCamera changes the capture device. Not possible while a race is recorded.
func (c *Coordinator) SwitchCamera(ctx context.Context, index int) error {
	if c.rec.State() == recorder.Active {
		return ErrRaceActive
	}
	switch c.seq.State() {
	case sequence.Running, sequence.Ignited:
		return sequence.ErrRunning
	default:
	}
	if c.rec.State() == recorder.Armed {
		// the armed stream was opened with the old camera's frame rate
		if err := c.rec.Disarm(); err != nil {
			c.l.Warn("could not disarm recorder", log.ErrorField(err))
		}
	}
	return c.session.SwitchTo(ctx, index)
}

// OnCameraState forwards camera state changes as events.
func (c *Coordinator) OnCameraState(from, to camera.State) {
	c.emit(Event{Type: EventCamera, Message: fmt.Sprintf("%s -> %s", from, to)})
}

func (c *Coordinator) LastResult() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Coordinator) Status() Status {
	ret := Status{
		RaceID:        c.currentID(),
		Sequence:      c.seq.State(),
		Recorder:      c.rec.Stats(),
		CameraState:   c.session.State(),
		CameraIndex:   c.session.Index(),
		CameraBackend: c.session.Backend(),
		Ledger:        c.ledger.Summary(),
	}
	if p, ok := c.seq.Current(); ok {
		ret.Phase = p.Text
	}
	return ret
}

// Close stops a running sequence and the event fan-out.
func (c *Coordinator) Close() {
	_ = c.seq.Cancel()
	c.bcst.Close()
}

// TimingPath returns the path of the ledger file stored next to a video.
func TimingPath(videoPath string) string {
	return strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + "_timing.json"
}

func (c *Coordinator) onIgnition(at time.Time) {
	if err := c.rec.Activate(at); err != nil {
		c.l.Error("could not activate recorder", log.ErrorField(err))
	}
	if err := c.ledger.SetStart(at); err != nil {
		c.l.Error("could not set start time", log.ErrorField(err))
	}
}

func (c *Coordinator) onSequenceEvent(ev sequence.Event) {
	out := Event{At: ev.At, RaceID: c.currentID(), Phase: ev.Phase.Key, PhaseText: ev.Phase.Text}
	switch ev.Type {
	case sequence.PhaseEntered:
		out.Type = EventPhase
	case sequence.Ignition:
		out.Type = EventIgnition
	case sequence.SequenceCancelled:
		out.Type = EventCancelled
	default:
		return
	}
	c.emit(out)
}

func (c *Coordinator) newRace() {
	id := uuid.NewString()
	c.ledger.ClearMarkers()
	c.ledger.SetEventID(id)
	c.mu.Lock()
	c.raceID = id
	c.recordError = false
	c.mu.Unlock()
	c.l.Info("new race", log.String("id", id))
}

func (c *Coordinator) currentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raceID
}

// emit never blocks the caller. Events are dropped if nobody drains the fan-out.
func (c *Coordinator) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = c.clock.Now()
	}
	select {
	case c.events <- ev:
	default:
		c.l.Warn("race event dropped", log.String("type", string(ev.Type)))
	}
}

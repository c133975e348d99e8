package recorder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/mpapenbr/racetimer-go/log"
	"github.com/mpapenbr/racetimer-go/pkg/model"
)

// DefaultFPSTolerance is the accepted difference between requested and reported fps.
const DefaultFPSTolerance = 1.0

type (
	Option func(*Recorder)

	Recorder struct {
		enc          Encoder
		clock        clockwork.Clock
		l            *log.Logger
		codecs       []Codec
		quality      string
		fpsTolerance float64
		frames       metric.Int64Counter

		mu          sync.Mutex
		state       State
		spec        StreamSpec
		w           Writer
		activatedAt time.Time
		frameCount  uint64
		lastElapsed time.Duration
		finishMarks []time.Time
	}

	Stats struct {
		State       State
		Path        string
		Codec       Codec
		Resolution  model.Resolution
		TargetFPS   float64
		Frames      uint64
		ActivatedAt time.Time
		LastElapsed time.Duration // overlay value of the last written frame
	}
)

func WithClock(c clockwork.Clock) Option {
	return func(r *Recorder) {
		r.clock = c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(r *Recorder) {
		r.l = l
	}
}

func WithCodecs(codecs ...Codec) Option {
	return func(r *Recorder) {
		r.codecs = codecs
	}
}

// WithQuality sets the quality label reported in the metadata.
func WithQuality(label string) Option {
	return func(r *Recorder) {
		r.quality = label
	}
}

func WithFPSTolerance(tol float64) Option {
	return func(r *Recorder) {
		r.fpsTolerance = tol
	}
}

func New(enc Encoder, opts ...Option) *Recorder {
	r := &Recorder{
		enc:          enc,
		clock:        clockwork.NewRealClock(),
		l:            log.Default().Named("recorder"),
		codecs:       DefaultCodecs,
		quality:      model.QualityMedium,
		fpsTolerance: DefaultFPSTolerance,
	}
	for _, opt := range opts {
		opt(r)
	}
	var err error
	r.frames, err = otel.GetMeterProvider().Meter("racetimer.recorder").Int64Counter(
		"racetimer.recorder.frames",
		metric.WithDescription("Number of frames written to the video stream"),
		metric.WithUnit("{frame}"))
	if err != nil {
		r.l.Error("failed to register metric", log.ErrorField(err))
	}
	return r
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		State:       r.state,
		Path:        r.spec.Path,
		Codec:       r.spec.Codec,
		Resolution:  model.Resolution{Width: r.spec.Width, Height: r.spec.Height},
		TargetFPS:   r.spec.FPS,
		Frames:      r.frameCount,
		ActivatedAt: r.activatedAt,
		LastElapsed: r.lastElapsed,
	}
}

// Arm opens the video stream. It has to be called before the start sequence fires.
// The codecs are tried in order, a codec whose stream reports a frame rate off by
// more than the tolerance is replaced by a later one if possible.
func (r *Recorder) Arm(path string, res model.Resolution, fps float64) error {
	if !res.Valid() || fps <= 0 {
		return fmt.Errorf("%w: %s at %.2f fps", ErrInvalidSettings, res, fps)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Unarmed {
		return fmt.Errorf("%w: arm in state %s", ErrInvalidState, r.state)
	}
	spec := StreamSpec{Path: path, Width: res.Width, Height: res.Height, FPS: fps}
	w, codec, err := r.openStream(spec)
	if err != nil {
		r.l.Error("could not arm recorder", log.String("path", path), log.ErrorField(err))
		return err
	}
	spec.Codec = codec
	r.spec = spec
	r.w = w
	r.state = Armed
	r.l.Info("recorder armed", log.String("path", path), log.String("codec", string(codec)),
		log.String("resolution", res.String()), log.Float("fps", fps),
		log.Float("reportedFps", w.FPS()))
	return nil
}

//nolint:cyclop // codec fallback
func (r *Recorder) openStream(spec StreamSpec) (Writer, Codec, error) {
	var tried []Codec
	var errs []error
	matches := func(w Writer) bool {
		return math.Abs(w.FPS()-spec.FPS) <= r.fpsTolerance
	}
	for i, c := range r.codecs {
		tried = append(tried, c)
		spec.Codec = c
		w, err := r.enc.Open(spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
			continue
		}
		if matches(w) {
			return w, c, nil
		}
		r.l.Warn("encoder fps mismatch, trying alternate codec",
			log.String("codec", string(c)), log.Float("requested", spec.FPS),
			log.Float("reported", w.FPS()))
		r.closeWriter(w)
		for _, alt := range r.codecs[i+1:] {
			tried = append(tried, alt)
			altSpec := spec
			altSpec.Codec = alt
			aw, err := r.enc.Open(altSpec)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", alt, err))
				continue
			}
			if matches(aw) {
				return aw, alt, nil
			}
			r.closeWriter(aw)
		}
		// nothing better, go with the first codec
		w, err = r.enc.Open(spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
			break
		}
		return w, c, nil
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no codec configured"))
	}
	return nil, "", &EncoderInitError{Path: spec.Path, Tried: tried, Err: errors.Join(errs...)}
}

// Activate switches an armed recorder to active. No I/O happens here.
func (r *Recorder) Activate(at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Armed {
		return ErrNotArmed
	}
	r.state = Active
	r.activatedAt = at
	r.frameCount = 0
	return nil
}

// MarkFinish puts a finish marker on the next recorded frame.
func (r *Recorder) MarkFinish(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Active {
		r.finishMarks = append(r.finishMarks, at)
	}
}

// RecordFrame writes f with overlays. It is a no-op unless the recorder is active.
func (r *Recorder) RecordFrame(f model.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Active {
		return nil
	}
	if err := f.Validate(); err != nil {
		return err
	}
	img := fit(f.Image(), r.spec.Width, r.spec.Height)
	if r.frameCount == 0 {
		drawStartMarker(img, r.activatedAt)
	}
	if len(r.finishMarks) > 0 {
		drawFinishMarker(img, r.finishMarks[len(r.finishMarks)-1])
		r.finishMarks = r.finishMarks[:0]
	}
	elapsed := Elapsed(r.frameCount, r.spec.FPS)
	drawElapsed(img, elapsed)
	if err := r.w.Write(img); err != nil {
		return fmt.Errorf("write frame %d: %w", r.frameCount, err)
	}
	r.lastElapsed = elapsed
	r.frameCount++
	if r.frames != nil {
		r.frames.Add(context.Background(), 1)
	}
	return nil
}

// Stop closes the stream of an active recorder and writes the metadata file.
func (r *Recorder) Stop() (Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Active {
		return Metadata{}, ErrNotActive
	}
	stoppedAt := r.clock.Now()
	closeErr := r.w.Close()
	r.w = nil
	r.state = Stopped

	md := Metadata{
		VideoPath:  r.spec.Path,
		Start:      r.activatedAt,
		Frames:     r.frameCount,
		Quality:    r.quality,
		TargetFPS:  r.spec.FPS,
		Duration:   stoppedAt.Sub(r.activatedAt),
		Resolution: model.Resolution{Width: r.spec.Width, Height: r.spec.Height},
		Codec:      r.spec.Codec,
	}
	if md.Duration > 0 && md.Frames > 0 {
		md.MeasuredFPS = float64(md.Frames) / md.Duration.Seconds()
	}
	writeErr := md.Write()
	r.l.Info("recording stopped", log.String("path", md.VideoPath),
		log.Uint64("frames", md.Frames), log.Float("measuredFps", md.MeasuredFPS),
		log.Bool("accurate", md.Accurate()))
	return md, errors.Join(closeErr, writeErr)
}

// Disarm releases the stream of an armed recorder without recording anything.
func (r *Recorder) Disarm() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Armed {
		return ErrNotArmed
	}
	err := r.w.Close()
	r.w = nil
	r.state = Unarmed
	return err
}

// Reset returns a stopped recorder to unarmed so the next race can arm it.
func (r *Recorder) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case Unarmed:
		return nil
	case Stopped:
	default:
		return fmt.Errorf("%w: reset in state %s", ErrInvalidState, r.state)
	}
	r.state = Unarmed
	r.spec = StreamSpec{}
	r.frameCount = 0
	r.lastElapsed = 0
	r.activatedAt = time.Time{}
	r.finishMarks = nil
	return nil
}

func (r *Recorder) closeWriter(w Writer) {
	if err := w.Close(); err != nil {
		r.l.Debug("error closing writer", log.ErrorField(err))
	}
}

package gstreamer

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/mpapenbr/racetimer-go/log"
	"github.com/mpapenbr/racetimer-go/pkg/recorder"
)

var ErrWriterClosed = errors.New("writer closed")

const defaultEOSTimeout = 5 * time.Second

type (
	EncoderOption func(*Encoder)

	// Encoder writes video files through an appsrc fed pipeline.
	Encoder struct {
		eosTimeout time.Duration
		l          *log.Logger
	}

	writer struct {
		spec       recorder.StreamSpec
		fps        float64
		pipeline   *gst.Pipeline
		src        *app.Source
		eosTimeout time.Duration
		l          *log.Logger

		mu     sync.Mutex
		closed bool
	}
)

func WithEOSTimeout(d time.Duration) EncoderOption {
	return func(e *Encoder) {
		e.eosTimeout = d
	}
}

func WithEncoderLogger(l *log.Logger) EncoderOption {
	return func(e *Encoder) {
		e.l = l
	}
}

func NewEncoder(opts ...EncoderOption) *Encoder {
	ret := &Encoder{
		eosTimeout: defaultEOSTimeout,
		l:          log.Default().Named("gst.encoder"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Open builds and starts the encoding pipeline for spec.
// A missing encoder or muxer element makes Open fail, so the recorder can move on
// to its next codec.
func (e *Encoder) Open(spec recorder.StreamSpec) (recorder.Writer, error) {
	ensureInit()
	launch, err := encoderLaunch(spec)
	if err != nil {
		return nil, err
	}
	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	elem, err := pipeline.GetElementByName("src")
	if err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("appsrc not found: %w", err)
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("start pipeline: %w", err)
	}
	fps := negotiatedFPS(elem, spec)
	e.l.Debug("encoder pipeline started",
		log.String("codec", string(spec.Codec)),
		log.String("launch", launch),
		log.Float("fps", fps))
	return &writer{
		spec:       spec,
		fps:        fps,
		pipeline:   pipeline,
		src:        app.SrcFromElement(elem),
		eosTimeout: e.eosTimeout,
		l:          e.l,
	}, nil
}

// FPS reports the frame rate accepted by the encoder when the stream was opened.
func (w *writer) FPS() float64 {
	return w.fps
}

// negotiatedFPS asks the elements behind the appsrc which frame rates they accept
// for the stream size. A fixed rate is reported as is, a range containing the
// requested rate yields the requested rate (with caps precision). No matching caps
// at all yields 0.
func negotiatedFPS(src *gst.Element, spec recorder.StreamSpec) float64 {
	num, denom := fraction(spec.FPS)
	requested := float64(num) / float64(denom)
	pad := src.GetStaticPad("src")
	if pad == nil {
		return requested
	}
	caps := pad.GetCurrentCaps()
	if caps == nil {
		caps = pad.PeerQueryCaps(gst.NewCapsFromString(fmt.Sprintf(
			"video/x-raw,format=RGBA,width=%d,height=%d", spec.Width, spec.Height)))
	}
	if caps == nil || caps.IsEmpty() || caps.GetSize() == 0 {
		return 0
	}
	v, err := caps.GetStructureAt(0).GetValue("framerate")
	if err != nil {
		return requested
	}
	return framerateOf(v, requested)
}

// framerateOf converts a caps framerate value. Values other than a fixed fraction
// (ranges, lists) are assumed to contain the requested rate.
func framerateOf(v any, requested float64) float64 {
	f, ok := v.(fractionValue)
	if !ok || f.Denom() == 0 {
		return requested
	}
	return float64(f.Num()) / float64(f.Denom())
}

func (w *writer) Write(img *image.RGBA) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	b := img.Bounds()
	if b.Dx() != w.spec.Width || b.Dy() != w.spec.Height {
		return fmt.Errorf("frame %dx%d does not match stream %dx%d",
			b.Dx(), b.Dy(), w.spec.Width, w.spec.Height)
	}
	pix, err := packRows(img.Pix[img.PixOffset(b.Min.X, b.Min.Y):],
		b.Dx(), b.Dy(), 4, img.Stride)
	if err != nil {
		return err
	}
	if ret := w.src.PushBuffer(gst.NewBufferFromBytes(pix)); ret != gst.FlowOK {
		return fmt.Errorf("push buffer: %v", ret)
	}
	return nil
}

// Close sends end of stream and waits for the muxer to finalize the file.
func (w *writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	defer func() {
		if err := w.pipeline.SetState(gst.StateNull); err != nil {
			w.l.Warn("could not stop encoder pipeline", log.ErrorField(err))
		}
	}()
	if ret := w.src.EndStream(); ret != gst.FlowOK {
		return fmt.Errorf("end stream: %v", ret)
	}
	return w.waitEOS()
}

func (w *writer) waitEOS() error {
	bus := w.pipeline.GetPipelineBus()
	deadline := time.Now().Add(w.eosTimeout)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return nil
		case gst.MessageError:
			return fmt.Errorf("encoder pipeline: %s", msg.ParseError().Error())
		default:
		}
	}
	return fmt.Errorf("no end of stream after %v: %s", w.eosTimeout, w.spec.Path)
}

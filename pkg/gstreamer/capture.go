package gstreamer

import (
	"fmt"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/mpapenbr/racetimer-go/log"
	"github.com/mpapenbr/racetimer-go/pkg/camera"
	"github.com/mpapenbr/racetimer-go/pkg/model"
)

const defaultPullTimeout = time.Second

type (
	CaptureOption func(*CaptureBackend)

	// CaptureBackend opens cameras through one GStreamer source element.
	CaptureBackend struct {
		name        string
		pullTimeout time.Duration
		l           *log.Logger
	}

	captureDevice struct {
		pipeline    *gst.Pipeline
		sink        *app.Sink
		pullTimeout time.Duration
		l           *log.Logger

		mu     sync.Mutex
		props  camera.Properties
		closed bool
	}
)

func WithPullTimeout(d time.Duration) CaptureOption {
	return func(b *CaptureBackend) {
		b.pullTimeout = d
	}
}

func WithCaptureLogger(l *log.Logger) CaptureOption {
	return func(b *CaptureBackend) {
		b.l = l
	}
}

func NewCaptureBackend(name string, opts ...CaptureOption) *CaptureBackend {
	ret := &CaptureBackend{
		name:        name,
		pullTimeout: defaultPullTimeout,
		l:           log.Default().Named("gst.capture").With(log.String("backend", name)),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// CaptureBackends returns the platform backends in preference order.
func CaptureBackends(opts ...CaptureOption) []camera.Backend {
	names := DefaultBackendNames()
	ret := make([]camera.Backend, 0, len(names))
	for _, name := range names {
		ret = append(ret, NewCaptureBackend(name, opts...))
	}
	return ret
}

func (b *CaptureBackend) Name() string {
	return b.name
}

// Open starts the capture pipeline. The returned device reports IsOpened once the
// pipeline reached the playing state.
func (b *CaptureBackend) Open(index int) (camera.Device, error) {
	ensureInit()
	launch, err := captureLaunch(b.name, index)
	if err != nil {
		return nil, err
	}
	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", camera.ErrDeviceUnavailable, b.name, err)
	}
	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("appsink not found: %w", err)
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("%w: %s: %w", camera.ErrDeviceUnavailable, b.name, err)
	}
	b.l.Debug("capture pipeline started", log.Int("index", index), log.String("launch", launch))
	return &captureDevice{
		pipeline:    pipeline,
		sink:        app.SinkFromElement(elem),
		pullTimeout: b.pullTimeout,
		l:           b.l,
	}, nil
}

func (d *captureDevice) IsOpened() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	return d.pipeline.GetCurrentState() == gst.StatePlaying
}

func (d *captureDevice) Properties() camera.Properties {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.props
}

func (d *captureDevice) Read() (model.Frame, error) {
	sample := d.sink.TryPullSample(d.pullTimeout)
	if sample == nil {
		return model.Frame{}, ErrNoSample
	}
	width, height, fps, err := sampleFormat(sample)
	if err != nil {
		return model.Frame{}, err
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return model.Frame{}, ErrNoSample
	}
	mapInfo := buffer.Map(gst.MapRead)
	pix, err := packRows(mapInfo.Bytes(), width, height, 3, 0)
	buffer.Unmap()
	if err != nil {
		return model.Frame{}, err
	}

	d.mu.Lock()
	d.props = camera.Properties{Width: width, Height: height, FPS: fps}
	d.mu.Unlock()
	return model.Frame{
		Pix:    pix,
		Width:  width,
		Height: height,
		Format: model.PixelFormatBGR24,
	}, nil
}

func (d *captureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.pipeline.SetState(gst.StateNull)
}

type fractionValue interface {
	Num() int
	Denom() int
}

func sampleFormat(sample *gst.Sample) (width, height int, fps float64, err error) {
	caps := sample.GetCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, 0, fmt.Errorf("sample without caps")
	}
	st := caps.GetStructureAt(0)
	w, err := st.GetValue("width")
	if err != nil {
		return 0, 0, 0, err
	}
	h, err := st.GetValue("height")
	if err != nil {
		return 0, 0, 0, err
	}
	width, wok := w.(int)
	height, hok := h.(int)
	if !wok || !hok {
		return 0, 0, 0, fmt.Errorf("unexpected caps size %v x %v", w, h)
	}
	if v, ferr := st.GetValue("framerate"); ferr == nil {
		if f, ok := v.(fractionValue); ok && f.Denom() != 0 {
			fps = float64(f.Num()) / float64(f.Denom())
		}
	}
	return width, height, fps, nil
}

// Package fakeencoder provides an in-memory video encoder for tests.
package fakeencoder

import (
	"errors"
	"image"
	"sync"

	"github.com/mpapenbr/racetimer-go/pkg/recorder"
)

var (
	ErrOpen  = errors.New("fake: codec not available")
	ErrWrite = errors.New("fake: write failed")
)

type Encoder struct {
	// Unavailable codecs fail to open.
	Unavailable map[recorder.Codec]bool
	// ReportedFPS overrides the frame rate reported by streams of a codec.
	ReportedFPS map[recorder.Codec]float64

	mu      sync.Mutex
	opens   []recorder.StreamSpec
	writers []*Writer
}

func (e *Encoder) Open(spec recorder.StreamSpec) (recorder.Writer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opens = append(e.opens, spec)
	if e.Unavailable[spec.Codec] {
		return nil, ErrOpen
	}
	fps := spec.FPS
	if v, ok := e.ReportedFPS[spec.Codec]; ok {
		fps = v
	}
	w := &Writer{Spec: spec, fps: fps}
	e.writers = append(e.writers, w)
	return w, nil
}

func (e *Encoder) Opens() []recorder.StreamSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]recorder.StreamSpec(nil), e.opens...)
}

func (e *Encoder) Writers() []*Writer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Writer(nil), e.writers...)
}

// Last returns the most recently opened writer.
func (e *Encoder) Last() *Writer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.writers) == 0 {
		return nil
	}
	return e.writers[len(e.writers)-1]
}

type Writer struct {
	Spec recorder.StreamSpec
	Fail bool

	fps    float64
	mu     sync.Mutex
	frames []*image.RGBA
	closed bool
}

func (w *Writer) Write(img *image.RGBA) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Fail || w.closed {
		return ErrWrite
	}
	w.frames = append(w.frames, img)
	return nil
}

func (w *Writer) FPS() float64 {
	return w.fps
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *Writer) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Writer) Frames() []*image.RGBA {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*image.RGBA(nil), w.frames...)
}

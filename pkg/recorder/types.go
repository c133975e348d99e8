// Package recorder writes the race video.
//
// A Recorder is armed before the start sequence fires, so that activation at the
// ignition instant only flips state. Frames get an elapsed time overlay derived
// from the frame counter and the target frame rate.
package recorder

import (
	"errors"
	"fmt"
	"image"
	"strings"
)

type Codec string

const (
	CodecMP4V Codec = "mp4v"
	CodecH264 Codec = "H264"
	CodecXVID Codec = "XVID"
	CodecMJPG Codec = "MJPG"
)

// DefaultCodecs is the order in which codecs are tried when arming.
var DefaultCodecs = []Codec{CodecMP4V, CodecH264, CodecXVID, CodecMJPG}

// StreamSpec describes the stream an Encoder has to open.
type StreamSpec struct {
	Path   string
	Codec  Codec
	Width  int
	Height int
	FPS    float64
}

// Writer is an open video stream.
type Writer interface {
	Write(img *image.RGBA) error
	// FPS returns the frame rate the stream was actually opened with.
	FPS() float64
	Close() error
}

type Encoder interface {
	Open(spec StreamSpec) (Writer, error)
}

type State int

const (
	Unarmed State = iota
	Armed
	Active
	Stopped
)

func (s State) String() string {
	switch s {
	case Unarmed:
		return "unarmed"
	case Armed:
		return "armed"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrEncoderInit     = errors.New("encoder init failed")
	ErrNotArmed        = errors.New("recorder not armed")
	ErrNotActive       = errors.New("recorder not active")
	ErrInvalidState    = errors.New("invalid recorder state")
	ErrInvalidSettings = errors.New("invalid recording settings")
)

// EncoderInitError is returned by Arm if no codec could be opened.
type EncoderInitError struct {
	Path  string
	Tried []Codec
	Err   error
}

func (e *EncoderInitError) Error() string {
	tried := make([]string, len(e.Tried))
	for i := range e.Tried {
		tried[i] = string(e.Tried[i])
	}
	return fmt.Sprintf("%s: %s (tried %s): %v", ErrEncoderInit, e.Path,
		strings.Join(tried, ","), e.Err)
}

func (e *EncoderInitError) Unwrap() error {
	return e.Err
}

func (e *EncoderInitError) Is(target error) bool {
	return target == ErrEncoderInit
}

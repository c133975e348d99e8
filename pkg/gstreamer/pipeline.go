// Package gstreamer provides camera capture backends and the video encoder on top of
// GStreamer pipelines.
package gstreamer

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/mpapenbr/racetimer-go/pkg/recorder"
)

var (
	ErrUnknownCodec = errors.New("unknown codec")
	ErrNoSample     = errors.New("no sample available")
)

var initOnce sync.Once

func ensureInit() {
	initOnce.Do(func() { gst.Init(nil) })
}

// source element per capture backend
var sourceElements = map[string]string{
	"v4l2":  "v4l2src",
	"msmf":  "mfvideosrc",
	"dshow": "ksvideosrc",
	"avf":   "avfvideosrc",
	"auto":  "autovideosrc",
}

// BackendNames returns the capture backends in preference order for goos.
func BackendNames(goos string) []string {
	switch goos {
	case "windows":
		return []string{"msmf", "dshow", "auto"}
	case "darwin":
		return []string{"avf", "auto"}
	default:
		return []string{"v4l2", "auto"}
	}
}

// DefaultBackendNames returns the capture backends for the running platform.
func DefaultBackendNames() []string {
	return BackendNames(runtime.GOOS)
}

func sourceDescription(backend string, index int) (string, error) {
	elem, ok := sourceElements[backend]
	if !ok {
		return "", fmt.Errorf("unknown capture backend %q", backend)
	}
	switch backend {
	case "v4l2":
		return fmt.Sprintf("%s device=/dev/video%d", elem, index), nil
	case "auto":
		if index != 0 {
			return "", fmt.Errorf("backend auto only supports device 0")
		}
		return elem, nil
	default:
		return fmt.Sprintf("%s device-index=%d", elem, index), nil
	}
}

// captureLaunch builds the pipeline delivering BGR frames to an appsink named sink.
func captureLaunch(backend string, index int) (string, error) {
	src, err := sourceDescription(backend, index)
	if err != nil {
		return "", err
	}
	return src + " ! videoconvert ! video/x-raw,format=BGR" +
		" ! appsink name=sink max-buffers=1 drop=true sync=false", nil
}

type codecElements struct {
	encoder string
	muxer   string
}

var codecs = map[recorder.Codec]codecElements{
	recorder.CodecMP4V: {"avenc_mpeg4 bitrate=8000000", "mp4mux"},
	recorder.CodecH264: {"x264enc tune=zerolatency speed-preset=ultrafast", "mp4mux"},
	recorder.CodecXVID: {"avenc_mpeg4 bitrate=8000000", "avimux"},
	recorder.CodecMJPG: {"jpegenc quality=90", "avimux"},
}

// fraction converts fps to the millisecond precision fraction used in caps.
func fraction(fps float64) (num, denom int) {
	return int(math.Round(fps * 1000)), 1000
}

// encoderLaunch builds the pipeline reading RGBA frames from an appsrc named src.
func encoderLaunch(spec recorder.StreamSpec) (string, error) {
	ce, ok := codecs[spec.Codec]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCodec, spec.Codec)
	}
	if spec.Width <= 0 || spec.Height <= 0 || spec.FPS <= 0 {
		return "", fmt.Errorf("invalid stream %dx%d @ %.2f", spec.Width, spec.Height, spec.FPS)
	}
	num, denom := fraction(spec.FPS)
	return fmt.Sprintf(
		"appsrc name=src is-live=true do-timestamp=true format=time "+
			"caps=video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/%d "+
			"! videoconvert ! %s ! %s ! filesink location=%q",
		spec.Width, spec.Height, num, denom, ce.encoder, ce.muxer, spec.Path), nil
}

// packRows copies the visible pixels of a padded buffer into a tightly packed one.
// A stride of 0 is derived from the buffer length.
func packRows(data []byte, width, height, bpp, stride int) ([]byte, error) {
	row := width * bpp
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid size %dx%d", width, height)
	}
	if stride == 0 {
		stride = len(data) / height
	}
	if stride < row || len(data) < stride*(height-1)+row {
		return nil, fmt.Errorf("buffer of %d bytes too small for %dx%d", len(data), width, height)
	}
	out := make([]byte, row*height)
	if stride == row {
		copy(out, data)
		return out, nil
	}
	for y := range height {
		copy(out[y*row:(y+1)*row], data[y*stride:y*stride+row])
	}
	return out, nil
}

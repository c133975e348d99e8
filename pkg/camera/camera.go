// Package camera owns the physical capture device.
//
// A Session connects to a device by trying a list of backends, reads frames and
// forwards them to a frame publisher. Read failures are never retried in place: the
// handle is released and the next loop iteration performs a full reconnect.
package camera

import (
	"errors"
	"fmt"

	"github.com/mpapenbr/racetimer-go/pkg/model"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reading
	Switching
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reading:
		return "reading"
	case Switching:
		return "switching"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrDeviceUnavailable = errors.New("camera unavailable")
	ErrFrameReadFault    = errors.New("frame read fault")
	ErrNotConnected      = errors.New("camera not connected")
	ErrSwitching         = errors.New("camera switch in progress")
)

// Properties are the values reported by the device driver.
type Properties struct {
	Width  int
	Height int
	FPS    float64
}

// Device is an opened capture handle.
type Device interface {
	IsOpened() bool
	Read() (model.Frame, error)
	Properties() Properties
	Close() error
}

// Backend is a device access path (driver) able to open capture devices by index.
type Backend interface {
	Name() string
	Open(index int) (Device, error)
}

type DeviceInfo struct {
	Index   int
	Backend string
	Width   int
	Height  int
	FPS     float64
}

func (d DeviceInfo) Label() string {
	if d.Width > 0 && d.Height > 0 {
		return fmt.Sprintf("Camera %d (%dx%d @ %.0ffps)", d.Index, d.Width, d.Height, d.FPS)
	}
	return fmt.Sprintf("Camera %d", d.Index)
}

// FramePublisher receives every frame read by the session.
type FramePublisher interface {
	Publish(f model.Frame)
}

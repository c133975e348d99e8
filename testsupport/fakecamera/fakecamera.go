// Package fakecamera provides in-memory camera backends for tests.
package fakecamera

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mpapenbr/racetimer-go/pkg/camera"
	"github.com/mpapenbr/racetimer-go/pkg/model"
)

var (
	ErrNoDevice = errors.New("fake: no device")
	ErrRead     = errors.New("fake: read failed")
)

const (
	FrameWidth  = 4
	FrameHeight = 2
)

// Device is a fake capture handle. The zero value is an opened, working device.
type Device struct {
	Index     int
	OpenAfter int // number of IsOpened calls reporting false
	FailAfter int // reads succeeding before every further read fails (0 = never)
	FailAll   bool
	Panic     bool
	Props     camera.Properties

	mu      sync.Mutex
	checks  int
	reads   int
	closed  bool
	onClose func()
}

func (d *Device) IsOpened() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checks++
	return !d.closed && d.checks > d.OpenAfter
}

func (d *Device) Read() (model.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Panic {
		panic("fake device exploded")
	}
	if d.closed {
		return model.Frame{}, fmt.Errorf("%w: device closed", ErrRead)
	}
	d.reads++
	if d.FailAll || (d.FailAfter > 0 && d.reads > d.FailAfter) {
		return model.Frame{}, ErrRead
	}
	pix := make([]byte, FrameWidth*FrameHeight*3)
	for i := range pix {
		pix[i] = byte(d.reads)
	}
	return model.Frame{
		Pix:    pix,
		Width:  FrameWidth,
		Height: FrameHeight,
		Format: model.PixelFormatBGR24,
	}, nil
}

func (d *Device) Properties() camera.Properties {
	return d.Props
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		if d.onClose != nil {
			d.onClose()
		}
	}
	return nil
}

func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// Factory creates the device returned by Open. Returning nil means the index
// cannot be opened.
type Factory func(index int) *Device

// Backend is a fake backend. All handles opened through it are tracked.
type Backend struct {
	BackendName string
	Factory     Factory
	Delay       time.Duration // delay of each Open call

	mu      sync.Mutex
	opens   []int
	devices []*Device
	open    atomic.Int32
}

func (b *Backend) Name() string {
	return b.BackendName
}

func (b *Backend) Open(index int) (camera.Device, error) {
	if b.Delay > 0 {
		time.Sleep(b.Delay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens = append(b.opens, index)
	var d *Device
	if b.Factory != nil {
		d = b.Factory(index)
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s index %d", ErrNoDevice, b.BackendName, index)
	}
	d.Index = index
	d.onClose = func() { b.open.Add(-1) }
	b.open.Add(1)
	b.devices = append(b.devices, d)
	return d, nil
}

// Opens returns the indices of all Open calls.
func (b *Backend) Opens() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.opens...)
}

func (b *Backend) Devices() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Device(nil), b.devices...)
}

// OpenHandles returns the number of devices opened and not yet closed.
func (b *Backend) OpenHandles() int {
	return int(b.open.Load())
}

func Working(name string, indices ...int) *Backend {
	return &Backend{BackendName: name, Factory: func(index int) *Device {
		for _, idx := range indices {
			if idx == index {
				return &Device{Props: camera.Properties{
					Width: FrameWidth, Height: FrameHeight, FPS: 30,
				}}
			}
		}
		return nil
	}}
}

// Unopenable fails every Open call.
func Unopenable(name string) *Backend {
	return &Backend{BackendName: name}
}

// NoFrames opens devices which fail every read.
func NoFrames(name string) *Backend {
	return &Backend{BackendName: name, Factory: func(int) *Device {
		return &Device{FailAll: true}
	}}
}

// NeverOpens returns devices which never report being opened.
func NeverOpens(name string) *Backend {
	return &Backend{BackendName: name, Factory: func(int) *Device {
		return &Device{OpenAfter: 1 << 30}
	}}
}

package camera

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mpapenbr/racetimer-go/log"
	"github.com/mpapenbr/racetimer-go/pkg/model"
)

const (
	DefaultOpenTimeout    = 5 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultReadBackoff    = 500 * time.Millisecond
	DefaultConnectBackoff = time.Second
	DefaultStabilizeDelay = 500 * time.Millisecond
	DefaultFPS            = 30.0
)

type (
	Option func(*Session)

	// StateListener is called after every state transition, outside of any lock.
	StateListener func(from, to State)

	Session struct {
		backends       []Backend
		clock          clockwork.Clock
		l              *log.Logger
		openTimeout    time.Duration
		pollInterval   time.Duration
		readBackoff    time.Duration
		connectBackoff time.Duration
		stabilizeDelay time.Duration
		listeners      []StateListener

		ioMu sync.Mutex // serializes all device access

		mu        sync.RWMutex
		index     int
		state     State
		dev       Device
		backend   string
		lastGood  string
		props     Properties
		stableAt  time.Time
		seq       uint64
		fpsWindow *fpsMeter
	}
)

func WithClock(c clockwork.Clock) Option {
	return func(s *Session) {
		s.clock = c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Session) {
		s.l = l
	}
}

// WithOpenTimeout limits how long connect waits for a device to report being opened.
func WithOpenTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.openTimeout = d
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		s.pollInterval = d
	}
}

func WithBackoff(read, connect time.Duration) Option {
	return func(s *Session) {
		s.readBackoff = read
		s.connectBackoff = connect
	}
}

func WithStabilizeDelay(d time.Duration) Option {
	return func(s *Session) {
		s.stabilizeDelay = d
	}
}

func WithStateListener(fn StateListener) Option {
	return func(s *Session) {
		s.listeners = append(s.listeners, fn)
	}
}

func WithIndex(idx int) Option {
	return func(s *Session) {
		s.index = idx
	}
}

// NewSession creates a session for the given backends. The order of backends is the
// preference order used by Connect.
func NewSession(backends []Backend, opts ...Option) *Session {
	s := &Session{
		backends:       backends,
		clock:          clockwork.NewRealClock(),
		l:              log.Default().Named("camera"),
		openTimeout:    DefaultOpenTimeout,
		pollInterval:   DefaultPollInterval,
		readBackoff:    DefaultReadBackoff,
		connectBackoff: DefaultConnectBackoff,
		stabilizeDelay: DefaultStabilizeDelay,
		state:          Disconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.fpsWindow = newFPSMeter(fpsWindowSize)
	return s
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Index() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index
}

// Backend returns the name of the backend of the open device.
func (s *Session) Backend() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend
}

func (s *Session) LastKnownGoodBackend() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastGood
}

func (s *Session) Properties() Properties {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props
}

// Stable reports whether the stabilization delay after the last (re)connect is over.
func (s *Session) Stable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (s.state == Connected || s.state == Reading) && !s.clock.Now().Before(s.stableAt)
}

// WaitStable blocks until frames of the session can be trusted for recording.
func (s *Session) WaitStable(ctx context.Context) error {
	for !s.Stable() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.pollInterval):
		}
	}
	return nil
}

// EstimatedFPS returns the measured frame rate. Without enough samples the rate
// reported by the device is used, DefaultFPS as the last resort.
func (s *Session) EstimatedFPS() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st := s.fpsWindow.stats(); st.Samples >= minFPSSamples && st.Mean > 0 {
		return st.Mean
	}
	if s.props.FPS > 0 {
		return s.props.FPS
	}
	return DefaultFPS
}

func (s *Session) FPSStats() FPSStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fpsWindow.stats()
}

// Connect opens the device at index. The previously successful backend is tried
// first, then the remaining backends in preference order.
func (s *Session) Connect(ctx context.Context, index int) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.connectLocked(ctx, index)
}

// reconnect reopens the current index. It does nothing if a device was attached or
// a switch started since the caller saw the session disconnected.
func (s *Session) reconnect(ctx context.Context) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	s.mu.RLock()
	state, index := s.state, s.index
	s.mu.RUnlock()
	if state != Disconnected && state != Failed {
		return nil
	}
	return s.connectLocked(ctx, index)
}

// connectLocked must be called with ioMu held.
func (s *Session) connectLocked(ctx context.Context, index int) error {
	s.releaseLocked()
	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	s.setState(Connecting)

	dev, backend, err := s.open(ctx, index)
	if err != nil {
		if ctx.Err() != nil {
			s.setState(Disconnected)
		} else {
			s.setState(Failed)
		}
		return err
	}
	s.attach(dev, backend, index)
	return nil
}

// SwitchTo connects to another device. Reads are suppressed while switching.
// If newIndex cannot be connected the session reverts to the previous index.
func (s *Session) SwitchTo(ctx context.Context, newIndex int) error {
	s.mu.Lock()
	if s.state == Switching {
		s.mu.Unlock()
		return ErrSwitching
	}
	prev, from := s.index, s.state
	s.state = Switching
	s.mu.Unlock()
	s.notify(from, Switching)
	defer func() {
		if s.State() == Switching {
			s.setState(Disconnected)
		}
	}()

	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	s.l.Info("switching camera", log.Int("from", prev), log.Int("to", newIndex))
	s.releaseLocked()

	dev, backend, err := s.open(ctx, newIndex)
	if err == nil {
		s.attach(dev, backend, newIndex)
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	s.l.Warn("camera switch failed, reverting",
		log.Int("index", newIndex), log.Int("previous", prev), log.ErrorField(err))
	dev, backend, perr := s.open(ctx, prev)
	if perr == nil {
		s.attach(dev, backend, prev)
		return fmt.Errorf("switch to camera %d: %w", newIndex, err)
	}
	s.mu.Lock()
	s.index = prev
	s.mu.Unlock()
	s.setState(Failed)
	return fmt.Errorf("switch to camera %d: %w", newIndex, errors.Join(err, perr))
}

// Read returns the next frame. On failure the device is released and the session
// is left Disconnected, the caller has to reconnect.
func (s *Session) Read() (model.Frame, error) {
	if s.State() == Switching {
		return model.Frame{}, ErrSwitching
	}
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.RLock()
	dev, state := s.dev, s.state
	s.mu.RUnlock()
	if state == Switching {
		return model.Frame{}, ErrSwitching
	}
	if dev == nil {
		return model.Frame{}, ErrNotConnected
	}

	f, err := safeRead(dev)
	if err == nil {
		err = f.Validate()
	}
	if err != nil {
		s.releaseLocked()
		s.setState(Disconnected)
		return model.Frame{}, fmt.Errorf("%w: %w", ErrFrameReadFault, err)
	}

	s.mu.Lock()
	s.seq++
	f.Seq = s.seq
	if f.CapturedAt.IsZero() {
		f.CapturedAt = s.clock.Now()
	}
	s.fpsWindow.add(f.CapturedAt)
	s.mu.Unlock()
	if state == Connected {
		s.setState(Reading)
	}
	return f, nil
}

// Release closes the device.
func (s *Session) Release() {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	s.releaseLocked()
	s.setState(Disconnected)
}

// Run is the capture worker. It keeps the session connected and publishes every
// frame in RGB order until ctx is done.
//
//nolint:cyclop // loop handles all states
func (s *Session) Run(ctx context.Context, pub FramePublisher) {
	defer s.Release()
	for ctx.Err() == nil {
		switch s.State() {
		case Switching:
			s.sleep(ctx, s.pollInterval)
			continue
		case Disconnected, Failed:
			if err := s.reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.l.Warn("camera connect failed", log.Int("index", s.Index()),
					log.ErrorField(err))
				s.sleep(ctx, s.connectBackoff)
				continue
			}
		case Connecting, Connected, Reading:
		}

		f, err := s.Read()
		switch {
		case err == nil:
			pub.Publish(f.ToRGB())
		case errors.Is(err, ErrSwitching), errors.Is(err, ErrNotConnected):
			s.sleep(ctx, s.pollInterval)
		default:
			s.l.Warn("camera read failed", log.ErrorField(err))
			s.sleep(ctx, s.readBackoff)
		}
	}
}

// ListAvailable scans indices 0..maxIndex with the preferred backend. If that
// finds nothing, the remaining backends are used for a quick open-only scan.
// The device currently owned by the session is reported without being reopened.
func (s *Session) ListAvailable(maxIndex int) []DeviceInfo {
	if len(s.backends) == 0 {
		return nil
	}
	found := s.scan(s.backends[0], maxIndex, true)
	if len(found) > 0 {
		return found
	}
	for _, b := range s.backends[1:] {
		if found = s.scan(b, maxIndex, false); len(found) > 0 {
			return found
		}
	}
	return nil
}

func (s *Session) scan(b Backend, maxIndex int, withRead bool) []DeviceInfo {
	ret := []DeviceInfo{}
	for idx := 0; idx <= maxIndex; idx++ {
		s.mu.RLock()
		owned := s.dev != nil && s.index == idx
		info := DeviceInfo{
			Index: idx, Backend: s.backend,
			Width: s.props.Width, Height: s.props.Height, FPS: s.props.FPS,
		}
		s.mu.RUnlock()
		if owned {
			ret = append(ret, info)
			continue
		}
		if info, ok := s.probe(b, idx, withRead); ok {
			ret = append(ret, info)
		}
	}
	return ret
}

func (s *Session) probe(b Backend, idx int, withRead bool) (DeviceInfo, bool) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	dev, err := b.Open(idx)
	if err != nil || dev == nil {
		return DeviceInfo{}, false
	}
	defer s.closeDevice(dev)
	if !dev.IsOpened() {
		return DeviceInfo{}, false
	}
	if withRead {
		if _, err := safeRead(dev); err != nil {
			return DeviceInfo{}, false
		}
	}
	p := dev.Properties()
	return DeviceInfo{
		Index: idx, Backend: b.Name(), Width: p.Width, Height: p.Height, FPS: p.FPS,
	}, true
}

// order returns the backends to try, last known good first.
func (s *Session) order() []Backend {
	s.mu.RLock()
	lastGood := s.lastGood
	s.mu.RUnlock()
	idx := slices.IndexFunc(s.backends, func(b Backend) bool {
		return b.Name() == lastGood
	})
	if idx <= 0 {
		return s.backends
	}
	ret := []Backend{s.backends[idx]}
	ret = append(ret, s.backends[:idx]...)
	return append(ret, s.backends[idx+1:]...)
}

// open must be called with ioMu held.
func (s *Session) open(ctx context.Context, index int) (Device, string, error) {
	tried := make([]string, 0, len(s.backends))
	for _, b := range s.order() {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		tried = append(tried, b.Name())
		dev, err := b.Open(index)
		if err != nil || dev == nil {
			s.l.Debug("backend failed to open device", log.String("backend", b.Name()),
				log.Int("index", index), log.ErrorField(err))
			continue
		}
		if err := s.waitOpened(ctx, dev); err != nil {
			s.closeDevice(dev)
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			s.l.Debug("device not opened in time", log.String("backend", b.Name()),
				log.Int("index", index))
			continue
		}
		if _, err := safeRead(dev); err != nil {
			s.l.Debug("test read failed", log.String("backend", b.Name()),
				log.Int("index", index), log.ErrorField(err))
			s.closeDevice(dev)
			continue
		}
		return dev, b.Name(), nil
	}
	return nil, "", fmt.Errorf("%w: index %d (tried %s)", ErrDeviceUnavailable, index,
		strings.Join(tried, ","))
}

var errOpenTimeout = errors.New("open timeout")

func (s *Session) waitOpened(ctx context.Context, dev Device) error {
	deadline := s.clock.Now().Add(s.openTimeout)
	for !dev.IsOpened() {
		if !s.clock.Now().Before(deadline) {
			return errOpenTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.pollInterval):
		}
	}
	return nil
}

func (s *Session) attach(dev Device, backend string, index int) {
	props := dev.Properties()
	s.mu.Lock()
	s.dev = dev
	s.backend = backend
	s.lastGood = backend
	s.index = index
	s.props = props
	s.stableAt = s.clock.Now().Add(s.stabilizeDelay)
	s.fpsWindow.reset()
	s.mu.Unlock()
	s.l.Info("camera connected", log.Int("index", index), log.String("backend", backend),
		log.Int("width", props.Width), log.Int("height", props.Height),
		log.Float("fps", props.FPS))
	s.setState(Connected)
}

// releaseLocked must be called with ioMu held.
func (s *Session) releaseLocked() {
	s.mu.Lock()
	dev := s.dev
	s.dev = nil
	s.backend = ""
	s.mu.Unlock()
	if dev != nil {
		s.closeDevice(dev)
	}
}

func (s *Session) closeDevice(dev Device) {
	if err := dev.Close(); err != nil {
		s.l.Debug("error closing device", log.ErrorField(err))
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	from := s.state
	s.state = state
	s.mu.Unlock()
	s.notify(from, state)
}

func (s *Session) notify(from, state State) {
	if from == state {
		return
	}
	s.l.Debug("camera state", log.String("from", from.String()),
		log.String("to", state.String()))
	for _, fn := range s.listeners {
		fn(from, state)
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-s.clock.After(d):
	}
}

// safeRead converts driver panics into errors.
func safeRead(dev Device) (f model.Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("device panic: %v", r)
		}
	}()
	return dev.Read()
}

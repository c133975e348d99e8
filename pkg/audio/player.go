package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/mpapenbr/racetimer-go/log"
)

const (
	defaultSampleRate = 48000
	defaultChannels   = 2
)

// Cue plays a named sound. Play never blocks.
type Cue interface {
	Play(key string)
}

// Nop is a silent cue.
type Nop struct{}

func (Nop) Play(string) {}

// mixer renders the active clip into the device buffer. Starting a clip replaces
// the one currently playing.
type mixer struct {
	mu    sync.Mutex
	clips map[string]Clip
	cur   []int16
	pos   int
}

func (m *mixer) play(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clips[key]
	if !ok {
		return false
	}
	m.cur = c.Samples
	m.pos = 0
	return true
}

// render fills out with little endian S16 samples.
func (m *mixer) render(out []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i+1 < len(out); i += 2 {
		var v int16
		if m.pos < len(m.cur) {
			v = m.cur[m.pos]
			m.pos++
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(v))
	}
}

func (m *mixer) playing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos < len(m.cur)
}

type (
	PlayerOption func(*Player)

	// Player keeps a playback device running so that starting a cue only swaps
	// the clip rendered by the device callback.
	Player struct {
		l        *log.Logger
		clips    map[string]Clip
		rate     int
		channels int
		mix      *mixer

		mu     sync.Mutex
		ctx    *malgo.AllocatedContext
		device *malgo.Device
	}
)

func WithLogger(l *log.Logger) PlayerOption {
	return func(p *Player) {
		p.l = l
	}
}

func WithFormat(sampleRate, channels int) PlayerOption {
	return func(p *Player) {
		p.rate = sampleRate
		p.channels = channels
	}
}

func NewPlayer(clips map[string]Clip, opts ...PlayerOption) *Player {
	p := &Player{
		l:        log.Default().Named("audio"),
		clips:    clips,
		rate:     defaultSampleRate,
		channels: defaultChannels,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.mix = &mixer{clips: convertAll(clips, p.rate, p.channels)}
	return p
}

func convertAll(clips map[string]Clip, rate, channels int) map[string]Clip {
	ret := make(map[string]Clip, len(clips))
	for k, c := range clips {
		ret[k] = c.Convert(rate, channels)
	}
	return ret
}

// Start opens the default playback device.
func (p *Player) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.device != nil {
		return nil
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(p.channels)
	cfg.SampleRate = uint32(p.rate)

	device, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			p.mix.render(out)
		},
	})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("init playback device: %w", err)
	}
	if actual := int(device.SampleRate()); actual != p.rate {
		p.l.Info("playback device uses different sample rate",
			log.Int("requested", p.rate), log.Int("actual", actual))
		p.rate = actual
		p.mix.mu.Lock()
		p.mix.clips = convertAll(p.clips, p.rate, p.channels)
		p.mix.mu.Unlock()
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("start playback device: %w", err)
	}
	p.ctx = ctx
	p.device = device
	p.l.Info("audio playback started", log.Int("sampleRate", p.rate),
		log.Int("cues", len(p.clips)))
	return nil
}

// Play starts the cue registered for key.
func (p *Player) Play(key string) {
	if !p.mix.play(key) {
		p.l.Debug("no audio cue", log.String("key", key))
	}
}

// Playing reports whether a cue is still being rendered.
func (p *Player) Playing() bool {
	return p.mix.playing()
}

func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.device == nil {
		return nil
	}
	err := p.device.Stop()
	p.device.Uninit()
	p.device = nil
	err = errors.Join(err, p.ctx.Uninit())
	p.ctx.Free()
	p.ctx = nil
	return err
}

// LoadCues loads the WAV file for each key. Keys without a file are skipped,
// start beeps without a file fall back to a generated tone.
func LoadCues(files map[string]string, beepKey string, l *log.Logger) (map[string]Clip, error) {
	clips := make(map[string]Clip, len(files))
	var errs []error
	for key, path := range files {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			l.Warn("audio cue file not found", log.String("key", key), log.String("path", path))
			continue
		}
		c, err := LoadWAV(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("cue %s: %w", key, err))
			continue
		}
		clips[key] = c
	}
	if _, ok := clips[beepKey]; !ok && beepKey != "" {
		clips[beepKey] = Tone(880, 400*time.Millisecond, defaultSampleRate)
	}
	return clips, errors.Join(errs...)
}

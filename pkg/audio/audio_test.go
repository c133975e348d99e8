package audio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/racetimer-go/log"
)

func writeWAV(t *testing.T, path string, rate, bitDepth, channels int, data []int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, rate, bitDepth, channels, 1)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Data:           data,
		Format:         &goaudio.Format{SampleRate: rate, NumChannels: channels},
		SourceBitDepth: bitDepth,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
}

func TestLoadWAV(t *testing.T) {
	tests := []struct {
		name     string
		bitDepth int
		data     []int
		want     []int16
	}{
		{"16 bit", 16, []int{0, 1000, -1000, 32767}, []int16{0, 1000, -1000, 32767}},
		{"24 bit", 24, []int{0, 256000, -256000}, []int16{0, 1000, -1000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cue.wav")
			writeWAV(t, path, 22050, tt.bitDepth, 1, tt.data)
			c, err := LoadWAV(path)
			require.NoError(t, err)
			assert.Equal(t, 22050, c.SampleRate)
			assert.Equal(t, 1, c.Channels)
			assert.Equal(t, tt.want, c.Samples)
		})
	}
}

func TestLoadWAVInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.wav")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a wav"), 0o600))
	_, err := LoadWAV(path)
	assert.ErrorIs(t, err, ErrInvalidWAV)

	_, err = LoadWAV(filepath.Join(t.TempDir(), "missing.wav"))
	assert.Error(t, err)
}

func TestConvert(t *testing.T) {
	mono := Clip{SampleRate: 10, Channels: 1, Samples: []int16{0, 100, 200, 300}}

	stereo := mono.Convert(10, 2)
	assert.Equal(t, []int16{0, 0, 100, 100, 200, 200, 300, 300}, stereo.Samples)

	back := stereo.Convert(10, 1)
	assert.Equal(t, mono.Samples, back.Samples)

	up := mono.Convert(20, 1)
	assert.Equal(t, 8, up.Frames())
	assert.Equal(t, []int16{0, 50, 100, 150, 200, 250, 300, 300}, up.Samples)

	assert.Equal(t, 400*time.Millisecond, mono.Duration())
	assert.Equal(t, 0, Clip{}.Convert(48000, 2).Frames())
}

func TestMixerRender(t *testing.T) {
	m := &mixer{clips: map[string]Clip{
		"beep": {SampleRate: 10, Channels: 1, Samples: []int16{1, -2, 3}},
	}}
	out := make([]byte, 8)
	m.render(out)
	assert.Equal(t, make([]byte, 8), out, "silence without a cue")

	assert.False(t, m.play("unknown"))
	require.True(t, m.play("beep"))
	assert.True(t, m.playing())
	m.render(out)
	got := make([]int16, 4)
	for i := range got {
		got[i] = int16(binary.LittleEndian.Uint16(out[2*i:]))
	}
	assert.Equal(t, []int16{1, -2, 3, 0}, got)
	assert.False(t, m.playing())
}

func TestLoadCues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "set.wav")
	writeWAV(t, path, 48000, 16, 1, []int{1, 2, 3})

	clips, err := LoadCues(map[string]string{
		"set":         path,
		"in_position": filepath.Join(dir, "missing.wav"),
		"go_to_start": "",
	}, "start_beep", log.Default())
	require.NoError(t, err)
	assert.Len(t, clips, 2)
	assert.Equal(t, []int16{1, 2, 3}, clips["set"].Samples)
	assert.Equal(t, 400*time.Millisecond, clips["start_beep"].Duration())
}

func TestToneFades(t *testing.T) {
	c := Tone(440, 100*time.Millisecond, 8000)
	assert.Equal(t, 800, c.Frames())
	assert.Equal(t, int16(0), c.Samples[0])
	assert.Equal(t, int16(0), c.Samples[len(c.Samples)-1])
}

func TestPlayerWithoutDevice(t *testing.T) {
	p := NewPlayer(map[string]Clip{"x": Tone(440, 10*time.Millisecond, 48000)})
	p.Play("x")
	assert.True(t, p.Playing())
	p.Play("unknown")
	require.NoError(t, p.Close())
	var cue Cue = Nop{}
	cue.Play("x")
}

type recordingCue struct{ keys []string }

func (c *recordingCue) Play(key string) { c.keys = append(c.keys, key) }

func TestGate(t *testing.T) {
	cue := &recordingCue{}
	g := NewGate(cue, true)
	g.Play("set")
	g.SetEnabled(false)
	g.Play("start_beep")
	assert.False(t, g.Enabled())
	g.SetEnabled(true)
	g.Play("start_beep")
	assert.Equal(t, []string{"set", "start_beep"}, cue.keys)
}

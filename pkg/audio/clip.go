// Package audio plays the start sequence cues.
package audio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var ErrInvalidWAV = errors.New("invalid WAV file")

// Clip is interleaved 16 bit PCM.
type Clip struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

func (c Clip) Frames() int {
	if c.Channels == 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

func (c Clip) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.SampleRate)
}

// LoadWAV decodes a PCM WAV file with 8, 16, 24 or 32 bit samples.
func LoadWAV(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Clip{}, fmt.Errorf("%w: %s", ErrInvalidWAV, path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return clipFromBuffer(buf, int(dec.BitDepth))
}

func clipFromBuffer(buf *goaudio.IntBuffer, bitDepth int) (Clip, error) {
	if buf == nil || buf.Format == nil || buf.Format.NumChannels < 1 {
		return Clip{}, ErrInvalidWAV
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		switch bitDepth {
		case 8:
			samples[i] = int16((v - 128) << 8)
		case 16:
			samples[i] = int16(v)
		case 24, 32:
			samples[i] = int16(v >> (bitDepth - 16))
		default:
			return Clip{}, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidWAV, bitDepth)
		}
	}
	return Clip{
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
		Samples:    samples,
	}, nil
}

// Convert returns the clip with the given sample rate and channel count.
// Resampling is linear, which is sufficient for short cue sounds.
func (c Clip) Convert(rate, channels int) Clip {
	if c.Frames() == 0 || rate <= 0 || channels <= 0 {
		return Clip{SampleRate: rate, Channels: channels}
	}
	src := c
	if c.SampleRate != rate {
		src = c.resample(rate)
	}
	if src.Channels == channels {
		return src
	}
	frames := src.Frames()
	out := make([]int16, frames*channels)
	for f := 0; f < frames; f++ {
		in := src.Samples[f*src.Channels : (f+1)*src.Channels]
		var mono int
		for _, v := range in {
			mono += int(v)
		}
		mono /= len(in)
		for ch := 0; ch < channels; ch++ {
			switch {
			case src.Channels == 1 || channels == 1:
				out[f*channels+ch] = int16(mono)
			case ch < src.Channels:
				out[f*channels+ch] = in[ch]
			default:
				out[f*channels+ch] = int16(mono)
			}
		}
	}
	return Clip{SampleRate: rate, Channels: channels, Samples: out}
}

func (c Clip) resample(rate int) Clip {
	inFrames := c.Frames()
	outFrames := int(int64(inFrames) * int64(rate) / int64(c.SampleRate))
	out := make([]int16, outFrames*c.Channels)
	ratio := float64(c.SampleRate) / float64(rate)
	for f := 0; f < outFrames; f++ {
		pos := float64(f) * ratio
		i := int(pos)
		frac := pos - float64(i)
		next := min(i+1, inFrames-1)
		for ch := 0; ch < c.Channels; ch++ {
			a := float64(c.Samples[i*c.Channels+ch])
			b := float64(c.Samples[next*c.Channels+ch])
			out[f*c.Channels+ch] = int16(math.Round(a + (b-a)*frac))
		}
	}
	return Clip{SampleRate: rate, Channels: c.Channels, Samples: out}
}

// Tone creates a mono sine beep with short fades to avoid clicks.
func Tone(freq float64, d time.Duration, rate int) Clip {
	n := int(d.Seconds() * float64(rate))
	fade := min(n/2, rate/200) // 5ms
	samples := make([]int16, n)
	for i := range samples {
		amp := 0.6
		if i < fade {
			amp *= float64(i) / float64(fade)
		} else if n-i <= fade {
			amp *= float64(n-i-1) / float64(fade)
		}
		samples[i] = int16(amp * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return Clip{SampleRate: rate, Channels: 1, Samples: samples}
}

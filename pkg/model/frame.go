package model

import (
	"errors"
	"fmt"
	"image"
	"time"
)

type PixelFormat int

const (
	PixelFormatRGB24 PixelFormat = iota
	PixelFormatBGR24
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatRGB24:
		return "RGB24"
	case PixelFormatBGR24:
		return "BGR24"
	default:
		return "unknown"
	}
}

var ErrInvalidFrame = errors.New("invalid frame")

// Frame is an immutable snapshot of one decoded camera image.
// Pix is never written after the frame has been published; consumers that need to
// draw on a frame work on the copy returned by Image.
type Frame struct {
	Pix        []byte // packed 3 bytes per pixel, row stride = Width*3
	Width      int
	Height     int
	Format     PixelFormat
	Seq        uint64
	CapturedAt time.Time
}

func (f Frame) IsZero() bool {
	return len(f.Pix) == 0
}

func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	if len(f.Pix) < f.Width*f.Height*3 {
		return fmt.Errorf("%w: %d bytes for %dx%d", ErrInvalidFrame,
			len(f.Pix), f.Width, f.Height)
	}
	return nil
}

// ToRGB returns the frame in RGB order. BGR frames are converted into a new buffer,
// RGB frames are returned as they are (they share the read only pixel buffer).
func (f Frame) ToRGB() Frame {
	if f.Format == PixelFormatRGB24 {
		return f
	}
	out := f
	out.Pix = make([]byte, len(f.Pix))
	for i := 0; i+2 < len(f.Pix); i += 3 {
		out.Pix[i] = f.Pix[i+2]
		out.Pix[i+1] = f.Pix[i+1]
		out.Pix[i+2] = f.Pix[i]
	}
	out.Format = PixelFormatRGB24
	return out
}

// Image returns a freshly allocated RGBA copy of the frame.
func (f Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	rIdx, bIdx := 0, 2
	if f.Format == PixelFormatBGR24 {
		rIdx, bIdx = 2, 0
	}
	n := f.Width * f.Height
	for p := 0; p < n && p*3+2 < len(f.Pix); p++ {
		src := f.Pix[p*3 : p*3+3]
		dst := img.Pix[p*4 : p*4+4]
		dst[0] = src[rIdx]
		dst[1] = src[1]
		dst[2] = src[bIdx]
		dst[3] = 0xff
	}
	return img
}

// FrameFromImage packs img into a RGB24 frame.
func FrameFromImage(img image.Image, seq uint64, capturedAt time.Time) Frame {
	b := img.Bounds()
	f := Frame{
		Pix:        make([]byte, b.Dx()*b.Dy()*3),
		Width:      b.Dx(),
		Height:     b.Dy(),
		Format:     PixelFormatRGB24,
		Seq:        seq,
		CapturedAt: capturedAt,
	}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			f.Pix[i] = byte(r >> 8)
			f.Pix[i+1] = byte(g >> 8)
			f.Pix[i+2] = byte(bl >> 8)
			i += 3
		}
	}
	return f
}

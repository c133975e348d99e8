package model

import (
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameValidate(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{"ok", Frame{Pix: make([]byte, 12), Width: 2, Height: 2}, false},
		{"zero size", Frame{Pix: make([]byte, 12)}, true},
		{"short buffer", Frame{Pix: make([]byte, 11), Width: 2, Height: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFrame)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestToRGB(t *testing.T) {
	bgr := Frame{Pix: []byte{1, 2, 3, 4, 5, 6}, Width: 2, Height: 1, Format: PixelFormatBGR24}
	rgb := bgr.ToRGB()
	assert.Equal(t, PixelFormatRGB24, rgb.Format)
	assert.Equal(t, []byte{3, 2, 1, 6, 5, 4}, rgb.Pix)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, bgr.Pix, "source must stay untouched")

	same := rgb.ToRGB()
	assert.Equal(t, rgb.Pix, same.Pix)
}

func TestImageAndBack(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2, 1))
	src.Set(0, 0, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	src.Set(1, 0, color.RGBA{R: 40, G: 50, B: 60, A: 255})
	now := time.Now()

	f := FrameFromImage(src, 3, now)
	require.NoError(t, f.Validate())
	assert.Equal(t, uint64(3), f.Seq)
	assert.Equal(t, now, f.CapturedAt)
	assert.Equal(t, []byte{10, 20, 30, 40, 50, 60}, f.Pix)

	img := f.Image()
	assert.Equal(t, color.RGBA{R: 40, G: 50, B: 60, A: 255}, img.RGBAAt(1, 0))

	bgr := Frame{Pix: []byte{30, 20, 10}, Width: 1, Height: 1, Format: PixelFormatBGR24}
	assert.Equal(t, color.RGBA{R: 10, G: 20, B: 30, A: 255}, bgr.Image().RGBAAt(0, 0))
}

package gstreamer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/racetimer-go/pkg/recorder"
)

func TestBackendNames(t *testing.T) {
	tests := []struct {
		goos string
		want []string
	}{
		{"linux", []string{"v4l2", "auto"}},
		{"windows", []string{"msmf", "dshow", "auto"}},
		{"darwin", []string{"avf", "auto"}},
		{"freebsd", []string{"v4l2", "auto"}},
	}
	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			assert.Equal(t, tt.want, BackendNames(tt.goos))
		})
	}
}

func TestCaptureLaunch(t *testing.T) {
	tests := []struct {
		backend string
		index   int
		want    string
		wantErr bool
	}{
		{
			backend: "v4l2", index: 2,
			want: "v4l2src device=/dev/video2 ! videoconvert ! video/x-raw,format=BGR" +
				" ! appsink name=sink max-buffers=1 drop=true sync=false",
		},
		{
			backend: "msmf", index: 1,
			want: "mfvideosrc device-index=1 ! videoconvert ! video/x-raw,format=BGR" +
				" ! appsink name=sink max-buffers=1 drop=true sync=false",
		},
		{
			backend: "auto", index: 0,
			want: "autovideosrc ! videoconvert ! video/x-raw,format=BGR" +
				" ! appsink name=sink max-buffers=1 drop=true sync=false",
		},
		{backend: "auto", index: 1, wantErr: true},
		{backend: "unknown", index: 0, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			got, err := captureLaunch(tt.backend, tt.index)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncoderLaunch(t *testing.T) {
	spec := recorder.StreamSpec{
		Path: "/tmp/race.mp4", Codec: recorder.CodecMJPG,
		Width: 1280, Height: 720, FPS: 29.97,
	}
	got, err := encoderLaunch(spec)
	require.NoError(t, err)
	assert.Equal(t,
		"appsrc name=src is-live=true do-timestamp=true format=time "+
			"caps=video/x-raw,format=RGBA,width=1280,height=720,framerate=29970/1000 "+
			"! videoconvert ! jpegenc quality=90 ! avimux ! filesink location=\"/tmp/race.mp4\"",
		got)

	for _, c := range recorder.DefaultCodecs {
		spec.Codec = c
		_, err := encoderLaunch(spec)
		assert.NoError(t, err, c)
	}

	spec.Codec = "DIVX"
	_, err = encoderLaunch(spec)
	assert.ErrorIs(t, err, ErrUnknownCodec)

	spec.Codec = recorder.CodecH264
	spec.FPS = 0
	_, err = encoderLaunch(spec)
	assert.Error(t, err)
}

func TestPackRows(t *testing.T) {
	// 2x2 pixels, 3 bytes each, rows padded to 8 bytes
	padded := []byte{
		1, 2, 3, 4, 5, 6, 0, 0,
		7, 8, 9, 10, 11, 12, 0, 0,
	}
	got, err := packRows(padded, 2, 2, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, got)

	got, err = packRows(padded[:14], 2, 2, 3, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, got)

	tight := []byte{1, 2, 3, 4, 5, 6}
	got, err = packRows(tight, 1, 2, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, tight, got)

	_, err = packRows(tight, 2, 2, 3, 0)
	assert.Error(t, err)
	_, err = packRows(tight, 0, 2, 3, 0)
	assert.Error(t, err)
}

func TestFraction(t *testing.T) {
	num, denom := fraction(30)
	assert.Equal(t, 30000, num)
	assert.Equal(t, 1000, denom)
	num, _ = fraction(29.97)
	assert.Equal(t, 29970, num)
}

type frac struct{ num, denom int }

func (f frac) Num() int   { return f.num }
func (f frac) Denom() int { return f.denom }

func TestFramerateOf(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want float64
	}{
		{"fixed rate differs", frac{25, 1}, 25},
		{"fixed ntsc", frac{30000, 1001}, 30000.0 / 1001},
		{"zero denominator", frac{30, 0}, 29.97},
		{"range", "[ 0/1, 2147483647/1 ]", 29.97},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, framerateOf(tt.v, 29.97), 1e-9)
		})
	}
}

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseResolution(t *testing.T) {
	tests := []struct {
		in      string
		want    Resolution
		wantErr bool
	}{
		{"1280x720", Resolution{1280, 720}, false},
		{" 1920X1080 ", Resolution{1920, 1080}, false},
		{"1280", Resolution{}, true},
		{"ax720", Resolution{}, true},
		{"0x720", Resolution{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseResolution(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got.String(), parseResolutionMust(t, got.String()).String())
		})
	}
}

func parseResolutionMust(t *testing.T, s string) Resolution {
	t.Helper()
	r, err := ParseResolution(s)
	assert.NoError(t, err)
	return r
}

func TestQualityResolution(t *testing.T) {
	r, ok := QualityResolution(QualityHigh)
	assert.True(t, ok)
	assert.Equal(t, Resolution{1920, 1080}, r)

	r, ok = QualityResolution("Ultra")
	assert.False(t, ok)
	assert.Equal(t, Resolution{1280, 720}, r)
	assert.Len(t, QualityLabels(), 3)
}

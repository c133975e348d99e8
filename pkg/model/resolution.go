package model

import (
	"fmt"
	"strconv"
	"strings"
)

type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func (r Resolution) Valid() bool {
	return r.Width > 0 && r.Height > 0
}

// ParseResolution parses values like "1280x720".
func ParseResolution(s string) (Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Resolution{}, fmt.Errorf("invalid resolution %q", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution width %q: %w", s, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution height %q: %w", s, err)
	}
	r := Resolution{Width: width, Height: height}
	if !r.Valid() {
		return Resolution{}, fmt.Errorf("invalid resolution %q", s)
	}
	return r, nil
}

const (
	QualityHigh   = "High (1080p)"
	QualityMedium = "Medium (720p)"
	QualityLow    = "Low (480p)"
)

var qualityResolutions = map[string]Resolution{
	QualityHigh:   {Width: 1920, Height: 1080},
	QualityMedium: {Width: 1280, Height: 720},
	QualityLow:    {Width: 854, Height: 480},
}

// QualityResolution maps a recording quality label to its resolution.
// Unknown labels fall back to the medium quality.
func QualityResolution(label string) (Resolution, bool) {
	if r, ok := qualityResolutions[label]; ok {
		return r, true
	}
	return qualityResolutions[QualityMedium], false
}

func QualityLabels() []string {
	return []string{QualityHigh, QualityMedium, QualityLow}
}

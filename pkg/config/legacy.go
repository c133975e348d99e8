package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"dario.cat/mergo"

	"github.com/mpapenbr/racetimer-go/pkg/model"
)

type (
	legacyCamera struct {
		DefaultCamera *int    `json:"default_camera,omitempty"`
		Resolution    *string `json:"resolution,omitempty"`
		FPS           *int    `json:"fps,omitempty"`
		AutoConnect   *bool   `json:"auto_connect,omitempty"`
	}
	legacyRecording struct {
		DefaultQuality    *string `json:"default_quality,omitempty"`
		CountdownDuration *int    `json:"countdown_duration,omitempty"`
		AudioEnabled      *bool   `json:"audio_enabled,omitempty"`
		AutoSave          *bool   `json:"auto_save,omitempty"`
		OutputDirectory   *string `json:"output_directory,omitempty"`
	}
	legacyAuth struct {
		Enabled *bool   `json:"enabled,omitempty"`
		APIKey  *string `json:"api_key,omitempty"`
	}
	legacyWebhook struct {
		Enabled        *bool      `json:"enabled,omitempty"`
		Port           *int       `json:"port,omitempty"`
		Endpoint       *string    `json:"endpoint,omitempty"`
		Authentication legacyAuth `json:"authentication"`
	}
	legacyAdvanced struct {
		DebugMode *bool   `json:"debug_mode,omitempty"`
		LogLevel  *string `json:"log_level,omitempty"`
	}

	// Legacy is the nested json settings document of earlier racetimer versions.
	// Sections without a counterpart (timing, ui) are ignored.
	Legacy struct {
		Camera    legacyCamera    `json:"camera"`
		Recording legacyRecording `json:"recording"`
		Webhook   legacyWebhook   `json:"webhook"`
		Advanced  legacyAdvanced  `json:"advanced"`
	}
)

// LegacyDefaults returns the defaults earlier versions applied to missing settings.
func LegacyDefaults() Legacy {
	return Legacy{
		Camera: legacyCamera{
			DefaultCamera: ptr(0),
			Resolution:    ptr("1280x720"),
			FPS:           ptr(30),
			AutoConnect:   ptr(true),
		},
		Recording: legacyRecording{
			DefaultQuality:    ptr(model.QualityMedium),
			CountdownDuration: ptr(3),
			AudioEnabled:      ptr(true),
			AutoSave:          ptr(true),
			OutputDirectory:   ptr("~/Pictures/RaceTimer"),
		},
		Webhook: legacyWebhook{
			Enabled:  ptr(false),
			Port:     ptr(8080),
			Endpoint: ptr("/finish"),
			Authentication: legacyAuth{
				Enabled: ptr(false),
				APIKey:  ptr(""),
			},
		},
		Advanced: legacyAdvanced{
			DebugMode: ptr(false),
			LogLevel:  ptr("INFO"),
		},
	}
}

// ParseLegacy decodes a legacy document and merges it over the legacy defaults.
func ParseLegacy(data []byte) (Legacy, error) {
	var loaded Legacy
	if err := json.Unmarshal(data, &loaded); err != nil {
		return Legacy{}, fmt.Errorf("invalid legacy config: %w", err)
	}
	ret := LegacyDefaults()
	if err := mergo.Merge(&ret, loaded, mergo.WithOverride, mergo.WithoutDereference); err != nil {
		return Legacy{}, err
	}
	return ret, nil
}

// ImportLegacy reads a legacy document and maps it onto base.
func ImportLegacy(path string, base Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	legacy, err := ParseLegacy(data)
	if err != nil {
		return nil, err
	}
	c := legacy.Apply(base)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Apply maps the legacy settings onto c.
func (l Legacy) Apply(c Config) Config {
	c.Camera.Index = *l.Camera.DefaultCamera
	c.Recording.Quality = *l.Recording.DefaultQuality
	c.Recording.OutputDir = expandHome(*l.Recording.OutputDirectory)
	c.Audio.Enabled = *l.Recording.AudioEnabled
	c.Webhook.Enabled = *l.Webhook.Enabled
	c.Webhook.Port = *l.Webhook.Port
	c.Webhook.APIKey = ""
	if *l.Webhook.Authentication.Enabled {
		c.Webhook.APIKey = *l.Webhook.Authentication.APIKey
	}
	c.Log.Level = strings.ToLower(*l.Advanced.LogLevel)
	switch c.Log.Level {
	case "warning":
		c.Log.Level = "warn"
	case "critical":
		c.Log.Level = "fatal"
	}
	if *l.Advanced.DebugMode {
		c.Log.Level = "debug"
	}
	return c
}

func ptr[T any](v T) *T {
	return &v
}

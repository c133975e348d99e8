package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mpapenbr/racetimer-go/pkg/model"
	"github.com/mpapenbr/racetimer-go/pkg/sequence"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, sequence.DefaultBounds(), c.Sequence.Bounds())
	assert.Equal(t, model.Resolution{Width: 1280, Height: 720}, c.Recording.Resolution())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{"negative camera", func(c *Config) { c.Camera.Index = -1 }, "camera index"},
		{"no lanes", func(c *Config) { c.Recording.Lanes = 0 }, "lanes must be at least 1"},
		{"unknown codec", func(c *Config) { c.Recording.Codecs = []string{"VP9"} }, `"VP9"`},
		{"empty output", func(c *Config) { c.Recording.OutputDir = "" }, "output dir"},
		{"bad port", func(c *Config) { c.Webhook.Port = 70000 }, "webhook port"},
		{"no rate", func(c *Config) { c.Webhook.RateLimit = 0 }, "rate limit"},
		{"set bounds swapped", func(c *Config) {
			c.Sequence.SetMin = Duration(4 * time.Second)
		}, "set min 4s exceeds max 3s"},
		{"zero go to start", func(c *Config) { c.Sequence.GoToStart = 0 }, "go-to-start"},
		{"telemetry interval", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Interval = 0
		}, "telemetry interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	c := Default()
	c.Camera.Index = -1
	c.Recording.Lanes = 0
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "camera index")
	assert.Contains(t, err.Error(), "lanes")
}

func TestUnknownQualityFallsBack(t *testing.T) {
	c := Default()
	c.Recording.Quality = "Ultra"
	require.NoError(t, c.Validate())
	assert.Equal(t, model.Resolution{Width: 1280, Height: 720}, c.Recording.Resolution())
}

func TestYAMLDurationsAsText(t *testing.T) {
	c := Default()
	data, err := c.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "go-to-start: 5s")

	var decoded Config
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, c.Sequence, decoded.Sequence)
}

func TestBuild(t *testing.T) {
	d := Default()
	CameraIndex = 2
	CameraMaxIndex = 9
	StableTimeout = 3 * time.Second
	Quality = model.QualityHigh
	OutputDir = "out"
	Codecs = []string{"MJPG"}
	LaneCount = 4
	WebhookPort = 9000
	WebhookRate = 10
	WebhookBurst = 5
	GoToStart = time.Second
	InPositionMin = time.Second
	InPositionMax = time.Second
	SetMin = d.Sequence.Bounds().SetMin
	SetMax = d.Sequence.Bounds().SetMax
	AudioEnabled = true
	t.Cleanup(func() {
		Codecs = nil
		LaneCount = 0
	})

	c, err := Build()
	require.NoError(t, err)
	assert.Equal(t, 2, c.Camera.Index)
	assert.Equal(t, 4, c.Recording.Lanes)
	assert.Equal(t, model.Resolution{Width: 1920, Height: 1080}, c.Recording.Resolution())
	assert.Equal(t, "MJPG", string(c.Recording.CodecList()[0]))

	LaneCount = 0
	_, err = Build()
	assert.Error(t, err)
}

func TestApplyFile(t *testing.T) {
	v := viper.New()
	v.Set("sequence.set-max", "4s")
	v.Set("audio.enabled", false)

	c, err := Default().ApplyFile(v)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, c.Sequence.Bounds().SetMax)
	assert.False(t, c.Audio.Enabled)
	assert.Equal(t, Default().Sequence.GoToStart, c.Sequence.GoToStart)
}

func TestApplyFileInvalidKeepsConfig(t *testing.T) {
	v := viper.New()
	v.Set("sequence.set-max", "100ms")

	c, err := Default().ApplyFile(v)
	require.Error(t, err)
	assert.Equal(t, Default(), c)
}

func TestParseLegacy(t *testing.T) {
	doc := `{
		"camera": {"default_camera": 1},
		"recording": {"audio_enabled": false, "default_quality": "Low (480p)"},
		"webhook": {"enabled": true, "authentication": {"enabled": true, "api_key": "secret"}},
		"ui": {"theme": "light"},
		"advanced": {"log_level": "WARNING"}
	}`
	legacy, err := ParseLegacy([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 8080, *legacy.Webhook.Port, "missing values come from the defaults")
	assert.True(t, *legacy.Camera.AutoConnect)
	assert.False(t, *legacy.Recording.AudioEnabled, "explicit false survives the merge")

	c := legacy.Apply(Default())
	assert.Equal(t, 1, c.Camera.Index)
	assert.Equal(t, model.QualityLow, c.Recording.Quality)
	assert.False(t, c.Audio.Enabled)
	assert.True(t, c.Webhook.Enabled)
	assert.Equal(t, 8080, c.Webhook.Port)
	assert.Equal(t, "secret", c.Webhook.APIKey)
	assert.Equal(t, "warn", c.Log.Level)
}

func TestParseLegacyKeyWithoutAuth(t *testing.T) {
	legacy, err := ParseLegacy([]byte(
		`{"webhook": {"authentication": {"enabled": false, "api_key": "unused"}},
		  "advanced": {"debug_mode": true}}`))
	require.NoError(t, err)
	c := legacy.Apply(Default())
	assert.Empty(t, c.Webhook.APIKey)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestImportLegacy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"recording": {"output_directory": "/data/races"}}`), 0o600))

	c, err := ImportLegacy(path, Default())
	require.NoError(t, err)
	assert.Equal(t, "/data/races", c.Recording.OutputDir)
	assert.True(t, c.Audio.Enabled)

	require.NoError(t, os.WriteFile(path, []byte(`{"camera": `), 0o600))
	_, err = ImportLegacy(path, Default())
	assert.Error(t, err)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "racetimer.yml")
	require.NoError(t, os.WriteFile(path, []byte("audio:\n  enabled: true\n"), 0o600))

	var mu sync.Mutex
	var got []Config
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, Default(), func(c Config) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, c)
		})
	}()
	defer func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			assert.Fail(t, "Watch did not return after cancel")
		}
	}()

	// written until seen, the watcher may not be registered yet
	require.Eventually(t, func() bool {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			return true
		}
		assert.NoError(t, os.WriteFile(path,
			[]byte("audio:\n  enabled: false\nsequence:\n  go-to-start: 2s\n"), 0o600))
		return false
	}, 5*time.Second, 250*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	last := got[len(got)-1]
	assert.False(t, last.Audio.Enabled)
	assert.Equal(t, 2*time.Second, last.Sequence.Bounds().GoToStart)
}

func TestWatchMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "racetimer.yml")
	err := Watch(context.Background(), path, Default(), func(Config) {})
	assert.Error(t, err)
}

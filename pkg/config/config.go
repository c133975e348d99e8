package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/mpapenbr/racetimer-go/pkg/model"
	"github.com/mpapenbr/racetimer-go/pkg/recorder"
	"github.com/mpapenbr/racetimer-go/pkg/sequence"
)

// this holds the resolved configuration values from CLI
//
//nolint:lll // readablity
var (
	LogLevel          string        // sets the log level (zap log level values)
	LogFormat         string        // text vs json
	EnableTelemetry   bool          // enable telemetry
	TelemetryInterval time.Duration // export interval for stdout metrics
	WaitForServices   string        // duration to wait for other services to be ready

	CameraIndex     int           // camera to connect on startup
	CameraBackends  []string      // backend order, empty means platform default
	CameraMaxIndex  int           // highest index probed when listing devices
	StableTimeout   time.Duration // max wait for a stable camera before arming
	Quality         string        // recording quality label
	OutputDir       string        // where recordings are written
	Codecs          []string      // codec preference order
	LaneCount       int           // number of lanes
	WebhookEnabled  bool          // start the finish endpoint
	WebhookPort     int           // port of the finish endpoint
	WebhookAPIKey   string        // api key for the finish endpoint, empty disables the check
	WebhookRate     float64       // finish requests per second
	WebhookBurst    int           // finish request burst
	GoToStart       time.Duration // duration of the "go to the start" phase
	InPositionMin   time.Duration // lower bound of the "in position" phase
	InPositionMax   time.Duration // upper bound of the "in position" phase
	SetMin          time.Duration // lower bound of the "set" phase
	SetMax          time.Duration // upper bound of the "set" phase
	AudioEnabled    bool          // play audio cues
	AudioDir        string        // directory holding <cue>.wav files
	ArchiveDir      string        // badger directory, empty keeps the archive in memory
	NatsURL         string        // publish race events to this NATS server
	NatsSubject     string        // subject prefix for race events
	ConsoleDisabled bool          // do not read operator commands from stdin
)

// Duration is a time.Duration written as text in yaml documents.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type (
	CameraConfig struct {
		Index         int      `yaml:"index"`
		Backends      []string `yaml:"backends,omitempty"`
		MaxIndex      int      `yaml:"max-index"`
		StableTimeout Duration `yaml:"stable-timeout"`
	}
	RecordingConfig struct {
		Quality   string   `yaml:"quality"`
		OutputDir string   `yaml:"output-dir"`
		Codecs    []string `yaml:"codecs"`
		Lanes     int      `yaml:"lanes"`
	}
	WebhookConfig struct {
		Enabled   bool    `yaml:"enabled"`
		Port      int     `yaml:"port"`
		APIKey    string  `yaml:"api-key,omitempty"`
		RateLimit float64 `yaml:"rate-limit"`
		Burst     int     `yaml:"burst"`
	}
	SequenceConfig struct {
		GoToStart     Duration `yaml:"go-to-start"`
		InPositionMin Duration `yaml:"in-position-min"`
		InPositionMax Duration `yaml:"in-position-max"`
		SetMin        Duration `yaml:"set-min"`
		SetMax        Duration `yaml:"set-max"`
	}
	AudioConfig struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir,omitempty"`
	}
	ArchiveConfig struct {
		Dir string `yaml:"dir,omitempty"`
	}
	NatsConfig struct {
		URL     string `yaml:"url,omitempty"`
		Subject string `yaml:"subject"`
	}
	TelemetryConfig struct {
		Enabled  bool     `yaml:"enabled"`
		Interval Duration `yaml:"interval"`
	}
	LogConfig struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	// Config is the typed, validated configuration of a racetimer process.
	Config struct {
		Log       LogConfig       `yaml:"log"`
		Camera    CameraConfig    `yaml:"camera"`
		Recording RecordingConfig `yaml:"recording"`
		Webhook   WebhookConfig   `yaml:"webhook"`
		Sequence  SequenceConfig  `yaml:"sequence"`
		Audio     AudioConfig     `yaml:"audio"`
		Archive   ArchiveConfig   `yaml:"archive"`
		Nats      NatsConfig      `yaml:"nats"`
		Telemetry TelemetryConfig `yaml:"telemetry"`
	}
)

// FlagKeys maps command line flags to their key in the config file.
// Flags not listed use their name as key.
var FlagKeys = map[string]string{
	"log-level":           "log.level",
	"log-format":          "log.format",
	"enable-telemetry":    "telemetry.enabled",
	"telemetry-interval":  "telemetry.interval",
	"camera":              "camera.index",
	"camera-backends":     "camera.backends",
	"camera-max-index":    "camera.max-index",
	"stable-timeout":      "camera.stable-timeout",
	"quality":             "recording.quality",
	"output-dir":          "recording.output-dir",
	"codecs":              "recording.codecs",
	"lanes":               "recording.lanes",
	"webhook":             "webhook.enabled",
	"webhook-port":        "webhook.port",
	"api-key":             "webhook.api-key",
	"rate-limit":          "webhook.rate-limit",
	"rate-burst":          "webhook.burst",
	"go-to-start":         "sequence.go-to-start",
	"in-position-min":     "sequence.in-position-min",
	"in-position-max":     "sequence.in-position-max",
	"set-min":             "sequence.set-min",
	"set-max":             "sequence.set-max",
	"audio":               "audio.enabled",
	"audio-dir":           "audio.dir",
	"archive-dir":         "archive.dir",
	"nats-url":            "nats.url",
	"nats-subject-prefix": "nats.subject",
}

// Key returns the config file key for a flag name.
func Key(flagName string) string {
	if k, ok := FlagKeys[flagName]; ok {
		return k
	}
	return flagName
}

// Default returns the built-in configuration.
func Default() Config {
	b := sequence.DefaultBounds()
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Camera: CameraConfig{
			MaxIndex:      9,
			StableTimeout: Duration(3 * time.Second),
		},
		Recording: RecordingConfig{
			Quality:   model.QualityMedium,
			OutputDir: "recordings",
			Codecs: lo.Map(recorder.DefaultCodecs, func(c recorder.Codec, _ int) string {
				return string(c)
			}),
			Lanes: 1,
		},
		Webhook: WebhookConfig{Port: 8080, RateLimit: 50, Burst: 100},
		Sequence: SequenceConfig{
			GoToStart:     Duration(b.GoToStart),
			InPositionMin: Duration(b.InPositionMin),
			InPositionMax: Duration(b.InPositionMax),
			SetMin:        Duration(b.SetMin),
			SetMax:        Duration(b.SetMax),
		},
		Audio:     AudioConfig{Enabled: true},
		Nats:      NatsConfig{Subject: "racetimer"},
		Telemetry: TelemetryConfig{Interval: Duration(30 * time.Second)},
	}
}

// Build collects the flag values into a validated Config.
func Build() (*Config, error) {
	c := &Config{
		Log:       LogConfig{Level: LogLevel, Format: LogFormat},
		Telemetry: TelemetryConfig{Enabled: EnableTelemetry, Interval: Duration(TelemetryInterval)},
		Camera: CameraConfig{
			Index:         CameraIndex,
			Backends:      CameraBackends,
			MaxIndex:      CameraMaxIndex,
			StableTimeout: Duration(StableTimeout),
		},
		Recording: RecordingConfig{
			Quality:   Quality,
			OutputDir: expandHome(OutputDir),
			Codecs:    Codecs,
			Lanes:     LaneCount,
		},
		Webhook: WebhookConfig{
			Enabled:   WebhookEnabled,
			Port:      WebhookPort,
			APIKey:    WebhookAPIKey,
			RateLimit: WebhookRate,
			Burst:     WebhookBurst,
		},
		Sequence: SequenceConfig{
			GoToStart:     Duration(GoToStart),
			InPositionMin: Duration(InPositionMin),
			InPositionMax: Duration(InPositionMax),
			SetMin:        Duration(SetMin),
			SetMax:        Duration(SetMax),
		},
		Audio:   AudioConfig{Enabled: AudioEnabled, Dir: expandHome(AudioDir)},
		Archive: ArchiveConfig{Dir: expandHome(ArchiveDir)},
		Nats:    NatsConfig{URL: NatsURL, Subject: NatsSubject},
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports all invalid settings at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Camera.Index < 0 {
		errs = append(errs, fmt.Errorf("camera index must not be negative: %d", c.Camera.Index))
	}
	if c.Camera.MaxIndex < 0 {
		errs = append(errs, fmt.Errorf("camera max index must not be negative: %d",
			c.Camera.MaxIndex))
	}
	if c.Recording.OutputDir == "" {
		errs = append(errs, errors.New("output dir must not be empty"))
	}
	for _, codec := range c.Recording.Codecs {
		if !lo.Contains(recorder.DefaultCodecs, recorder.Codec(codec)) {
			errs = append(errs, fmt.Errorf("unknown codec %q", codec))
		}
	}
	if c.Recording.Lanes < 1 {
		errs = append(errs, fmt.Errorf("lanes must be at least 1: %d", c.Recording.Lanes))
	}
	if c.Webhook.Port < 0 || c.Webhook.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid webhook port %d", c.Webhook.Port))
	}
	if c.Webhook.RateLimit <= 0 || c.Webhook.Burst < 1 {
		errs = append(errs, errors.New("webhook rate limit and burst must be positive"))
	}
	errs = append(errs, c.Sequence.validate()...)
	if c.Telemetry.Enabled && c.Telemetry.Interval <= 0 {
		errs = append(errs, errors.New("telemetry interval must be positive"))
	}
	return errors.Join(errs...)
}

func (s SequenceConfig) validate() []error {
	var errs []error
	if s.GoToStart <= 0 {
		errs = append(errs, errors.New("go-to-start must be positive"))
	}
	check := func(name string, lower, upper Duration) {
		if lower <= 0 || upper <= 0 {
			errs = append(errs, fmt.Errorf("%s bounds must be positive", name))
		}
		if lower > upper {
			errs = append(errs, fmt.Errorf("%s min %v exceeds max %v",
				name, time.Duration(lower), time.Duration(upper)))
		}
	}
	check("in-position", s.InPositionMin, s.InPositionMax)
	check("set", s.SetMin, s.SetMax)
	return errs
}

func (s SequenceConfig) Bounds() sequence.Bounds {
	return sequence.Bounds{
		GoToStart:     time.Duration(s.GoToStart),
		InPositionMin: time.Duration(s.InPositionMin),
		InPositionMax: time.Duration(s.InPositionMax),
		SetMin:        time.Duration(s.SetMin),
		SetMax:        time.Duration(s.SetMax),
	}
}

// Resolution of the recording quality, unknown labels use the medium quality.
func (r RecordingConfig) Resolution() model.Resolution {
	res, _ := model.QualityResolution(r.Quality)
	return res
}

func (r RecordingConfig) CodecList() []recorder.Codec {
	return lo.Map(r.Codecs, func(c string, _ int) recorder.Codec { return recorder.Codec(c) })
}

// CueFiles returns the expected wav file for every audio cue.
func (a AudioConfig) CueFiles() map[string]string {
	ret := map[string]string{}
	if a.Dir == "" {
		return ret
	}
	for _, key := range []string{
		sequence.KeyGoToStart, sequence.KeyInPosition, sequence.KeySet, sequence.KeyStartBeep,
	} {
		ret[key] = filepath.Join(a.Dir, key+".wav")
	}
	return ret
}

// YAML renders the config as yaml document.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

/*
	Copyright 2023 Markus Papenbrock
*/

package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mpapenbr/racetimer-go/log"
	archiveCmd "github.com/mpapenbr/racetimer-go/pkg/cmd/archive"
	configCmd "github.com/mpapenbr/racetimer-go/pkg/cmd/cfg"
	devicesCmd "github.com/mpapenbr/racetimer-go/pkg/cmd/devices"
	ledgerCmd "github.com/mpapenbr/racetimer-go/pkg/cmd/ledger"
	runCmd "github.com/mpapenbr/racetimer-go/pkg/cmd/run"
	"github.com/mpapenbr/racetimer-go/pkg/config"
	"github.com/mpapenbr/racetimer-go/pkg/model"
	"github.com/mpapenbr/racetimer-go/version"
)

const envPrefix = "RT"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "racetimer",
	Short:   "Start sequence, finish video and timing for races",
	Long:    ``,
	Version: version.FullVersion,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogger()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:funlen // flag definitions
func init() {
	cobra.OnInitialize(initConfig)

	d := config.Default()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "",
		"config file (default is $HOME/.racetimer.yml)")

	pf.StringVar(&config.LogLevel, "log-level", d.Log.Level,
		"controls the log level (debug, info, warn, error, fatal)")
	pf.StringVar(&config.LogFormat, "log-format", d.Log.Format,
		"controls the log output format (json, text)")
	pf.BoolVar(&config.EnableTelemetry, "enable-telemetry", false,
		"enables telemetry (metrics are written to stderr)")
	pf.DurationVar(&config.TelemetryInterval, "telemetry-interval",
		time.Duration(d.Telemetry.Interval), "interval for writing metrics")
	pf.StringVar(&config.WaitForServices, "wait-for-services", "15s",
		"Duration to wait for other services to be ready")

	pf.IntVar(&config.CameraIndex, "camera", d.Camera.Index, "camera index")
	pf.StringSliceVar(&config.CameraBackends, "camera-backends", nil,
		"capture backends in preference order (default depends on platform)")
	pf.IntVar(&config.CameraMaxIndex, "camera-max-index", d.Camera.MaxIndex,
		"highest camera index probed when listing devices")
	pf.DurationVar(&config.StableTimeout, "stable-timeout",
		time.Duration(d.Camera.StableTimeout), "max wait for a stable camera before recording")

	pf.StringVar(&config.Quality, "quality", d.Recording.Quality,
		fmt.Sprintf("recording quality (%s)", strings.Join(model.QualityLabels(), ", ")))
	pf.StringVar(&config.OutputDir, "output-dir", d.Recording.OutputDir,
		"directory for recordings")
	pf.StringSliceVar(&config.Codecs, "codecs", d.Recording.Codecs,
		"codecs in preference order")
	pf.IntVar(&config.LaneCount, "lanes", d.Recording.Lanes, "number of lanes")

	pf.BoolVar(&config.WebhookEnabled, "webhook", d.Webhook.Enabled,
		"start the finish webhook")
	pf.IntVar(&config.WebhookPort, "webhook-port", d.Webhook.Port,
		"port of the finish webhook (localhost only)")
	pf.StringVar(&config.WebhookAPIKey, "api-key", "",
		"API key required by the finish webhook")
	pf.Float64Var(&config.WebhookRate, "rate-limit", d.Webhook.RateLimit,
		"finish requests per second")
	pf.IntVar(&config.WebhookBurst, "rate-burst", d.Webhook.Burst,
		"finish request burst")

	b := d.Sequence.Bounds()
	pf.DurationVar(&config.GoToStart, "go-to-start", b.GoToStart,
		"duration of the 'go to the start' phase")
	pf.DurationVar(&config.InPositionMin, "in-position-min", b.InPositionMin,
		"minimum duration of the 'in position' phase")
	pf.DurationVar(&config.InPositionMax, "in-position-max", b.InPositionMax,
		"maximum duration of the 'in position' phase")
	pf.DurationVar(&config.SetMin, "set-min", b.SetMin,
		"minimum duration of the 'set' phase")
	pf.DurationVar(&config.SetMax, "set-max", b.SetMax,
		"maximum duration of the 'set' phase")

	pf.BoolVar(&config.AudioEnabled, "audio", d.Audio.Enabled, "play audio cues")
	pf.StringVar(&config.AudioDir, "audio-dir", "",
		"directory with cue files (go_to_start.wav, in_position.wav, set.wav, start_beep.wav)")
	pf.StringVar(&config.ArchiveDir, "archive-dir", "",
		"directory of the race archive (in memory if empty)")
	pf.StringVar(&config.NatsURL, "nats-url", "",
		"publish race events to this NATS server")
	pf.StringVar(&config.NatsSubject, "nats-subject-prefix", d.Nats.Subject,
		"subject prefix for race events")

	// add commands here
	rootCmd.AddCommand(runCmd.NewRunCmd())
	rootCmd.AddCommand(devicesCmd.NewDevicesCmd())
	rootCmd.AddCommand(ledgerCmd.NewLedgerCmd())
	rootCmd.AddCommand(archiveCmd.NewArchiveCmd())
	rootCmd.AddCommand(configCmd.NewConfigCmd())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".racetimer" (without extension).
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".racetimer")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	bindFlags(rootCmd.PersistentFlags(), viper.GetViper())
	for _, cmd := range rootCmd.Commands() {
		bindFlags(cmd.Flags(), viper.GetViper())
	}
}

// Bind each cobra flag to its associated viper configuration
// (config file and environment variable)
func bindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.VisitAll(func(f *pflag.Flag) {
		key := config.Key(f.Name)
		// Environment variables are named after the flag, e.g. --set-max to RT_SET_MAX
		envVarSuffix := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if err := v.BindEnv(key,
			fmt.Sprintf("%s_%s", envPrefix, envVarSuffix)); err != nil {
			fmt.Fprintf(os.Stderr, "Could not bind env var %s: %v", f.Name, err)
		}
		// Apply the viper config value to the flag when the flag is not set and viper
		// has a value
		if !f.Changed && v.IsSet(key) {
			if err := fs.Set(f.Name, flagValue(v.Get(key))); err != nil {
				fmt.Fprintf(os.Stderr, "Could set flag value for %s: %v", f.Name, err)
			}
		}
	})
}

// flagValue renders list values from config files as comma separated flag value.
func flagValue(val any) string {
	switch list := val.(type) {
	case []any:
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(list, ",")
	default:
		return fmt.Sprintf("%v", val)
	}
}

func parseLogLevel(l string, defaultVal log.Level) log.Level {
	level, err := log.ParseLevel(l)
	if err != nil {
		return defaultVal
	}
	return level
}

func setupLogger() {
	var logger *log.Logger
	switch config.LogFormat {
	case "json":
		logger = log.New(
			os.Stderr,
			parseLogLevel(config.LogLevel, log.InfoLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1))
	default:
		logger = log.DevLogger(
			os.Stderr,
			parseLogLevel(config.LogLevel, log.InfoLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1))
	}
	log.ResetDefault(logger)
}

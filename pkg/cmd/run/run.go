package run

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/mpapenbr/racetimer-go/log"
	"github.com/mpapenbr/racetimer-go/pkg/audio"
	"github.com/mpapenbr/racetimer-go/pkg/camera"
	"github.com/mpapenbr/racetimer-go/pkg/cmd/util"
	"github.com/mpapenbr/racetimer-go/pkg/config"
	"github.com/mpapenbr/racetimer-go/pkg/console"
	"github.com/mpapenbr/racetimer-go/pkg/finish"
	"github.com/mpapenbr/racetimer-go/pkg/framebus"
	"github.com/mpapenbr/racetimer-go/pkg/gstreamer"
	"github.com/mpapenbr/racetimer-go/pkg/ledger"
	"github.com/mpapenbr/racetimer-go/pkg/publish"
	"github.com/mpapenbr/racetimer-go/pkg/race"
	"github.com/mpapenbr/racetimer-go/pkg/recorder"
	"github.com/mpapenbr/racetimer-go/pkg/sequence"
	"github.com/mpapenbr/racetimer-go/pkg/utils/cache/loadercache"
)

const previewQuality = 80

func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "starts the race timer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Build()
			if err != nil {
				return err
			}
			return startTimer(cmd.Context(), cfg)
		},
	}
	cmd.Flags().BoolVar(&config.ConsoleDisabled,
		"no-console",
		false,
		"do not read operator commands from stdin (finish webhook only)")
	return cmd
}

type app struct {
	cfg     *config.Config
	session *camera.Session
	bus     *framebus.Bus
	rec     *recorder.Recorder
	coord   *race.Coordinator
	gate    *audio.Gate
	player  *audio.Player
	server  *finish.Server
	nc      *nats.Conn
	closers []func()
}

//nolint:funlen // wiring
func startTimer(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		log.Info("Enabling telemetry")
		telemetry, err := config.SetupTelemetry(ctx, os.Stderr,
			time.Duration(cfg.Telemetry.Interval))
		if err != nil {
			log.Warn("Could not setup telemetry", log.ErrorField(err))
		} else {
			defer telemetry.Shutdown()
		}
	}

	a := &app{cfg: cfg}
	defer a.close()
	if err := a.setup(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.session.Run(gctx, a.bus)
		return nil
	})
	g.Go(func() error {
		return a.coord.Run(gctx)
	})
	if a.nc != nil {
		pub := publish.NewPublisher(a.nc, publish.WithSubjectPrefix(cfg.Nats.Subject))
		events := a.coord.Events()
		g.Go(func() error {
			defer a.coord.CancelEvents(events)
			pub.Run(gctx, events)
			return nil
		})
	}
	if file := viper.ConfigFileUsed(); file != "" {
		g.Go(func() error {
			if err := config.Watch(gctx, file, *cfg, a.applyConfig); err != nil {
				log.Warn("could not watch config file", log.ErrorField(err))
			}
			return nil
		})
	}

	con := console.New(a.coord, os.Stdout, console.WithDevices(
		loadercache.New(
			loadercache.WithExpiration[int, []camera.DeviceInfo](time.Minute),
			loadercache.WithLoader[int, []camera.DeviceInfo](
				func(ctx context.Context, maxIndex int) (*[]camera.DeviceInfo, error) {
					list := a.session.ListAvailable(maxIndex)
					return &list, nil
				})),
		cfg.Camera.MaxIndex))
	events := a.coord.Events()
	g.Go(func() error {
		defer a.coord.CancelEvents(events)
		con.PrintEvents(gctx, events)
		return nil
	})
	if !config.ConsoleDisabled {
		g.Go(func() error {
			err := con.Run(gctx, os.Stdin)
			stop()
			return err
		})
	}

	log.Info("race timer started")
	<-gctx.Done()
	a.finishRace()
	stop()
	err := g.Wait()
	log.Info("race timer terminated")
	return err
}

//nolint:funlen // wiring
func (a *app) setup(ctx context.Context) error {
	cfg := a.cfg
	a.bus = framebus.New()
	a.closers = append(a.closers, a.bus.Close)

	var coord *race.Coordinator
	a.session = camera.NewSession(util.CaptureBackends(cfg),
		camera.WithIndex(cfg.Camera.Index),
		camera.WithStateListener(func(from, to camera.State) {
			if coord != nil {
				coord.OnCameraState(from, to)
			}
		}))

	a.rec = recorder.New(gstreamer.NewEncoder(),
		recorder.WithCodecs(cfg.Recording.CodecList()...),
		recorder.WithQuality(cfg.Recording.Quality))

	a.gate = audio.NewGate(a.setupAudio(), cfg.Audio.Enabled)

	repo, err := util.OpenArchive(cfg)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() {
		if err := repo.Close(); err != nil {
			log.Warn("could not close archive", log.ErrorField(err))
		}
	})

	l := ledger.New()
	l.SetLaneCount(cfg.Recording.Lanes)
	coord = race.NewCoordinator(a.session, a.rec, l, a.bus,
		race.WithArchive(repo),
		race.WithOutputDir(cfg.Recording.OutputDir),
		race.WithResolution(cfg.Recording.Resolution()),
		race.WithStableTimeout(time.Duration(cfg.Camera.StableTimeout)),
		race.WithSequenceOptions(
			sequence.WithCue(a.gate),
			sequence.WithPhases(sequence.DefaultPhases(cfg.Sequence.Bounds()))))
	a.coord = coord
	a.closers = append(a.closers, coord.Close)

	if cfg.Webhook.Enabled {
		if err := a.startWebhook(); err != nil {
			return err
		}
	}
	if cfg.Nats.URL != "" {
		nc, err := publish.Connect(ctx, cfg.Nats.URL, util.WaitDuration())
		if err != nil {
			return err
		}
		a.nc = nc
		a.closers = append(a.closers, func() {
			if err := nc.Drain(); err != nil {
				log.Warn("could not drain NATS connection", log.ErrorField(err))
			}
		})
	}
	return nil
}

func (a *app) setupAudio() audio.Cue {
	clips, err := audio.LoadCues(a.cfg.Audio.CueFiles(), sequence.KeyStartBeep,
		log.Default().Named("audio"))
	if err != nil {
		log.Warn("could not load all audio cues", log.ErrorField(err))
	}
	a.player = audio.NewPlayer(clips)
	if err := a.player.Start(); err != nil {
		log.Warn("audio disabled, no playback device", log.ErrorField(err))
		return audio.Nop{}
	}
	a.closers = append(a.closers, func() {
		if err := a.player.Close(); err != nil {
			log.Warn("could not close audio device", log.ErrorField(err))
		}
	})
	return a.player
}

func (a *app) startWebhook() error {
	display, err := a.bus.Subscribe(framebus.Display)
	if err != nil {
		return err
	}
	opts := []finish.Option{
		finish.WithPort(a.cfg.Webhook.Port),
		finish.WithRateLimit(a.cfg.Webhook.RateLimit, a.cfg.Webhook.Burst),
		finish.WithRoutes(finish.PreviewRoute(display, previewQuality)),
	}
	if a.cfg.Webhook.APIKey != "" {
		opts = append(opts, finish.WithAPIKey(a.cfg.Webhook.APIKey))
	}
	a.server = finish.New(a.coord.Finish, opts...)
	if err := a.server.Start(); err != nil {
		return err
	}
	info := a.server.Info()
	log.Info("finish webhook started", log.String("endpoint", info.Endpoint))
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			log.Warn("could not stop finish webhook", log.ErrorField(err))
		}
	})
	return nil
}

// applyConfig updates the settings used by the next race.
func (a *app) applyConfig(c config.Config) {
	a.gate.SetEnabled(c.Audio.Enabled)
	err := a.coord.Sequence().SetPhases(sequence.DefaultPhases(c.Sequence.Bounds()))
	if errors.Is(err, sequence.ErrRunning) {
		log.Warn("start sequence running, new phase durations are ignored")
	}
}

// finishRace stores a race that is still recorded at shutdown.
func (a *app) finishRace() {
	if a.rec.State() != recorder.Active {
		return
	}
	log.Info("stopping active race recording")
	if _, err := a.coord.StopRace(context.Background()); err != nil {
		log.Error("could not store race", log.ErrorField(err))
	}
}

// close releases resources in reverse order of creation.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

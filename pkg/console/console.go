// Package console implements the line based operator interface of a race timer.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/mpapenbr/racetimer-go/log"
	"github.com/mpapenbr/racetimer-go/pkg/camera"
	"github.com/mpapenbr/racetimer-go/pkg/ledger"
	"github.com/mpapenbr/racetimer-go/pkg/race"
	"github.com/mpapenbr/racetimer-go/pkg/utils/cache"
)

var ErrUnknownCommand = errors.New("unknown command")

type (
	// Controller is the part of the race coordinator driven by the operator.
	Controller interface {
		StartRace(ctx context.Context) error
		CancelStart() error
		StopRace(ctx context.Context) (*race.Result, error)
		Clear() error
		LoadLedger(path string) error
		SetLaneCount(n int)
		SwitchCamera(ctx context.Context, index int) error
		Status() race.Status
		Ledger() *ledger.Ledger
	}

	Option func(*Console)

	Console struct {
		ctrl     Controller
		out      io.Writer
		devices  cache.Cache[int, []camera.DeviceInfo]
		maxIndex int
		l        *log.Logger
	}
)

// WithDevices enables the devices command. Device lists are cached per max index.
func WithDevices(devices cache.Cache[int, []camera.DeviceInfo], maxIndex int) Option {
	return func(c *Console) {
		c.devices = devices
		c.maxIndex = maxIndex
	}
}

func WithLogger(l *log.Logger) Option {
	return func(c *Console) {
		c.l = l
	}
}

func New(ctrl Controller, out io.Writer, opts ...Option) *Console {
	ret := &Console{
		ctrl: ctrl,
		out:  out,
		l:    log.Default().Named("console"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Run reads commands from in until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()
	c.printf("racetimer ready, type 'help' for commands\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			quit, err := c.Execute(ctx, line)
			if err != nil {
				c.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// Execute runs a single command line. quit is true for the quit command.
//
//nolint:cyclop,funlen // command dispatch
func (c *Console) Execute(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	c.l.Debug("command", log.String("cmd", cmd), log.Strings("args", args))
	switch cmd {
	case "start":
		return false, c.ctrl.StartRace(ctx)
	case "cancel":
		return false, c.ctrl.CancelStart()
	case "stop":
		res, err := c.ctrl.StopRace(ctx)
		if res != nil {
			c.printResult(res)
		}
		return false, err
	case "clear":
		return false, c.ctrl.Clear()
	case "lanes":
		n, err := intArg(args)
		if err != nil {
			return false, err
		}
		c.ctrl.SetLaneCount(n)
		c.printf("lanes: %d\n", c.ctrl.Ledger().Snapshot().LaneCount)
		return false, nil
	case "camera":
		idx, err := intArg(args)
		if err != nil {
			return false, err
		}
		return false, c.ctrl.SwitchCamera(ctx, idx)
	case "devices":
		return false, c.listDevices(ctx, args)
	case "status":
		c.printStatus(c.ctrl.Status())
		return false, nil
	case "save":
		if len(args) != 1 {
			return false, errors.New("usage: save PATH")
		}
		if err := c.ctrl.Ledger().Save(args[0]); err != nil {
			return false, err
		}
		c.printf("saved to %s\n", args[0])
		return false, nil
	case "load":
		if len(args) != 1 {
			return false, errors.New("usage: load PATH")
		}
		if err := c.ctrl.LoadLedger(args[0]); err != nil {
			return false, err
		}
		c.printSnapshot(c.ctrl.Ledger().Snapshot())
		return false, nil
	case "help", "?":
		c.printf("%s", help)
		return false, nil
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
}

const help = `commands:
  start        run the start sequence and record the race
  cancel       cancel a running start sequence
  stop         stop recording and store the result
  clear        clear start and finish times
  lanes N      set the number of lanes
  camera N     switch to camera N
  devices      list cameras (devices refresh to rescan)
  status       show the current state
  save PATH    save the timing data
  load PATH    load timing data
  quit         exit
`

// PrintEvents writes every race event to the console until events is closed.
func (c *Console) PrintEvents(ctx context.Context, events <-chan race.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if s := FormatEvent(ev); s != "" {
				c.printf("%s\n", s)
			}
		}
	}
}

// FormatEvent renders an event as single line.
func FormatEvent(ev race.Event) string {
	ts := ev.At.Local().Format("15:04:05.000")
	switch ev.Type {
	case race.EventPhase:
		return fmt.Sprintf("%s  %s", ts, ev.PhaseText)
	case race.EventIgnition:
		return fmt.Sprintf("%s  %s race started", ts, ev.PhaseText)
	case race.EventCancelled:
		return fmt.Sprintf("%s  start cancelled", ts)
	case race.EventFinish:
		s := fmt.Sprintf("%s  finish lane %d: %s", ts, ev.Lane, ev.Duration)
		if ev.ParticipantID != "" {
			s += " (" + ev.ParticipantID + ")"
		}
		return s
	case race.EventStopped:
		return fmt.Sprintf("%s  race stopped, %s", ts, formatWinners(ev.Winners))
	case race.EventCleared:
		return fmt.Sprintf("%s  timing cleared", ts)
	case race.EventArmed:
		return fmt.Sprintf("%s  recording to %s", ts, ev.Path)
	case race.EventRecordError:
		return fmt.Sprintf("%s  recording error: %s", ts, ev.Message)
	case race.EventCamera:
		return fmt.Sprintf("%s  camera %s", ts, ev.Message)
	default:
		return ""
	}
}

func formatWinners(winners []int) string {
	switch len(winners) {
	case 0:
		return "no finishers"
	case 1:
		return fmt.Sprintf("winner: lane %d", winners[0])
	default:
		return "tie: lanes " + strings.Join(lo.Map(winners, func(l int, _ int) string {
			return strconv.Itoa(l)
		}), ", ")
	}
}

func (c *Console) listDevices(ctx context.Context, args []string) error {
	if c.devices == nil {
		return errors.New("device listing not available")
	}
	if len(args) > 0 && args[0] == "refresh" {
		c.devices.InvalidateAll(ctx)
	}
	list, err := c.devices.Get(ctx, c.maxIndex)
	if err != nil {
		return err
	}
	if len(*list) == 0 {
		c.printf("no cameras found\n")
		return nil
	}
	current := c.ctrl.Status().CameraIndex
	for _, d := range *list {
		marker := " "
		if d.Index == current {
			marker = "*"
		}
		c.printf("%s %s [%s]\n", marker, d.Label(), d.Backend)
	}
	return nil
}

func (c *Console) printStatus(s race.Status) {
	c.printf("race:     %s\n", s.RaceID)
	c.printf("camera:   %d (%s, %s)\n", s.CameraIndex, s.CameraBackend, s.CameraState)
	seq := s.Sequence.String()
	if s.Phase != "" {
		seq += " - " + s.Phase
	}
	c.printf("sequence: %s\n", seq)
	c.printf("recorder: %s", s.Recorder.State)
	if s.Recorder.Path != "" {
		c.printf(" %s (%d frames)", s.Recorder.Path, s.Recorder.Frames)
	}
	c.printf("\n")
	c.printSnapshot(c.ctrl.Ledger().Snapshot())
}

func (c *Console) printSnapshot(s ledger.Snapshot) {
	if !s.HasStart() {
		c.printf("start:    -\n")
	} else {
		c.printf("start:    %s\n", s.StartTime.Local().Format("15:04:05.000"))
	}
	winners := s.Winners()
	lanes := lo.Uniq(append(lo.RangeFrom(1, s.LaneCount),
		lo.Map(s.Entries, func(e ledger.FinishEntry, _ int) int { return e.Lane })...))
	slices.Sort(lanes)
	for _, lane := range lanes {
		d, ok := s.Duration(lane)
		if !ok {
			c.printf("lane %d:   -\n", lane)
			continue
		}
		suffix := ""
		if lo.Contains(winners, lane) {
			suffix = "  winner"
		}
		c.printf("lane %d:   %s%s\n", lane, ledger.FormatDuration(d), suffix)
	}
}

func (c *Console) printResult(res *race.Result) {
	c.printf("video:    %s\n", res.Metadata.VideoPath)
	c.printf("timing:   %s\n", res.TimingPath)
	c.printf("frames:   %d (%.1f fps, %s)\n",
		res.Metadata.Frames, res.Metadata.TargetFPS, res.Metadata.Duration.Round(time.Millisecond))
	c.printSnapshot(res.Snapshot)
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func intArg(args []string) (int, error) {
	if len(args) != 1 {
		return 0, errors.New("expected a single number")
	}
	return strconv.Atoi(args[0])
}

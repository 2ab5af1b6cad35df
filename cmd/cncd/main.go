// Command cncd is the motion-control daemon: it wires the planner,
// segment preparer, pulse executor, and the serial/G-code front end
// together and runs them under one cancellable goroutine group.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"

	"cncmotion.dev/core/arcgen"
	"cncmotion.dev/core/config"
	"cncmotion.dev/core/coreerr"
	"cncmotion.dev/core/exec"
	"cncmotion.dev/core/gcode"
	"cncmotion.dev/core/grblproto"
	"cncmotion.dev/core/holdstate"
	"cncmotion.dev/core/kinematics"
	"cncmotion.dev/core/logging"
	"cncmotion.dev/core/planner"
	"cncmotion.dev/core/prep"
	"cncmotion.dev/core/pulsegen"
	"cncmotion.dev/core/pulsegen/gpio"
	"cncmotion.dev/core/pulsegen/sim"
	"cncmotion.dev/core/serialbus"
)

func main() {
	app := &cli.App{
		Name:  "cncd",
		Usage: "run the motion-control core against a serial front end",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "serial-port", Usage: "device path for the host connection, e.g. /dev/ttyACM0"},
			&cli.StringFlag{Name: "config", Usage: "path to a JSON machine-settings file; defaults applied for any key left out"},
			&cli.IntFlag{Name: "baud", Value: 115200},
			&cli.IntFlag{Name: "planner-capacity", Value: planner.DefaultCapacity},
			&cli.IntFlag{Name: "segment-capacity", Value: prep.DefaultCapacity},
			&cli.DurationFlag{Name: "prep-tick", Value: 5 * time.Millisecond},
			&cli.DurationFlag{Name: "arc-tick", Value: 20 * time.Millisecond},
			&cli.BoolFlag{Name: "sim", Usage: "use the software pulse generator instead of real GPIO", Value: true},
			&cli.StringFlag{Name: "step-pins", Usage: "comma-separated GPIO step pin names, one per axis, for -sim=false"},
			&cli.StringFlag{Name: "dir-pins", Usage: "comma-separated GPIO direction pin names, one per axis, for -sim=false"},
			&cli.StringFlag{Name: "log-level", Value: "info"},
			&cli.IntFlag{Name: "metrics-port", Value: 0, Usage: "if nonzero, serve Prometheus metrics on this port"},
			&cli.DurationFlag{Name: "debug-guard", Value: 0, Usage: "if nonzero, force a stop when the executor sits busy with no queued work for this long"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// daemon bundles the wired-up core plus the arc generator's in-flight
// state, which is shared between the serial-read path (starts an arc) and
// the arc-tick goroutine (advances it and, on completion, sends the host
// acknowledgement the generator itself must never send).
type daemon struct {
	pr       *planner.Ring
	segRing  *prep.Ring
	preparer *prep.Preparer
	executor *exec.Executor
	settings *kinematics.Store
	parser   *gcode.Parser
	bus      *serialbus.Bus
	logger   logging.Logger
	hold     *holdstate.Flag

	arcMu sync.Mutex
	arc   *arcgen.Generator
}

func run(c *cli.Context) error {
	level, err := logging.LevelFromString(c.String("log-level"))
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger("cncd", level)
	if err != nil {
		return fmt.Errorf("cncd: build logger: %w", err)
	}

	values, err := loadSettings(c.String("config"))
	if err != nil {
		return fmt.Errorf("cncd: load settings: %w", err)
	}

	var pr *planner.Ring
	settings := kinematics.NewStore(values, func() bool { return pr.Empty() })
	pr = planner.New(c.Int("planner-capacity"), settings)

	hold := &holdstate.Flag{}
	segRing := prep.NewRing(c.Int("segment-capacity"))
	preparer := prep.New(pr, segRing, settings, hold)

	var channels [kinematics.NumAxes]pulsegen.Channel
	if c.Bool("sim") {
		for i := range channels {
			channels[i] = sim.New(kinematics.AxisID(i))
		}
	} else {
		if err := openGPIOChannels(c.String("step-pins"), c.String("dir-pins"), &channels); err != nil {
			return err
		}
	}
	executor := exec.New(channels, segRing, preparer, hold)

	var metricsSrv *http.Server
	if port := c.Int("metrics-port"); port != 0 {
		reg := prometheus.NewRegistry()
		m, err := exec.NewMetrics(reg)
		if err != nil {
			return fmt.Errorf("cncd: register metrics: %w", err)
		}
		executor.AttachMetrics(m)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
		logger.Infow("metrics registered", "port", port)
	}

	d := &daemon{
		pr:       pr,
		segRing:  segRing,
		preparer: preparer,
		executor: executor,
		settings: settings,
		parser:   gcode.New(),
		logger:   logger,
		hold:     hold,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return tickLoop(gctx, c.Duration("prep-tick"), func() { preparer.Prep() })
	})
	g.Go(func() error {
		return tickLoop(gctx, time.Millisecond, func() {
			for !executor.IsBusy() {
				started, err := executor.StartNextSegment()
				if err != nil {
					logger.Errorw("segment start failed", "error", err)
				}
				if !started {
					return
				}
			}
		})
	})
	g.Go(func() error {
		return tickLoop(gctx, c.Duration("arc-tick"), d.tickArc)
	})
	if bound := c.Duration("debug-guard"); bound > 0 {
		period := bound / 4
		if period < time.Millisecond {
			period = time.Millisecond
		}
		g.Go(func() error {
			return tickLoop(gctx, period, d.watchdog(bound))
		})
	}
	if metricsSrv != nil {
		g.Go(func() error {
			errCh := make(chan error, 1)
			go func() { errCh <- metricsSrv.ListenAndServe() }()
			select {
			case <-gctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = metricsSrv.Shutdown(shutdownCtx)
				return gctx.Err()
			case err := <-errCh:
				return err
			}
		})
	}

	if path := c.String("serial-port"); path != "" {
		g.Go(func() error {
			return d.serveSerial(gctx, path, c.Int("baud"))
		})
	} else {
		logger.Infow("no -serial-port given; running headless")
	}

	return g.Wait()
}

func tickLoop(ctx context.Context, period time.Duration, fn func()) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn()
		}
	}
}

// tickArc advances the in-flight arc, if any, and sends the deferred host
// acknowledgement once the generator raises its completion flag (the ack
// must not come from inside the generator's own tick).
func (d *daemon) tickArc() {
	d.arcMu.Lock()
	arc := d.arc
	d.arcMu.Unlock()
	if arc == nil {
		return
	}

	if err := arc.Tick(); err != nil {
		d.logger.Errorw("arc tick failed", "error", err)
		d.arcMu.Lock()
		d.arc = nil
		d.arcMu.Unlock()
		return
	}
	if !arc.ArcCompleteFlag() {
		return
	}

	d.arcMu.Lock()
	d.arc = nil
	d.arcMu.Unlock()

	if d.bus != nil {
		_ = d.bus.WriteLine("ok")
	}
}

func (d *daemon) serveSerial(ctx context.Context, path string, baud int) error {
	conn, err := openSerialPort(path, baud)
	if err != nil {
		return fmt.Errorf("cncd: open serial port: %w", err)
	}
	bus := serialbus.New(conn, serialbus.DefaultRXBufferBytes, d.logger)
	d.bus = bus
	bus.Run(ctx)
	defer bus.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-bus.Lines():
			if !ok {
				return nil
			}
			d.handleLine(line)
		}
	}
}

func (d *daemon) handleLine(line string) {
	defer d.bus.Ack(line)

	// Feed hold ('!'), cycle start ('~'), status query ('?'), and soft
	// reset (ctrl-X) are GRBL's single-byte realtime commands: no "ok" is
	// sent for them, and they never touch the G-code parser.
	switch line {
	case "!":
		d.hold.Hold()
		return
	case "~":
		d.hold.Resume()
		return
	case "?":
		_ = d.bus.WriteLine(d.statusLine())
		return
	case "\x18":
		d.softReset()
		return
	}

	move, setting, err := d.parser.Parse(line)
	if err != nil {
		_ = d.bus.WriteLine(fmt.Sprintf("error: %v", err))
		return
	}

	switch {
	case setting != nil:
		d.handleSetting(setting)
	case move != nil:
		d.handleMove(move)
	default:
		_ = d.bus.WriteLine("ok")
	}
}

func (d *daemon) handleSetting(cmd *gcode.SettingCommand) {
	if cmd.Query {
		for _, l := range grblproto.FormatSettingsDump(d.settings.Snapshot()) {
			_ = d.bus.WriteLine(l)
		}
		_ = d.bus.WriteLine("ok")
		return
	}
	var applyErr error
	err := d.settings.Update(func(v *kinematics.Values) {
		applyErr = grblproto.ApplySetting(v, cmd.Index, cmd.Value)
	})
	if err == nil {
		err = applyErr
	}
	if err != nil {
		_ = d.bus.WriteLine(fmt.Sprintf("error: %v", err))
		return
	}
	_ = d.bus.WriteLine("ok")
}

func (d *daemon) handleMove(move *gcode.ParsedMove) {
	if move.Mode == gcode.ModeArcCW || move.Mode == gcode.ModeArcCCW {
		d.startArc(move)
		return
	}

	flags := planner.Flags(0)
	if move.Mode == gcode.ModeRapid {
		flags |= planner.RapidMotion
	}
	accepted, err := d.pr.BufferLine(move.TargetMM, move.FeedrateMMPerMin, flags)
	if err != nil {
		_ = d.bus.WriteLine(fmt.Sprintf("error: %v", err))
		return
	}
	if !accepted {
		_ = d.bus.WriteLine(fmt.Sprintf("error: %v", coreerr.New(coreerr.BufferFull, "planner ring full")))
		return
	}
	_ = d.bus.WriteLine("ok")
}

// statusLine snapshots position, state, and ring fill into one GRBL-style
// `<...>` report.
func (d *daemon) statusLine() string {
	state := grblproto.StateIdle
	switch {
	case d.hold.Held():
		state = grblproto.StateHold
	case d.executor.IsBusy():
		state = grblproto.StateRun
	}
	in := grblproto.StatusInput{State: state}
	for i := 0; i < kinematics.NumAxes; i++ {
		axis := kinematics.AxisID(i)
		in.MachinePositionMM[i] = d.settings.StepsToMM(axis, d.executor.State().MachinePositionSteps(axis))
	}
	in.PlannerFill, in.PlannerCapacity = d.pr.Fill()
	in.SegmentFill, in.SegmentCapacity = d.segRing.Fill()
	return grblproto.FormatStatus(in)
}

// softReset stops every pulse train, drops all buffered motion and any
// in-flight arc, and reseeds the planner and parser against the position
// the machine actually froze at. Machine position itself is not reset.
func (d *daemon) softReset() {
	d.arcMu.Lock()
	d.arc = nil
	d.arcMu.Unlock()

	d.executor.StopAll()
	d.preparer.Reset()

	var frozenSteps [kinematics.NumAxes]int64
	var frozenMM [kinematics.NumAxes]float64
	for i := 0; i < kinematics.NumAxes; i++ {
		axis := kinematics.AxisID(i)
		frozenSteps[i] = d.executor.State().MachinePositionSteps(axis)
		frozenMM[i] = d.settings.StepsToMM(axis, frozenSteps[i])
	}
	d.pr.Reset(frozenSteps)

	d.parser = gcode.New()
	d.parser.SetCurrentPosition(frozenMM)
	d.hold.Resume()
	d.logger.Infow("soft reset", "position_mm", frozenMM)
}

// watchdog returns a debug-build tick that forces a stop when the executor
// reports busy while both rings sit empty for longer than bound, the
// "pulse callback went missing" wedge that would otherwise leave the
// machine stuck forever.
func (d *daemon) watchdog(bound time.Duration) func() {
	var stuckSince time.Time
	return func() {
		plUsed, _ := d.pr.Fill()
		segUsed, _ := d.segRing.Fill()
		if !(d.executor.IsBusy() && plUsed == 0 && segUsed == 0) {
			stuckSince = time.Time{}
			return
		}
		if stuckSince.IsZero() {
			stuckSince = time.Now()
			return
		}
		if time.Since(stuckSince) < bound {
			return
		}
		err := coreerr.New(coreerr.TimeoutGuard, "executor busy with no queued work for %s", bound)
		d.logger.Errorw("watchdog forced stop", "error", err)
		d.executor.StopAll()
		d.preparer.Reset()
		stuckSince = time.Time{}
	}
}

func (d *daemon) startArc(move *gcode.ParsedMove) {
	d.arcMu.Lock()
	defer d.arcMu.Unlock()
	if d.arc != nil {
		_ = d.bus.WriteLine("error: arc already in progress")
		return
	}

	direction := arcgen.Clockwise
	if move.Mode == gcode.ModeArcCCW {
		direction = arcgen.CounterClockwise
	}

	center := move.StartMM
	center[move.PlaneAxis0] += move.CenterMM[0]
	center[move.PlaneAxis1] += move.CenterMM[1]

	req := arcgen.Request{
		Start:            move.StartMM,
		End:              move.TargetMM,
		Center:           center,
		PlaneAxis0:       move.PlaneAxis0,
		PlaneAxis1:       move.PlaneAxis1,
		Direction:        direction,
		LinearTargetMM:   move.TargetMM,
		FeedrateMMPerMin: move.FeedrateMMPerMin,
	}
	gen, err := arcgen.New(req, d.pr, d.settings)
	if err != nil {
		_ = d.bus.WriteLine(fmt.Sprintf("error: %v", err))
		return
	}
	d.arc = gen
}

func openSerialPort(path string, baud int) (serial.Port, error) {
	mode := &serial.Mode{BaudRate: baud}
	return serial.Open(path, mode)
}

// openGPIOChannels resolves the comma-separated pin-name lists into one
// real gpio.Channel per axis.
func openGPIOChannels(stepPins, dirPins string, channels *[kinematics.NumAxes]pulsegen.Channel) error {
	if err := gpio.InitHost(); err != nil {
		return fmt.Errorf("cncd: init gpio host: %w", err)
	}
	stepNames := strings.Split(stepPins, ",")
	dirNames := strings.Split(dirPins, ",")
	if len(stepNames) != kinematics.NumAxes || len(dirNames) != kinematics.NumAxes {
		return fmt.Errorf("cncd: -step-pins and -dir-pins each need %d comma-separated pin names", kinematics.NumAxes)
	}
	for i := range channels {
		ch, err := gpio.Open(kinematics.AxisID(i), strings.TrimSpace(stepNames[i]), strings.TrimSpace(dirNames[i]))
		if err != nil {
			return fmt.Errorf("cncd: open axis %s pins: %w", kinematics.AxisID(i), err)
		}
		channels[i] = ch
	}
	return nil
}

// loadSettings reads path (if given) as a flat JSON object and resolves it
// against kinematics.DefaultValues(); an empty path keeps the defaults.
func loadSettings(path string) (kinematics.Values, error) {
	if path == "" {
		return kinematics.DefaultValues(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return kinematics.Values{}, err
	}
	var attrs config.AttributeMap
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return kinematics.Values{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return kinematics.ValuesFromAttributes(attrs, "cncd config")
}

// Package fts orchestrates Fourier transform spectrometer sweeps, driving
// a mirror stage and a streaming DAQ through a connect/sweep/analyze cycle
package fts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nasa-jpl/ftsctl/analysis"
	"github.com/nasa-jpl/ftsctl/labjack"
	"github.com/nasa-jpl/ftsctl/telemetry"
	"github.com/nasa-jpl/ftsctl/util"
)

// State is the phase of the measurement cycle
type State int

const (
	// Idle, no sweep in progress
	Idle State = iota

	// Connecting, devices being brought up and the stage driven to start
	Connecting

	// Sweeping, mirror in motion with the detector recording
	Sweeping

	// Analyzing, sweeps being detrended, averaged and transformed
	Analyzing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Sweeping:
		return "sweeping"
	case Analyzing:
		return "analyzing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrStopped is generated when a sweep is aborted by request
var ErrStopped = errors.New("fts: sweep stopped by request")

// ErrBusy is generated when a session is started while one is running
var ErrBusy = errors.New("fts: a sweep session is already running")

// Stage is the motion half of the spectrometer
type Stage interface {
	// MoveAbs moves an axis to an absolute position in mm
	MoveAbs(string, float64) error

	// Home homes an axis
	Home(string) error

	// Stop aborts motion of an axis
	Stop(string) error

	// GetPos returns the position of an axis in mm
	GetPos(string) (float64, error)

	// SetVelocity sets the speed of an axis in mm/s
	SetVelocity(string, float64) error

	// WaitInPosition blocks until the axis settles or ctx expires
	WaitInPosition(ctx context.Context, axis string) error
}

// Acquirer is the detector half of the spectrometer
type Acquirer interface {
	// Connect opens the device
	Connect() error

	// StartStream begins acquisition
	StartStream() error

	// StopStream ends acquisition
	StopStream()

	// BeginWindow opens a capture window
	BeginWindow()

	// EndWindow closes the window and returns its samples
	EndWindow() ([]labjack.Sample, error)
}

// Lockable is held for the duration of a sweep session, the HTTP layer
// uses it to fence off manual device commands
type Lockable interface {
	Lock()
	Unlock()
}

// Config holds the sweep parameters
type Config struct {
	// Axis is the stage axis carrying the mirror
	Axis string `yaml:"axis" json:"axis"`

	// SweepLength is the mirror travel per sweep in mm
	SweepLength float64 `yaml:"sweepLength" json:"sweepLength"`

	// MotorSpeed is the mirror speed during a sweep in mm/s
	MotorSpeed float64 `yaml:"motorSpeed" json:"motorSpeed"`

	// ResetSpeed is the mirror speed returning to start in mm/s
	ResetSpeed float64 `yaml:"resetSpeed" json:"resetSpeed"`

	// StepSize is the travel between stops in stepped mode, in mm
	StepSize float64 `yaml:"stepSize" json:"stepSize"`

	// Dwell is how long the capture window stays open at each stop
	Dwell time.Duration `yaml:"dwell" json:"dwell"`

	// SettleTimeout bounds how long one move may take to settle
	SettleTimeout time.Duration `yaml:"settleTimeout" json:"settleTimeout"`

	// Repeats is the number of sweeps per session
	Repeats int `yaml:"repeats" json:"repeats"`

	// Continuous captures on the fly instead of stop-and-stare
	Continuous bool `yaml:"continuous" json:"continuous"`

	// DataRoot is the parent folder for run data
	DataRoot string `yaml:"dataRoot" json:"dataRoot"`

	// DetrendDegree is the polynomial order removed from raw sweeps
	DetrendDegree int `yaml:"detrendDegree" json:"detrendDegree"`
}

// Validate rejects sweep parameters that cannot run
func (c Config) Validate() error {
	if c.SweepLength <= 0 {
		return errors.New("fts: sweepLength must be positive")
	}
	if !c.Continuous && c.StepSize <= 0 {
		return errors.New("fts: stepSize must be positive in stepped mode")
	}
	if c.MotorSpeed <= 0 || c.ResetSpeed <= 0 {
		return errors.New("fts: motor speeds must be positive")
	}
	if c.Repeats < 1 {
		return errors.New("fts: repeats must be at least 1")
	}
	return nil
}

// DefaultConfig returns the sweep parameters of the bench instrument
func DefaultConfig() Config {
	return Config{
		Axis:          "1",
		SweepLength:   50,
		MotorSpeed:    2,
		ResetSpeed:    10,
		StepSize:      0.1,
		Dwell:         50 * time.Millisecond,
		SettleTimeout: 10 * time.Second,
		Repeats:       1,
		DataRoot:      "data",
		DetrendDegree: analysis.DetrendDegree}
}

// Status is a snapshot of the app for the control surface
type Status struct {
	// State is the current phase of the cycle
	State string `json:"state"`

	// Sweep is the index of the sweep in progress or completed last
	Sweep int `json:"sweep"`

	// Repeats is the configured sweep count
	Repeats int `json:"repeats"`

	// RunDir is the folder of the current run, empty before the first
	RunDir string `json:"runDir"`

	// LastError is the terminal error of the last session, empty if clean
	LastError string `json:"lastError"`
}

// App is the spectrometer state machine.  One sweep session runs at a
// time; every session ends back at Idle whether it succeeds or aborts.
type App struct {
	// Cfg is read at session start, changing it mid-session has no effect
	Cfg Config

	stage Stage
	daq   Acquirer
	graph *analysis.Graph

	// Lockers are held while a session runs
	Lockers []Lockable

	mu       sync.Mutex
	state    State
	sweep    int
	lastErr  error
	run      *telemetry.Run
	done     chan struct{}
	stopFlag atomic.Bool
}

// New returns an App over the given devices.  The graph receives the
// averaged spectrum at the end of each session.
func New(cfg Config, stage Stage, daq Acquirer, graph *analysis.Graph) *App {
	return &App{Cfg: cfg, stage: stage, daq: daq, graph: graph}
}

// Graph returns the result graph
func (a *App) Graph() *analysis.Graph {
	return a.graph
}

// State returns the current phase
func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Status returns a snapshot of the app
func (a *App) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Status{
		State:   a.state.String(),
		Sweep:   a.sweep,
		Repeats: a.Cfg.Repeats}
	if a.run != nil {
		s.RunDir = a.run.Dir()
	}
	if a.lastErr != nil {
		s.LastError = a.lastErr.Error()
	}
	return s
}

// Err returns the terminal error of the last session
func (a *App) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Start begins a sweep session in the background.  It returns ErrBusy if
// one is already running.
func (a *App) Start() error {
	a.mu.Lock()
	if a.state != Idle {
		a.mu.Unlock()
		return ErrBusy
	}
	if err := a.Cfg.Validate(); err != nil {
		a.mu.Unlock()
		return err
	}
	a.state = Connecting
	a.lastErr = nil
	a.sweep = 0
	a.stopFlag.Store(false)
	a.done = make(chan struct{})
	a.mu.Unlock()
	go a.session()
	return nil
}

// Stop requests the running session abort.  The flag is honored between
// steps and sweeps; the stage is also told to halt so continuous sweeps
// cut short.
func (a *App) Stop() {
	a.stopFlag.Store(true)
	if a.State() != Idle {
		a.stage.Stop(a.Cfg.Axis)
	}
}

// Wait blocks until the running session ends.  It returns immediately if
// none is running.
func (a *App) Wait() {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (a *App) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *App) fail(err error) {
	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
}

func (a *App) stopped() bool {
	return a.stopFlag.Load()
}

// session is one full connect/sweep/analyze cycle.  It always ends at Idle
// with the lockers released.
func (a *App) session() {
	for _, l := range a.Lockers {
		l.Lock()
	}
	defer func() {
		a.daq.StopStream()
		for _, l := range a.Lockers {
			l.Unlock()
		}
		a.setState(Idle)
		a.mu.Lock()
		close(a.done)
		a.mu.Unlock()
	}()

	cfg := a.Cfg
	err := a.daq.Connect()
	if err != nil {
		a.fail(err)
		return
	}
	run, err := telemetry.NewRun(cfg.DataRoot)
	if err != nil {
		a.fail(err)
		return
	}
	a.mu.Lock()
	a.run = run
	a.mu.Unlock()

	err = a.reference(cfg)
	if err != nil {
		a.fail(err)
		return
	}
	err = a.toStart(cfg)
	if err != nil {
		a.fail(err)
		return
	}
	err = a.daq.StartStream()
	if err != nil {
		a.fail(err)
		return
	}

	for rep := 0; rep < cfg.Repeats; rep++ {
		if a.stopped() {
			a.fail(ErrStopped)
			return
		}
		a.mu.Lock()
		a.sweep = run.Counter()
		a.mu.Unlock()
		a.setState(Sweeping)
		var samples []labjack.Sample
		if cfg.Continuous {
			samples, err = a.sweepContinuous(cfg)
		} else {
			samples, err = a.sweepStepped(cfg)
		}
		if err != nil {
			a.fail(err)
			return
		}

		a.setState(Analyzing)
		idx := run.Counter()
		_, err = run.SaveRaw(samples)
		if err != nil {
			a.fail(err)
			return
		}
		flat, err := analysis.Detrend(samples, cfg.DetrendDegree)
		if err != nil {
			a.fail(err)
			return
		}
		_, err = run.SaveProcessed(idx, flat)
		if err != nil {
			a.fail(err)
			return
		}

		if rep+1 < cfg.Repeats {
			a.setState(Connecting)
			err = a.toStart(cfg)
			if err != nil {
				a.fail(err)
				return
			}
		}
	}

	// the average re-reads every raw sweep on disk, so earlier sessions
	// in the same run folder contribute too
	a.setState(Analyzing)
	raws, err := run.Raws()
	if err != nil {
		a.fail(err)
		return
	}
	avg, err := analysis.AverageFiles(raws)
	if err != nil {
		a.fail(err)
		return
	}
	avg, err = analysis.Detrend(avg, cfg.DetrendDegree)
	if err != nil {
		a.fail(err)
		return
	}
	_, err = run.SaveAverage(avg)
	if err != nil {
		a.fail(err)
		return
	}
	if a.graph != nil {
		a.graph.LoadSamples(avg)
		err = a.graph.Transform()
		if err != nil {
			a.fail(err)
		}
	}
}

// reference homes the axis before the first sweep so encoder positions
// share the sweep origin.  Transient rejections are retried like moves.
func (a *App) reference(cfg Config) error {
	try := func() error {
		return a.stage.Home(cfg.Axis)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	err := backoff.Retry(try, backoff.WithMaxRetries(bo, 2))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.SettleTimeout+travelTime(cfg.SweepLength, cfg.ResetSpeed))
	defer cancel()
	err = a.stage.WaitInPosition(ctx, cfg.Axis)
	if err != nil {
		return fmt.Errorf("fts: axis %s did not settle after homing: %w", cfg.Axis, err)
	}
	return nil
}

// toStart drives the mirror back to zero at the reset speed, then restores
// the sweep speed
func (a *App) toStart(cfg Config) error {
	err := a.stage.SetVelocity(cfg.Axis, cfg.ResetSpeed)
	if err != nil {
		return err
	}
	err = a.moveAndSettle(cfg, 0, travelTime(cfg.SweepLength, cfg.ResetSpeed))
	if err != nil {
		return err
	}
	return a.stage.SetVelocity(cfg.Axis, cfg.MotorSpeed)
}

// travelTime is how long a move of dist mm takes at speed mm/s, it pads
// the settle timeout so long moves are not declared stuck mid-travel
func travelTime(dist, speed float64) time.Duration {
	if speed <= 0 {
		return 0
	}
	return util.SecsToDuration(dist / speed)
}

// moveAndSettle issues one absolute move and waits for the axis to settle.
// Transient rejections are retried with backoff, up to three attempts; a
// settle timeout is terminal, no further motion is commanded after it.
func (a *App) moveAndSettle(cfg Config, target float64, travel time.Duration) error {
	try := func() error {
		return a.stage.MoveAbs(cfg.Axis, target)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	err := backoff.Retry(try, backoff.WithMaxRetries(bo, 2))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.SettleTimeout+travel)
	defer cancel()
	err = a.stage.WaitInPosition(ctx, cfg.Axis)
	if err != nil {
		return fmt.Errorf("fts: axis %s did not settle at %.3f mm: %w", cfg.Axis, target, err)
	}
	return nil
}

// sweepStepped is the stop-and-stare sweep: move, settle, then hold a
// capture window open for the dwell time.  An empty window aborts the
// sweep; the stop flag is honored between steps.
func (a *App) sweepStepped(cfg Config) ([]labjack.Sample, error) {
	n := int(cfg.SweepLength/cfg.StepSize + 0.5)
	var out []labjack.Sample
	for i := 1; i <= n; i++ {
		if a.stopped() {
			return nil, ErrStopped
		}
		target := float64(i) * cfg.StepSize
		err := a.moveAndSettle(cfg, target, travelTime(cfg.StepSize, cfg.MotorSpeed))
		if err != nil {
			return nil, err
		}
		a.daq.BeginWindow()
		time.Sleep(cfg.Dwell)
		samples, err := a.daq.EndWindow()
		if err != nil {
			return nil, err
		}
		out = append(out, samples...)
	}
	return out, nil
}

// sweepContinuous captures in one window while the mirror moves the full
// sweep length, positions come from the encoder channel
func (a *App) sweepContinuous(cfg Config) ([]labjack.Sample, error) {
	a.daq.BeginWindow()
	err := a.moveAndSettle(cfg, cfg.SweepLength, travelTime(cfg.SweepLength, cfg.MotorSpeed))
	if err != nil {
		a.daq.EndWindow()
		return nil, err
	}
	samples, err := a.daq.EndWindow()
	if err != nil {
		return nil, err
	}
	if a.stopped() {
		return nil, ErrStopped
	}
	return samples, nil
}

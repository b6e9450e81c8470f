// Package stream runs one classification cycle over the two models: the
// backbone once, then the streaming model once per timestep while carrying a
// recurrent hidden state, then attention-weighted aggregation of the
// per-timestep logits, softmax, and thresholding into a [Decision].
//
// The hidden state is owned by the [Engine], not by the models. It survives
// from one cycle to the next until [Engine.Reset], and is only overwritten
// after a timestep completes, so a failed cycle leaves it at the last good
// value.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

var (
	// ErrBusy is returned when a cycle is started or the state is reset
	// while another cycle is in flight.
	ErrBusy = errors.New("stream: cycle in progress")

	// ErrShape is returned when the models or the feature input do not
	// match the engine's dimensions.
	ErrShape = errors.New("stream: shape mismatch")
)

// Phase is a step of the classification cycle.
type Phase uint8

const (
	Idle Phase = iota
	BackboneRun
	StepRun
	AggregateRun
	Decided
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case BackboneRun:
		return "backbone"
	case StepRun:
		return "step"
	case AggregateRun:
		return "aggregate"
	case Decided:
		return "decided"
	default:
		return "unknown"
	}
}

// StepError reports the phase and timestep at which a cycle was abandoned.
type StepError struct {
	Phase Phase
	Step  int // timestep index, -1 outside StepRun
	Err   error
}

func (e *StepError) Error() string {
	if e.Phase == StepRun {
		return fmt.Sprintf("stream: %s %d: %v", e.Phase, e.Step, e.Err)
	}
	return fmt.Sprintf("stream: %s: %v", e.Phase, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Detection is one class above the confidence threshold.
type Detection struct {
	ClassID     uint8   `msgpack:"class_id" json:"class_id" yaml:"class_id"`
	Confidence  float32 `msgpack:"confidence" json:"confidence" yaml:"confidence"`
	TimestampMs uint32  `msgpack:"timestamp_ms" json:"timestamp_ms" yaml:"timestamp_ms"`
	Valid       bool    `msgpack:"valid" json:"valid" yaml:"valid"`
}

// Decision is the result of one cycle.
type Decision struct {
	FrameID    uint32      `msgpack:"frame_id" json:"frame_id" yaml:"frame_id"`
	Detections []Detection `msgpack:"detections" json:"detections" yaml:"detections"`
}

// Model is the part of an interpreter the engine drives.
// *interp.Interpreter implements it.
type Model interface {
	Input(i int) ([]float32, error)
	Output(i int) ([]float32, error)
	Invoke() error
}

// Config holds the engine dimensions and decision parameters.
type Config struct {
	Timesteps     int     // T
	Features      int     // F, backbone output width per timestep
	Hidden        int     // recurrent state width
	Classes       int     // logits per timestep
	Threshold     float32 // minimum probability for a detection
	MaxDetections int     // detections per decision

	// Logger receives per-step debug output. Defaults to slog.Default().
	Logger *slog.Logger
}

// Engine runs classification cycles. At most one cycle runs at a time.
type Engine struct {
	cfg       Config
	backbone  Model
	streaming Model
	logger    *slog.Logger

	busy  atomic.Bool
	phase atomic.Uint32

	hidden  []float32
	history []float32 // T×C logits of the current cycle
	scores  []float32 // T attention scores, then weights
	agg     []float32 // C
}

// New returns an engine over the two models with a zero hidden state.
func New(cfg Config, backbone, streaming Model) (*Engine, error) {
	if cfg.Timesteps <= 0 || cfg.Features <= 0 || cfg.Hidden <= 0 || cfg.Classes <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions T=%d F=%d H=%d C=%d",
			ErrShape, cfg.Timesteps, cfg.Features, cfg.Hidden, cfg.Classes)
	}
	if cfg.Classes > 256 {
		return nil, fmt.Errorf("%w: %d classes do not fit a class id", ErrShape, cfg.Classes)
	}
	if cfg.MaxDetections <= 0 {
		return nil, fmt.Errorf("stream: invalid max detections %d", cfg.MaxDetections)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		backbone:  backbone,
		streaming: streaming,
		logger:    logger,
		hidden:    make([]float32, cfg.Hidden),
		history:   make([]float32, cfg.Timesteps*cfg.Classes),
		scores:    make([]float32, cfg.Timesteps),
		agg:       make([]float32, cfg.Classes),
	}, nil
}

// Phase returns the phase of the cycle in flight, or Idle.
func (e *Engine) Phase() Phase { return Phase(e.phase.Load()) }

func (e *Engine) enter(p Phase) { e.phase.Store(uint32(p)) }

// Hidden returns a copy of the recurrent state.
func (e *Engine) Hidden() []float32 {
	return append([]float32(nil), e.hidden...)
}

// Reset zeroes the recurrent state.
func (e *Engine) Reset() error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer e.busy.Store(false)
	clear(e.hidden)
	return nil
}

// Run performs one cycle on a [T×inputs] backbone input and returns the
// decision. On failure the returned error is a *StepError and the hidden
// state holds the value after the last completed timestep.
func (e *Engine) Run(input []float32, frameID, timestampMs uint32) (Decision, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return Decision{}, ErrBusy
	}
	defer e.busy.Store(false)
	defer e.enter(Idle)

	features, err := e.runBackbone(input)
	if err != nil {
		return Decision{}, &StepError{Phase: BackboneRun, Step: -1, Err: err}
	}

	e.enter(StepRun)
	for t := range e.cfg.Timesteps {
		if err := e.step(t, features[t*e.cfg.Features:(t+1)*e.cfg.Features]); err != nil {
			e.logger.Error("streaming step failed", "frame", frameID, "step", t, "error", err)
			return Decision{}, &StepError{Phase: StepRun, Step: t, Err: err}
		}
	}

	e.enter(AggregateRun)
	Softmax(e.scores, e.scores)
	Aggregate(e.agg, e.history, e.scores)

	e.enter(Decided)
	Softmax(e.agg, e.agg)
	return Decision{
		FrameID:    frameID,
		Detections: Decide(e.agg, e.cfg.Threshold, e.cfg.MaxDetections, timestampMs),
	}, nil
}

func (e *Engine) runBackbone(input []float32) ([]float32, error) {
	e.enter(BackboneRun)
	in, err := e.backbone.Input(0)
	if err != nil {
		return nil, err
	}
	if len(input) != len(in) {
		return nil, fmt.Errorf("%w: input has %d values, backbone takes %d", ErrShape, len(input), len(in))
	}
	copy(in, input)
	if err := e.backbone.Invoke(); err != nil {
		return nil, err
	}
	out, err := e.backbone.Output(0)
	if err != nil {
		return nil, err
	}
	if want := e.cfg.Timesteps * e.cfg.Features; len(out) < want {
		return nil, fmt.Errorf("%w: backbone output has %d values, want %d", ErrShape, len(out), want)
	}
	return out, nil
}

// step runs timestep t and commits its logits, score and hidden state.
func (e *Engine) step(t int, features []float32) error {
	xIn, err := e.streaming.Input(0)
	if err != nil {
		return err
	}
	hIn, err := e.streaming.Input(1)
	if err != nil {
		return err
	}
	if len(xIn) != e.cfg.Features || len(hIn) != e.cfg.Hidden {
		return fmt.Errorf("%w: streaming inputs are %d and %d values, want %d and %d",
			ErrShape, len(xIn), len(hIn), e.cfg.Features, e.cfg.Hidden)
	}
	copy(xIn, features)
	copy(hIn, e.hidden)

	if err := e.streaming.Invoke(); err != nil {
		return err
	}
	logits, err := e.streaming.Output(0)
	if err != nil {
		return err
	}
	hOut, err := e.streaming.Output(1)
	if err != nil {
		return err
	}
	if len(logits) != e.cfg.Classes || len(hOut) != e.cfg.Hidden {
		return fmt.Errorf("%w: streaming outputs are %d and %d values, want %d and %d",
			ErrShape, len(logits), len(hOut), e.cfg.Classes, e.cfg.Hidden)
	}

	copy(e.history[t*e.cfg.Classes:], logits)
	e.scores[t] = Attention(hOut)
	copy(e.hidden, hOut)

	if e.logger.Enabled(context.Background(), slog.LevelDebug) {
		e.logger.Debug("streaming step", "step", t, "attention", e.scores[t])
	}
	return nil
}

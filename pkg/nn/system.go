// Package nn is the application-facing inference core of the acoustic
// sensor. A [System] owns the backing store guard, the tensor arena, both
// model interpreters and the streaming engine, and exposes the lifecycle the
// recorder firmware drives: Init once, ProcessAudio per window,
// ResetStreamState between independent clips.
//
// Usage:
//
//	sys := nn.New(nn.DefaultConfig(), nn.Options{})
//	if err := sys.Init(ctx); err != nil {
//		var ie *nn.InitError
//		errors.As(err, &ie) // ie.Stage names the failing step
//	}
//	dec, err := sys.ProcessAudio(window)
//
// # Concurrency
//
// At most one cycle runs at a time. ProcessAudio and ResetStreamState return
// [ErrBusy] instead of waiting when a cycle is in flight. Init and Close wait
// for it. Diagnostics may be read from any goroutine.
package nn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haivivi/sensornn/pkg/arena"
	"github.com/haivivi/sensornn/pkg/flash"
	"github.com/haivivi/sensornn/pkg/frontend"
	"github.com/haivivi/sensornn/pkg/interp"
	"github.com/haivivi/sensornn/pkg/kernels"
	"github.com/haivivi/sensornn/pkg/stream"
)

// Errors returned by ProcessAudio and ResetStreamState.
var (
	ErrNotReady    = errors.New("nn: system not ready")
	ErrEmptyWindow = errors.New("nn: empty audio window")
	ErrBusy        = stream.ErrBusy
)

// Init stages, in order.
const (
	StageConfig            = "config"
	StageBackingStore      = "backing-store"
	StageArena             = "arena"
	StageModelBackbone     = "model-backbone"
	StageModelStreaming    = "model-streaming"
	StageBindBackbone      = "bind-backbone"
	StageBindStreaming     = "bind-streaming"
	StageAllocateBackbone  = "allocate-backbone"
	StageAllocateStreaming = "allocate-streaming"
	StageSeal              = "seal"
	StageEngine            = "engine"
)

// InitError reports the stage at which Init failed.
type InitError struct {
	Stage string
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("nn: init %s: %v", e.Stage, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// State is the lifecycle state of a System.
type State uint32

const (
	Uninitialized State = iota
	Ready
	Error
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{Uninitialized, Ready, Error} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("nn: unknown state %q", b)
}

// Options supplies the collaborators of a System. Every field is optional.
type Options struct {
	// Store backs the virtual arena. Defaults to an in-memory device just
	// large enough for the configured region. Ignored by the direct
	// strategy. The System never closes it.
	Store flash.Store

	// Backbone and Streaming replace the generated model bytes.
	Backbone  []byte
	Streaming []byte

	// Frontend replaces the one named in Config.
	Frontend frontend.Frontend

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics receives cycle and cache counters.
	Metrics *Metrics
}

// Stats is a snapshot of a System's diagnostics.
type Stats struct {
	State          State         `json:"state" yaml:"state"`
	Strategy       string        `json:"strategy" yaml:"strategy"`
	SessionID      string        `json:"session_id" yaml:"session_id"`
	Cycles         uint64        `json:"cycles" yaml:"cycles"`
	Failures       uint64        `json:"failures" yaml:"failures"`
	NextFrame      uint32        `json:"next_frame" yaml:"next_frame"`
	BackboneBytes  int64         `json:"backbone_arena_bytes" yaml:"backbone_arena_bytes"`
	StreamingBytes int64         `json:"streaming_arena_bytes" yaml:"streaming_arena_bytes"`
	LastCycle      time.Duration `json:"last_cycle" yaml:"last_cycle"`
	FreeRAM        int           `json:"free_ram_estimate" yaml:"free_ram_estimate"`

	// Layout lists the per-model arena regions in allocation order.
	Layout []RegionInfo `json:"layout,omitempty" yaml:"layout,omitempty"`

	// Arena is set for the virtual strategy.
	Arena *arena.Stats `json:"arena,omitempty" yaml:"arena,omitempty"`

	// Flash counts staging writes. Set for the virtual strategy.
	Flash *flash.GuardStats `json:"flash,omitempty" yaml:"flash,omitempty"`
}

// RegionInfo describes the arena memory assigned to one model.
type RegionInfo struct {
	Kind     string `json:"kind" yaml:"kind"`
	Capacity int64  `json:"capacity" yaml:"capacity"`
	Used     int64  `json:"used" yaml:"used"`
}

// System is the inference core.
type System struct {
	cfg     Config
	opts    Options
	logger  *slog.Logger
	metrics *Metrics

	// mu serializes cycles, resets and lifecycle changes.
	mu    sync.Mutex
	state atomic.Uint32

	session   uuid.UUID
	front     frontend.Frontend
	guard     *flash.Guard
	virtual   *arena.Virtual
	direct    *arena.Direct
	pool      *interp.Pool
	backbone  *interp.Interpreter
	streaming *interp.Interpreter
	engine    *stream.Engine
	input     []float32
	frame     uint32

	// diag is published after every cycle for lock-free readers of mu.
	diagMu sync.Mutex
	diag   Stats
}

// New returns an uninitialized System.
func New(cfg Config, opts Options) *System {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &System{cfg: cfg, opts: opts, logger: logger, metrics: opts.Metrics}
}

// Config returns the configuration the System was created with.
func (s *System) Config() Config { return s.cfg }

// State returns the lifecycle state.
func (s *System) State() State { return State(s.state.Load()) }

// Init builds the whole core: backing store, arena, both models and their
// tensors, then seals the backing store and zeroes the stream state. A
// failing Init leaves the System in the Error state and returns an
// *InitError naming the stage. Calling Init on a ready System rebuilds it.
func (s *System) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardown()
	if err := s.init(ctx); err != nil {
		s.teardown()
		s.state.Store(uint32(Error))
		s.publish(func(d *Stats) { d.State = Error })
		var ie *InitError
		if errors.As(err, &ie) {
			s.metrics.initFailed(ie.Stage)
		}
		s.logger.Error("init failed", "error", err)
		return err
	}
	s.state.Store(uint32(Ready))
	s.publish(func(d *Stats) {
		*d = Stats{
			State:          Ready,
			Strategy:       s.cfg.Arena.Strategy,
			SessionID:      s.session.String(),
			BackboneBytes:  s.backbone.ArenaUsedBytes(),
			StreamingBytes: s.streaming.ArenaUsedBytes(),
			Layout:         s.layout(),
		}
		s.fillMemory(d)
	})
	s.metrics.setArenaUsed("backbone", s.backbone.ArenaUsedBytes())
	s.metrics.setArenaUsed("streaming", s.streaming.ArenaUsedBytes())
	s.logger.Info("inference core ready",
		"session", s.session.String(),
		"strategy", s.cfg.Arena.Strategy,
		"backbone_bytes", s.backbone.ArenaUsedBytes(),
		"streaming_bytes", s.streaming.ArenaUsedBytes())
	return nil
}

func (s *System) init(ctx context.Context) error {
	fail := func(stage string, err error) error { return &InitError{Stage: stage, Err: err} }
	cfg := s.cfg

	if err := cfg.Validate(); err != nil {
		return fail(StageConfig, err)
	}
	s.front = s.opts.Frontend
	if s.front == nil {
		f, err := frontend.New(cfg.Frontend)
		if err != nil {
			return fail(StageConfig, err)
		}
		if syn, ok := f.(*frontend.Synthetic); ok {
			syn.SetSeed(cfg.Seed)
		}
		s.front = f
	}
	s.session = uuid.New()

	var bbArena, stArena interp.Arena
	switch cfg.Arena.Strategy {
	case StrategyVirtual:
		store, err := s.backingStore()
		if err != nil {
			return fail(StageBackingStore, err)
		}
		s.guard = flash.NewGuard(store)
		s.virtual, err = arena.NewVirtual(arena.VirtualConfig{
			Store:        s.guard,
			RegionOffset: cfg.Arena.RegionOffset,
			RegionSize:   cfg.Arena.RegionSize,
			CacheSize:    cfg.Arena.CacheSize,
			MaxTensors:   cfg.Arena.MaxTensors,
			Logger:       s.logger,
		})
		if err != nil {
			return fail(StageArena, err)
		}
		bb, err := s.virtual.Partition(arena.Backbone, cfg.Arena.BackboneBudget)
		if err != nil {
			return fail(StageArena, err)
		}
		st, err := s.virtual.Partition(arena.Streaming, cfg.Arena.StreamingBudget)
		if err != nil {
			return fail(StageArena, err)
		}
		bbArena, stArena = bb, st
	case StrategyDirect:
		var err error
		s.direct, err = arena.NewDirect(cfg.Arena.DirectSize, s.logger)
		if err != nil {
			return fail(StageArena, err)
		}
		bb, err := s.direct.AllocateRegion(arena.Backbone, cfg.Arena.DirectBackbone)
		if err != nil {
			return fail(StageArena, err)
		}
		st, err := s.direct.AllocateRegion(arena.Streaming, cfg.Arena.DirectStreaming)
		if err != nil {
			return fail(StageArena, err)
		}
		bbArena, stArena = bb, st
	}
	if err := ctx.Err(); err != nil {
		return fail(StageArena, err)
	}

	dense, gru := cfg.denseConfig(), cfg.gruConfig()
	bbData, stData := s.opts.Backbone, s.opts.Streaming
	if bbData == nil || stData == nil {
		genBB, genST := GenerateModels(cfg)
		if bbData == nil {
			bbData = genBB
		}
		if stData == nil {
			stData = genST
		}
	}
	bbModel, err := interp.Create(bbData, dense.Spec(), kernels.NewDense(dense))
	if err != nil {
		return fail(StageModelBackbone, err)
	}
	stModel, err := interp.Create(stData, gru.Spec(), kernels.NewGRU(gru))
	if err != nil {
		return fail(StageModelStreaming, err)
	}

	s.pool = interp.NewPool()
	if s.backbone, err = s.pool.Bind(bbModel, bbArena); err != nil {
		return fail(StageBindBackbone, err)
	}
	if s.streaming, err = s.pool.Bind(stModel, stArena); err != nil {
		return fail(StageBindStreaming, err)
	}
	if err := s.backbone.AllocateTensors(); err != nil {
		return fail(StageAllocateBackbone, err)
	}
	if err := ctx.Err(); err != nil {
		return fail(StageAllocateBackbone, err)
	}
	if err := s.streaming.AllocateTensors(); err != nil {
		return fail(StageAllocateStreaming, err)
	}
	if s.guard != nil {
		s.guard.Seal()
	}

	s.engine, err = stream.New(stream.Config{
		Timesteps:     cfg.Timesteps,
		Features:      cfg.Features,
		Hidden:        cfg.Hidden,
		Classes:       cfg.Classes,
		Threshold:     cfg.Threshold,
		MaxDetections: cfg.MaxDetections,
		Logger:        s.logger,
	}, s.backbone, s.streaming)
	if err != nil {
		return fail(StageEngine, err)
	}
	s.input = make([]float32, cfg.Timesteps*cfg.InputBins)
	s.frame = 0
	return nil
}

// backingStore returns the configured store or a fresh in-memory device,
// after checking the region fits it.
func (s *System) backingStore() (flash.Store, error) {
	a := s.cfg.Arena
	end := a.RegionOffset + a.RegionSize
	store := s.opts.Store
	if store == nil {
		return flash.NewMemory(flash.PageAlign(end, a.PageSize), a.PageSize)
	}
	if store.PageSize() != a.PageSize {
		return nil, fmt.Errorf("store page size %d, configured %d", store.PageSize(), a.PageSize)
	}
	if end > store.Size() {
		return nil, fmt.Errorf("%w: region ends at %d, store is %d bytes", flash.ErrOutOfRange, end, store.Size())
	}
	return store, nil
}

// teardown destroys the interpreters and drops every per-session object.
func (s *System) teardown() {
	if s.backbone != nil {
		s.backbone.Destroy()
	}
	if s.streaming != nil {
		s.streaming.Destroy()
	}
	s.backbone, s.streaming, s.engine, s.pool = nil, nil, nil, nil
	s.virtual, s.direct, s.guard = nil, nil, nil
	s.input = nil
}

// Close releases both interpreters and returns the System to
// Uninitialized.
func (s *System) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown()
	s.state.Store(uint32(Uninitialized))
	s.publish(func(d *Stats) { *d = Stats{State: Uninitialized} })
	return nil
}

// ResetStreamState zeroes the recurrent state and restarts frame numbering,
// for the start of an independent clip.
func (s *System) ResetStreamState() error {
	if !s.mu.TryLock() {
		return ErrBusy
	}
	defer s.mu.Unlock()
	if s.State() != Ready {
		return ErrNotReady
	}
	if err := s.engine.Reset(); err != nil {
		return err
	}
	s.frame = 0
	s.publish(func(d *Stats) { d.NextFrame = 0 })
	return nil
}

// SetSeed changes the seed of a synthetic frontend.
func (s *System) SetSeed(seed uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Seed = seed
	if syn, ok := s.front.(*frontend.Synthetic); ok {
		syn.SetSeed(seed)
		return nil
	}
	if s.front == nil {
		return nil
	}
	return fmt.Errorf("nn: frontend %T has no seed", s.front)
}

// ProcessAudio runs one classification cycle on a window of samples.
func (s *System) ProcessAudio(samples []int16) (stream.Decision, error) {
	if !s.mu.TryLock() {
		s.metrics.cycle("busy")
		return stream.Decision{}, ErrBusy
	}
	defer s.mu.Unlock()

	if s.State() != Ready {
		return stream.Decision{}, ErrNotReady
	}
	if len(samples) == 0 {
		return stream.Decision{}, ErrEmptyWindow
	}

	frame := s.frame
	s.frame++

	var before arena.Stats
	if s.virtual != nil {
		before = s.virtual.Stats()
	}
	start := time.Now()

	dec, err := s.cycle(samples, frame)
	elapsed := time.Since(start)

	if s.virtual != nil {
		s.metrics.addCache(before, s.virtual.Stats())
	}
	s.publish(func(d *Stats) {
		d.NextFrame = s.frame
		if err != nil {
			d.Failures++
			return
		}
		d.Cycles++
		d.LastCycle = elapsed
		s.fillMemory(d)
	})

	if err != nil {
		s.metrics.cycle("error")
		s.logger.Error("cycle failed", "frame", frame, "error", err)
		return stream.Decision{}, fmt.Errorf("nn: frame %d: %w", frame, err)
	}
	classes := make([]string, len(dec.Detections))
	for i, det := range dec.Detections {
		classes[i] = s.cfg.ClassName(int(det.ClassID))
	}
	s.metrics.cycle("ok")
	s.metrics.observe(elapsed.Seconds(), classes)
	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		s.logger.Debug("cycle done", "frame", frame, "detections", classes, "elapsed", elapsed)
	}
	return dec, nil
}

func (s *System) cycle(samples []int16, frame uint32) (stream.Decision, error) {
	if err := s.front.Features(s.input, samples, frame); err != nil {
		return stream.Decision{}, err
	}
	return s.engine.Run(s.input, frame, frame*s.cfg.FrameMillis())
}

func (s *System) layout() []RegionInfo {
	var out []RegionInfo
	if s.virtual != nil {
		for _, p := range s.virtual.Partitions() {
			out = append(out, RegionInfo{Kind: p.Kind().String(), Capacity: p.Capacity(), Used: p.Used()})
		}
	}
	if s.direct != nil {
		for _, r := range s.direct.Regions() {
			out = append(out, RegionInfo{Kind: r.Kind().String(), Capacity: r.Capacity(), Used: r.Used()})
		}
	}
	return out
}

// fillMemory refreshes the memory figures of d. Callers hold mu.
func (s *System) fillMemory(d *Stats) {
	switch {
	case s.virtual != nil:
		st := s.virtual.Stats()
		gs := s.guard.Stats()
		d.Arena = &st
		d.Flash = &gs
		d.FreeRAM = st.CacheSize - st.CacheUsed
	case s.direct != nil:
		d.FreeRAM = s.direct.Size() - int(d.BackboneBytes+d.StreamingBytes)
	}
}

func (s *System) publish(fn func(*Stats)) {
	s.diagMu.Lock()
	fn(&s.diag)
	s.diagMu.Unlock()
}

// Stats returns the latest diagnostics snapshot.
func (s *System) Stats() Stats {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	d := s.diag
	if d.Arena != nil {
		a := *d.Arena
		d.Arena = &a
	}
	if d.Flash != nil {
		f := *d.Flash
		d.Flash = &f
	}
	return d
}

// ArenaUsedBytes returns the arena bytes reserved by each model.
func (s *System) ArenaUsedBytes() (backbone, streaming int64) {
	d := s.Stats()
	return d.BackboneBytes, d.StreamingBytes
}

// LastCycleDuration returns the wall-clock cost of the last successful
// cycle.
func (s *System) LastCycleDuration() time.Duration { return s.Stats().LastCycle }

// FreeRAMEstimate returns the tensor memory not currently in use: free cache
// bytes for the virtual strategy, unreserved buffer bytes for the direct one.
func (s *System) FreeRAMEstimate() int { return s.Stats().FreeRAM }

// SessionID identifies the current initialization.
func (s *System) SessionID() string { return s.Stats().SessionID }

// ClassName returns the label of a class id.
func (s *System) ClassName(id uint8) string { return s.cfg.ClassName(int(id)) }

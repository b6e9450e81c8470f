package nn

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haivivi/sensornn/pkg/arena"
	"github.com/haivivi/sensornn/pkg/blob"
	"github.com/haivivi/sensornn/pkg/flash"
	"github.com/haivivi/sensornn/pkg/interp"
	"github.com/haivivi/sensornn/pkg/stream"
)

var quiet = slog.New(slog.DiscardHandler)

// testConfig lowers the threshold so that near-uniform probabilities from
// generated weights still produce detections.
func testConfig(strategy string) Config {
	cfg := DefaultConfig()
	cfg.Threshold = 0.01
	cfg.Arena.Strategy = strategy
	return cfg
}

func newReady(t *testing.T, cfg Config, opts Options) *System {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quiet
	}
	s := New(cfg, opts)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func window() []int16 { return make([]int16, 1024) }

func runCycles(t *testing.T, s *System, n int) []stream.Decision {
	t.Helper()
	out := make([]stream.Decision, n)
	for i := range out {
		d, err := s.ProcessAudio(window())
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		out[i] = d
	}
	return out
}

func TestProcessAudio(t *testing.T) {
	for _, strategy := range []string{StrategyVirtual, StrategyDirect} {
		t.Run(strategy, func(t *testing.T) {
			cfg := testConfig(strategy)
			s := newReady(t, cfg, Options{})
			if s.State() != Ready {
				t.Fatalf("state = %v", s.State())
			}
			decs := runCycles(t, s, 3)
			for i, d := range decs {
				if d.FrameID != uint32(i) {
					t.Fatalf("decision %d has frame %d", i, d.FrameID)
				}
				if len(d.Detections) == 0 || len(d.Detections) > cfg.MaxDetections {
					t.Fatalf("decision %d has %d detections", i, len(d.Detections))
				}
				for _, det := range d.Detections {
					if !det.Valid || det.Confidence < cfg.Threshold || det.Confidence > 1 {
						t.Fatalf("bad detection %+v", det)
					}
					if det.TimestampMs != uint32(i)*cfg.FrameMillis() {
						t.Fatalf("frame %d timestamp %d", i, det.TimestampMs)
					}
				}
			}
			st := s.Stats()
			if st.Cycles != 3 || st.NextFrame != 3 || st.LastCycle <= 0 {
				t.Fatalf("stats = %+v", st)
			}
			bb, sm := s.ArenaUsedBytes()
			if bb <= 0 || sm <= 0 {
				t.Fatalf("arena used = %d, %d", bb, sm)
			}
			if s.FreeRAMEstimate() <= 0 {
				t.Fatalf("free RAM estimate = %d", s.FreeRAMEstimate())
			}
			if s.SessionID() == "" {
				t.Fatal("empty session id")
			}
		})
	}
}

func TestStrategiesAgree(t *testing.T) {
	v := runCycles(t, newReady(t, testConfig(StrategyVirtual), Options{}), 4)
	d := runCycles(t, newReady(t, testConfig(StrategyDirect), Options{}), 4)
	if !reflect.DeepEqual(v, d) {
		t.Fatalf("virtual %+v\ndirect %+v", v, d)
	}
}

func TestResetMatchesFreshInit(t *testing.T) {
	cfg := testConfig(StrategyVirtual)
	used := newReady(t, cfg, Options{})
	runCycles(t, used, 5)
	if err := used.ResetStreamState(); err != nil {
		t.Fatal(err)
	}
	if used.Stats().NextFrame != 0 {
		t.Fatal("frame counter not reset")
	}
	got := runCycles(t, used, 2)

	want := runCycles(t, newReady(t, cfg, Options{}), 2)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("after reset %+v, fresh %+v", got, want)
	}
}

func TestHiddenStateCarriesAcrossCycles(t *testing.T) {
	cfg := testConfig(StrategyDirect)
	a := newReady(t, cfg, Options{})
	b := newReady(t, cfg, Options{})
	runCycles(t, a, 1)
	first := runCycles(t, a, 1)[0]

	// b sees frame 1's features with a zero hidden state.
	runCycles(t, b, 1)
	b.engine.Reset()
	second := runCycles(t, b, 1)[0]

	if first.FrameID != second.FrameID || reflect.DeepEqual(first, second) {
		t.Fatalf("hidden state had no effect: %+v", first)
	}
}

func TestNotReady(t *testing.T) {
	s := New(testConfig(StrategyVirtual), Options{Logger: quiet})
	if s.State() != Uninitialized {
		t.Fatalf("state = %v", s.State())
	}
	if _, err := s.ProcessAudio(window()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if err := s.ResetStreamState(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Close()
	if s.State() != Uninitialized {
		t.Fatalf("state after Close = %v", s.State())
	}
	if _, err := s.ProcessAudio(window()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady after Close, got %v", err)
	}
}

func TestEmptyWindow(t *testing.T) {
	s := newReady(t, testConfig(StrategyVirtual), Options{})
	if _, err := s.ProcessAudio(nil); !errors.Is(err, ErrEmptyWindow) {
		t.Fatalf("expected ErrEmptyWindow, got %v", err)
	}
	if s.Stats().NextFrame != 0 {
		t.Fatal("empty window consumed a frame id")
	}
}

func TestInitFailureStages(t *testing.T) {
	tests := []struct {
		name  string
		cfg   func(*Config)
		opts  func(*Options)
		stage string
		err   error
	}{
		{
			name:  "invalid config",
			cfg:   func(c *Config) { c.Classes = 0 },
			stage: StageConfig,
		},
		{
			name: "store too small",
			opts: func(o *Options) {
				o.Store, _ = flash.NewMemory(4096, 2048)
			},
			stage: StageBackingStore,
			err:   flash.ErrOutOfRange,
		},
		{
			name:  "partitions exceed region",
			cfg:   func(c *Config) { c.Arena.BackboneBudget = 64 << 10 },
			stage: StageConfig,
		},
		{
			name:  "backbone model truncated",
			opts:  func(o *Options) { o.Backbone = make([]byte, 16) },
			stage: StageModelBackbone,
			err:   interp.ErrInvalidModel,
		},
		{
			name:  "streaming budget too small",
			cfg:   func(c *Config) { c.Arena.StreamingBudget = 8 << 10 },
			stage: StageBindStreaming,
			err:   interp.ErrArenaTooSmall,
		},
		{
			name:  "cache below backbone io",
			cfg:   func(c *Config) { c.Arena.CacheSize = 2 << 10 },
			stage: StageAllocateBackbone,
			err:   arena.ErrOutOfCache,
		},
		{
			name: "direct region too small",
			cfg: func(c *Config) {
				c.Arena.Strategy = StrategyDirect
				c.Arena.DirectBackbone = 1 << 10
			},
			stage: StageBindBackbone,
			err:   interp.ErrArenaTooSmall,
		},
		{
			name: "direct regions exceed buffer",
			cfg: func(c *Config) {
				c.Arena.Strategy = StrategyDirect
				c.Arena.DirectStreaming = 120 << 10
			},
			stage: StageArena,
			err:   arena.ErrInsufficientMemory,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(StrategyVirtual)
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			opts := Options{Logger: quiet}
			if tt.opts != nil {
				tt.opts(&opts)
			}
			reg := prometheus.NewRegistry()
			opts.Metrics = NewMetrics(reg)
			s := New(cfg, opts)

			err := s.Init(context.Background())
			var ie *InitError
			if !errors.As(err, &ie) {
				t.Fatalf("expected *InitError, got %v", err)
			}
			if ie.Stage != tt.stage {
				t.Fatalf("stage = %q, want %q (%v)", ie.Stage, tt.stage, err)
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
			if s.State() != Error {
				t.Fatalf("state = %v", s.State())
			}
			if _, err := s.ProcessAudio(window()); !errors.Is(err, ErrNotReady) {
				t.Fatalf("expected ErrNotReady, got %v", err)
			}
			if got := counterValue(t, reg, "sensornn_init_failures_total", "stage", tt.stage); got != 1 {
				t.Fatalf("init failure counter = %v", got)
			}
		})
	}
}

func TestInitAfterFailureRecovers(t *testing.T) {
	cfg := testConfig(StrategyVirtual)
	cfg.Arena.CacheSize = 1 << 10
	s := New(cfg, Options{Logger: quiet})
	if err := s.Init(context.Background()); err == nil {
		t.Fatal("expected init failure")
	}
	s.cfg.Arena.CacheSize = 24 << 10
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	runCycles(t, s, 1)
}

func TestBackingStoreSealedAfterInit(t *testing.T) {
	store, err := flash.NewMemory(128<<10, 2048)
	if err != nil {
		t.Fatal(err)
	}
	s := newReady(t, testConfig(StrategyVirtual), Options{Store: store})
	if !s.guard.Sealed() {
		t.Fatal("guard not sealed")
	}
	if err := s.guard.Program(0, []byte{0}); !errors.Is(err, flash.ErrWriteLocked) {
		t.Fatalf("expected ErrWriteLocked, got %v", err)
	}
	runCycles(t, s, 2)
	fs := s.Stats().Flash
	if fs == nil || fs.Programs == 0 || fs.RejectedWrites != 1 {
		t.Fatalf("flash stats = %+v", fs)
	}

	// The staged weights are on the caller's store.
	b := make([]byte, 8)
	if _, err := store.ReadAt(b, 0); err != nil {
		t.Fatal(err)
	}
	if reflect.DeepEqual(b, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}) {
		t.Fatal("region start still erased")
	}
}

func TestBadgerBackedSystem(t *testing.T) {
	store, err := flash.NewBadger(flash.BadgerOptions{InMemory: true, Size: 128 << 10, PageSize: 2048})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	cfg := testConfig(StrategyVirtual)
	got := runCycles(t, newReady(t, cfg, Options{Store: store}), 2)
	want := runCycles(t, newReady(t, cfg, Options{}), 2)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("badger %+v, memory %+v", got, want)
	}
}

// reentrantFrontend calls back into the System while a cycle is running.
type reentrantFrontend struct {
	s            *System
	process, rst error
}

func (f *reentrantFrontend) Features(dst []float32, _ []int16, _ uint32) error {
	_, f.process = f.s.ProcessAudio(window())
	f.rst = f.s.ResetStreamState()
	clear(dst)
	return nil
}

func TestBusy(t *testing.T) {
	fe := &reentrantFrontend{}
	s := newReady(t, testConfig(StrategyDirect), Options{Frontend: fe})
	fe.s = s
	if _, err := s.ProcessAudio(window()); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(fe.process, ErrBusy) {
		t.Fatalf("re-entrant ProcessAudio: expected ErrBusy, got %v", fe.process)
	}
	if !errors.Is(fe.rst, ErrBusy) {
		t.Fatalf("ResetStreamState during cycle: expected ErrBusy, got %v", fe.rst)
	}
}

func TestSetSeed(t *testing.T) {
	cfg := testConfig(StrategyDirect)
	a := newReady(t, cfg, Options{})
	b := newReady(t, cfg, Options{})
	if err := b.SetSeed(cfg.Seed + 1); err != nil {
		t.Fatal(err)
	}
	if reflect.DeepEqual(runCycles(t, a, 1), runCycles(t, b, 1)) {
		t.Fatal("seed change did not change features")
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newReady(t, testConfig(StrategyVirtual), Options{Metrics: NewMetrics(reg)})
	decs := runCycles(t, s, 3)

	if got := counterValue(t, reg, "sensornn_cycles_total", "result", "ok"); got != 3 {
		t.Fatalf("ok cycles = %v", got)
	}
	var detections int
	for _, d := range decs {
		detections += len(d.Detections)
	}
	if got := sumCounter(t, reg, "sensornn_detections_total"); got != float64(detections) {
		t.Fatalf("detections counter = %v, want %d", got, detections)
	}
	if got := sumCounter(t, reg, "sensornn_cache_misses_total"); got == 0 {
		t.Fatal("no cache misses counted")
	}
	if got := sumCounter(t, reg, "sensornn_page_in_bytes_total"); got == 0 {
		t.Fatal("no page-in bytes counted")
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func sumCounter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var sum float64
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				sum += m.GetCounter().GetValue()
			}
		}
	}
	return sum
}

func TestClassName(t *testing.T) {
	cfg := DefaultConfig()
	for id, want := range map[int]string{0: "Background", 3: "Bird_Species_3", 34: "Bird_Species_34", 35: "Unknown", -1: "Unknown"} {
		if got := cfg.ClassName(id); got != want {
			t.Errorf("ClassName(%d) = %q, want %q", id, got, want)
		}
	}
	cfg.ClassNames = []string{"", "Robin"}
	if cfg.ClassName(1) != "Robin" || cfg.ClassName(0) != "Background" {
		t.Fatalf("named classes: %q %q", cfg.ClassName(0), cfg.ClassName(1))
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Fatal("missing file should yield defaults")
	}

	path := filepath.Join(t.TempDir(), "sensornn.yaml")
	data := []byte("classes: 10\nthreshold: 0.5\narena:\n  strategy: direct\n  direct_size: 65536\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Classes != 10 || cfg.Threshold != 0.5 || cfg.Arena.Strategy != StrategyDirect || cfg.Arena.DirectSize != 65536 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Hidden != 64 || cfg.Arena.DirectBackbone != 32<<10 {
		t.Fatal("unset fields lost their defaults")
	}

	if err := os.WriteFile(path, []byte("classes: [1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"zero hidden", func(c *Config) { c.Hidden = 0 }},
		{"too many classes", func(c *Config) { c.Classes = 257 }},
		{"zero threshold", func(c *Config) { c.Threshold = 0 }},
		{"threshold above one", func(c *Config) { c.Threshold = 1.5 }},
		{"bad dtype", func(c *Config) { c.DType = "f64" }},
		{"bad frontend", func(c *Config) { c.Frontend = "mfcc" }},
		{"unaligned region", func(c *Config) { c.Arena.RegionOffset = 100 }},
		{"bad strategy", func(c *Config) { c.Arena.Strategy = "mmap" }},
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mut(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestFrameMillis(t *testing.T) {
	if got := DefaultConfig().FrameMillis(); got != 21 {
		t.Fatalf("FrameMillis = %d, want 21", got)
	}
}

func TestLoadModels(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(StrategyVirtual)
	dir := t.TempDir()
	src, err := blob.NewDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	bb, st, err := LoadModels(ctx, src, cfg)
	if err != nil || bb != nil || st != nil {
		t.Fatalf("empty source: %v %v %v", len(bb), len(st), err)
	}

	genBB, genST := GenerateModels(cfg)
	os.WriteFile(filepath.Join(dir, BackboneBlob), genBB, 0o644)
	os.WriteFile(filepath.Join(dir, StreamingBlob), genST, 0o644)
	bb, st, err = LoadModels(ctx, src, cfg)
	if err != nil {
		t.Fatal(err)
	}
	got := runCycles(t, newReady(t, cfg, Options{Backbone: bb, Streaming: st}), 2)
	want := runCycles(t, newReady(t, cfg, Options{}), 2)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("loaded %+v, generated %+v", got, want)
	}

	os.WriteFile(filepath.Join(dir, StreamingBlob), genST[:len(genST)-8], 0o644)
	if _, _, err := LoadModels(ctx, src, cfg); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

package commands

import (
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/haivivi/sensornn/pkg/nn"
)

var benchCycles []int

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Time classification cycles on silent windows",
	Long: `Run batches of classification cycles and report their timing.

Each batch starts from a reset stream state. With the virtual strategy the
cache counters show how much paging a cycle costs.

Examples:
  sensornn bench
  sensornn bench --cycles 10,100 --strategy direct --format json`,
	Args: cobra.NoArgs,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().IntSliceVar(&benchCycles, "cycles", []int{10, 100, 1000}, "cycle counts, one batch each")
	rootCmd.AddCommand(benchCmd)
}

// benchResult is the timing of one batch.
type benchResult struct {
	Cycles     int           `json:"cycles" yaml:"cycles"`
	Total      time.Duration `json:"total" yaml:"total"`
	Mean       time.Duration `json:"mean" yaml:"mean"`
	P50        time.Duration `json:"p50" yaml:"p50"`
	P99        time.Duration `json:"p99" yaml:"p99"`
	Max        time.Duration `json:"max" yaml:"max"`
	Detections int           `json:"detections" yaml:"detections"`
	Misses     uint64        `json:"cache_misses" yaml:"cache_misses"`
	PageIn     uint64        `json:"page_in_bytes" yaml:"page_in_bytes"`
}

type benchReport struct {
	Strategy string        `json:"strategy" yaml:"strategy"`
	Batches  []benchResult `json:"batches" yaml:"batches"`
}

func runBench(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	e, err := newEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	sys, err := e.newSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.Close()

	report := benchReport{Strategy: e.cfg.Arena.Strategy}
	window := make([]int16, e.cfg.FrameSize)
	for _, n := range benchCycles {
		if n <= 0 {
			return fmt.Errorf("invalid cycle count %d", n)
		}
		if err := sys.ResetStreamState(); err != nil {
			return err
		}
		res, err := benchBatch(sys, window, n)
		if err != nil {
			return err
		}
		report.Batches = append(report.Batches, res)
	}
	return output(report, func() string { return renderBench(report) })
}

func benchBatch(sys *nn.System, window []int16, n int) (benchResult, error) {
	before := sys.Stats()
	durations := make([]time.Duration, 0, n)
	res := benchResult{Cycles: n}
	for range n {
		dec, err := sys.ProcessAudio(window)
		if err != nil {
			return res, err
		}
		d := sys.LastCycleDuration()
		durations = append(durations, d)
		res.Total += d
		res.Detections += len(dec.Detections)
	}
	slices.Sort(durations)
	res.Mean = res.Total / time.Duration(n)
	res.P50 = durations[n/2]
	res.P99 = durations[min(n-1, n*99/100)]
	res.Max = durations[n-1]
	if after := sys.Stats(); after.Arena != nil && before.Arena != nil {
		res.Misses = after.Arena.Misses - before.Arena.Misses
		res.PageIn = after.Arena.PageInBytes - before.Arena.PageInBytes
	}
	return res, nil
}

func renderBench(r benchReport) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(labelStyle).
		Headers("cycles", "mean", "p50", "p99", "max", "detections", "misses", "paged in").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return titleStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	for _, b := range r.Batches {
		t.Row(
			fmt.Sprint(b.Cycles),
			b.Mean.String(),
			b.P50.String(),
			b.P99.String(),
			b.Max.String(),
			fmt.Sprint(b.Detections),
			fmt.Sprint(b.Misses),
			formatBytes(int64(b.PageIn)),
		)
	}
	return titleStyle.Render("strategy: "+r.Strategy) + "\n" + t.Render()
}

package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haivivi/sensornn/pkg/nn"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Initialize the core and show its memory layout",
	Args:  cobra.NoArgs,
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

type infoReport struct {
	Classes       int      `json:"classes" yaml:"classes"`
	Timesteps     int      `json:"timesteps" yaml:"timesteps"`
	Hidden        int      `json:"hidden" yaml:"hidden"`
	DType         string   `json:"dtype" yaml:"dtype"`
	FrameMillis   uint32   `json:"frame_ms" yaml:"frame_ms"`
	BackboneSize  int      `json:"backbone_model_bytes" yaml:"backbone_model_bytes"`
	StreamingSize int      `json:"streaming_model_bytes" yaml:"streaming_model_bytes"`
	Stats         nn.Stats `json:"stats" yaml:"stats"`
}

func runInfo(cmd *cobra.Command, _ []string) error {
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

	bb, st := nn.ModelSizes(e.cfg)
	r := infoReport{
		Classes:       e.cfg.Classes,
		Timesteps:     e.cfg.Timesteps,
		Hidden:        e.cfg.Hidden,
		DType:         e.cfg.DType,
		FrameMillis:   e.cfg.FrameMillis(),
		BackboneSize:  bb,
		StreamingSize: st,
		Stats:         sys.Stats(),
	}
	return output(r, func() string { return renderInfo(r) })
}

func renderInfo(r infoReport) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("model"))
	b.WriteString("\n")
	b.WriteString(kv(
		[2]string{"classes", fmt.Sprint(r.Classes)},
		[2]string{"timesteps", fmt.Sprint(r.Timesteps)},
		[2]string{"hidden", fmt.Sprint(r.Hidden)},
		[2]string{"dtype", r.DType},
		[2]string{"frame", fmt.Sprintf("%d ms", r.FrameMillis)},
		[2]string{"backbone", formatBytes(int64(r.BackboneSize))},
		[2]string{"streaming", formatBytes(int64(r.StreamingSize))},
	))

	st := r.Stats
	b.WriteString("\n\n")
	b.WriteString(titleStyle.Render("arena (" + st.Strategy + ")"))
	for _, reg := range st.Layout {
		fmt.Fprintf(&b, "\n  %-10s %s\n  %s", reg.Kind,
			labelStyle.Render(fmt.Sprintf("%s of %s", formatBytes(reg.Used), formatBytes(reg.Capacity))),
			bar(reg.Used, reg.Capacity, 40))
	}
	if a := st.Arena; a != nil {
		b.WriteString("\n")
		b.WriteString(kv(
			[2]string{"cache", fmt.Sprintf("%s of %s", formatBytes(int64(a.CacheUsed)), formatBytes(int64(a.CacheSize)))},
			[2]string{"tensors", fmt.Sprintf("%d (%d resident)", a.Tensors, a.ResidentTensors)},
			[2]string{"backing", fmt.Sprintf("%s of %s", formatBytes(a.BackingUsed), formatBytes(a.BackingSize))},
		))
	}
	if f := st.Flash; f != nil {
		b.WriteString("\n")
		b.WriteString(kv(
			[2]string{"flash erased", formatBytes(f.ErasedBytes)},
			[2]string{"flash programmed", formatBytes(f.ProgramBytes)},
		))
	}
	b.WriteString("\n")
	b.WriteString(kv(
		[2]string{"free RAM", formatBytes(int64(st.FreeRAM))},
		[2]string{"session", st.SessionID},
	))
	if st.Arena != nil && st.Arena.Discarded > 0 {
		b.WriteString("\n" + warnStyle.Render(fmt.Sprintf("  %d mutable tensors lost to eviction", st.Arena.Discarded)))
	}
	return b.String()
}

// bar renders used/total as a fixed-width meter.
func bar(used, total int64, width int) string {
	if total <= 0 {
		return ""
	}
	filled := int(used * int64(width) / total)
	filled = min(max(filled, 0), width)
	return titleStyle.Render(strings.Repeat("█", filled)) + labelStyle.Render(strings.Repeat("░", width-filled))
}

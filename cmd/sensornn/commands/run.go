package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/haivivi/sensornn/pkg/detlog"
	"github.com/haivivi/sensornn/pkg/nn"
	"github.com/haivivi/sensornn/pkg/pcm"
	"github.com/haivivi/sensornn/pkg/stream"
)

var (
	runRate   int
	runStereo bool
	runLogDir string
	runJobs   int
	runAll    bool
)

var runCmd = &cobra.Command{
	Use:   "run FILE...",
	Short: "Classify raw PCM files window by window",
	Long: `Classify raw 16-bit little-endian PCM files.

Each file gets its own initialized core, so stream state never leaks from
one recording into the next. Audio is resampled to the configured sample
rate and cut into frame_size windows; a trailing partial window is padded
with silence.

Examples:
  sensornn run --rate 44100 dawn.raw
  sensornn run --stereo --log ./decisions --format json *.raw`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runRate, "rate", 0, "input sample rate (default: config sample_rate)")
	runCmd.Flags().BoolVar(&runStereo, "stereo", false, "input is interleaved stereo")
	runCmd.Flags().StringVar(&runLogDir, "log", "", "append decisions to a badger decision log in this directory")
	runCmd.Flags().IntVarP(&runJobs, "jobs", "j", 2, "files processed concurrently")
	runCmd.Flags().BoolVar(&runAll, "all", false, "include decisions without detections in table output")
	rootCmd.AddCommand(runCmd)
}

// fileResult is the outcome of one file.
type fileResult struct {
	File      string            `json:"file" yaml:"file"`
	Session   string            `json:"session" yaml:"session"`
	Windows   int               `json:"windows" yaml:"windows"`
	Decisions []stream.Decision `json:"decisions" yaml:"decisions"`
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	e, err := newEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	var log *detlog.Log
	if runLogDir != "" {
		log, err = detlog.Open(detlog.Options{Dir: runLogDir, Logger: e.logger})
		if err != nil {
			return err
		}
		defer log.Close()
	}

	rate := runRate
	if rate == 0 {
		rate = e.cfg.SampleRate
	}
	jobs := max(runJobs, 1)
	if e.store != nil {
		// One emulated flash device cannot back two cores.
		jobs = 1
	}

	results := make([]fileResult, len(args))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i, path := range args {
		g.Go(func() error {
			res, err := classifyFile(gctx, e, log, path, pcm.Format{SampleRate: rate, Stereo: runStereo})
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return output(results, func() string { return renderResults(e.cfg, results) })
}

func classifyFile(ctx context.Context, e *env, log *detlog.Log, path string, f pcm.Format) (fileResult, error) {
	in, err := os.Open(path)
	if err != nil {
		return fileResult{}, err
	}
	defer in.Close()
	r, err := pcm.NewReader(in, f, e.cfg.SampleRate)
	if err != nil {
		return fileResult{}, err
	}

	sys, err := e.newSystem(ctx)
	if err != nil {
		return fileResult{}, err
	}
	defer sys.Close()

	res := fileResult{File: path, Session: sys.SessionID()}
	if st, err := in.Stat(); err == nil && f.SampleRate == e.cfg.SampleRate {
		e.logger.Debug("classifying", "file", path, "windows", pcm.Windows(st.Size(), f, e.cfg.FrameSize))
	}

	window := make([]int16, e.cfg.FrameSize)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := r.ReadWindow(window)
		if err == io.EOF {
			break
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return res, err
		}
		clear(window[n:])

		dec, perr := sys.ProcessAudio(window)
		if perr != nil {
			return res, perr
		}
		res.Windows++
		res.Decisions = append(res.Decisions, dec)
		if log != nil {
			if _, err := log.Append(ctx, res.Session, filepath.Base(path), dec); err != nil {
				return res, err
			}
		}
		if err != nil {
			break
		}
	}
	return res, nil
}

func renderResults(cfg nn.Config, results []fileResult) string {
	var b strings.Builder
	for i, res := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		var detections int
		for _, d := range res.Decisions {
			detections += len(d.Detections)
		}
		b.WriteString(titleStyle.Render(res.File))
		b.WriteString("\n")
		b.WriteString(kv(
			[2]string{"session", res.Session},
			[2]string{"windows", fmt.Sprint(res.Windows)},
			[2]string{"detections", fmt.Sprint(detections)},
		))
		for _, d := range res.Decisions {
			if len(d.Detections) == 0 {
				if runAll {
					fmt.Fprintf(&b, "\n  frame %5d  %s", d.FrameID, labelStyle.Render("-"))
				}
				continue
			}
			for _, det := range d.Detections {
				fmt.Fprintf(&b, "\n  frame %5d  %7dms  %-20s %.3f",
					d.FrameID, det.TimestampMs, cfg.ClassName(int(det.ClassID)), det.Confidence)
			}
		}
	}
	return b.String()
}

package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-yaml"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffb86c"))
)

// output writes result in the --format encoding. table falls back to
// render, or to YAML when render is nil.
func output(result any, render func() string) error {
	var w io.Writer = os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch formatOutput {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "yaml":
		return writeYAML(w, result)
	case "table", "":
		if render == nil {
			return writeYAML(w, result)
		}
		_, err := fmt.Fprintln(w, render())
		return err
	default:
		return fmt.Errorf("unsupported output format: %s", formatOutput)
	}
}

func writeYAML(w io.Writer, result any) error {
	data, err := yaml.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// kv renders aligned label/value lines.
func kv(pairs ...[2]string) string {
	width := 0
	for _, p := range pairs {
		width = max(width, len(p[0]))
	}
	var out string
	for i, p := range pairs {
		if i > 0 {
			out += "\n"
		}
		out += labelStyle.Render(fmt.Sprintf("  %-*s", width+1, p[0]+":")) + " " + p[1]
	}
	return out
}

// formatBytes formats bytes to a human readable string.
func formatBytes(n int64) string {
	const (
		KB = 1024
		MB = KB * 1024
	)
	switch {
	case n >= MB:
		return fmt.Sprintf("%.2f MB", float64(n)/MB)
	case n >= KB:
		return fmt.Sprintf("%.2f KB", float64(n)/KB)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/haivivi/sensornn/pkg/nn"
)

var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Manage model weight files",
}

var weightsExportCmd = &cobra.Command{
	Use:   "export DIR",
	Short: "Write the generated models to a directory",
	Long: `Write the deterministic models for the current config to DIR as
backbone.bin and streaming.bin. The directory can be passed to --weights,
or uploaded under an S3 prefix.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := args[0]
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		bb, st := nn.GenerateModels(cfg)
		for name, data := range map[string][]byte{nn.BackboneBlob: bb, nn.StreamingBlob: st} {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			if IsVerbose() {
				fmt.Fprintf(os.Stderr, "[verbose] wrote %s (%s)\n", path, formatBytes(int64(len(data))))
			}
		}
		fmt.Printf("✓ models written to %s\n", dir)
		return nil
	},
}

func init() {
	weightsCmd.AddCommand(weightsExportCmd)
	rootCmd.AddCommand(weightsCmd)
}

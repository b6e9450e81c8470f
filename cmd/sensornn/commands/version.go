package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/sensornn/cmd/sensornn/internal/build"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if formatOutput == "table" || formatOutput == "" {
			fmt.Println(build.String())
			if IsVerbose() {
				fmt.Printf("  go:     %s\n", build.Get().Go)
			}
			return nil
		}
		return output(build.Get(), nil)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

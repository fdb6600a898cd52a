// BeamFlow: capability-restricted plugin runtime.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "beamflow",
	Short: "BeamFlow: capability-restricted sandbox runtime for third-party plugins.",
	Long: `BeamFlow runs untrusted plugin code inside capability-restricted sandboxes.
Each plugin executes under a permission tier that maps to an explicit capability
set, with static code validation before every execution and cumulative resource
quotas enforced by the runtime.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// Command kbisect drives a multi-host kernel bisection session: start a
// new one, resume a halted one, or report on one in progress.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "kbisect",
		Short: "kbisect - multi-host Linux kernel bisection orchestrator",
		Long:  "Drives build/reboot/test bisection iterations across a roster of bare-metal hosts.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "kbisect.yaml", "path to the YAML configuration document")

	rootCmd.AddCommand(
		startCmd(),
		resumeCmd(),
		statusCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "kbisect:", err)
		if ctx.Err() != nil {
			// Interrupted: the session loop returned with its last persisted
			// state intact (implicit resumability), per the exit-code contract.
			os.Exit(130)
		}
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/ignatij/leaseflow/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "leaseflow",
	Short: "Task leases, expiry detection and failure recovery",
}

func main() {
	cli.SetupCLI(rootCmd, cli.NewApp())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

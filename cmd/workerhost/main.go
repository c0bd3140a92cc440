// Command workerhost runs the host-side control channel for one
// out-of-process language worker.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "workerhost",
		Short: "Host-side control channel for an out-of-process language worker",
	}

	rootCmd.AddCommand(newServeCmd(v))
	rootCmd.AddCommand(newMonitorCmd(v))
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

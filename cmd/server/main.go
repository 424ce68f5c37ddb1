package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "credit-pool",
		Short: "Collateralized credit pool service",
	}
)

func main() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (YAML); CREDITPOOL_* environment variables override it")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

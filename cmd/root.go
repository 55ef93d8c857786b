package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vnet-sim",
	Short: "vnet-sim simulates virtual internetworks for learning purposes",
}

func Execute() error {
	return rootCmd.Execute()
}

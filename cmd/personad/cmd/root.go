package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "personad",
	Short: "personad is a federated email identity provider",
	Long: `A federated identity provider that certifies email ownership, verifies
assertions for relying parties, and bridges domains with and without
their own primary support.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

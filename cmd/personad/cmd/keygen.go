package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/browserid/personad/secrets"
)

var keygenDir string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the CA signing key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(keygenDir, 0o700); err != nil {
			return fmt.Errorf("failed to create var directory: %w", err)
		}
		if err := secrets.GenerateKeyPair(keygenDir); err != nil {
			return err
		}
		fmt.Printf("Key pair written to %s\n", keygenDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVar(&keygenDir, "var-dir", "var", "Directory for key material")
}

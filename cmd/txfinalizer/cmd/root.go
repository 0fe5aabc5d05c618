package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tranvictor/txfinalizer/config"
)

var (
	configPath string
	envFile    string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "txfinalizer",
	Short: "Finalize EVM transaction requests into signable transactions",
	Long: `txfinalizer completes partially specified transaction requests: it
classifies them, resolves fees and gas limit, and assigns the next nonce of
the sending wallet. Configuration comes from a YAML file and TXFINALIZER_
environment variables, optionally loaded from a .env file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnv(cmd, envFile); err != nil {
			return err
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// loadEnv loads path into the environment. A missing file is only an error
// when --env-file was given explicitly on cmd.
func loadEnv(cmd *cobra.Command, path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("env-file") {
		// the default .env is optional
		return nil
	}
	return fmt.Errorf("couldn't load env file %s: %w", path, err)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "file with TXFINALIZER_ environment variables")
}

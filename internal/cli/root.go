// Package cli wires the trellis commands: serve, schema and version.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/trellis-works/trellis/internal/config"
	"github.com/trellis-works/trellis/internal/scheme"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "trellis",
	Short: "Trellis - resource-oriented data access over SQLite",
	Long: `Trellis serves a scheme-driven resource API: URL paths resolve to
typed selections, hydrated result graphs, and transactional writes
against a SQLite store.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "trellis.yml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig reads the configuration file when it exists; a missing
// file falls back to defaults so the binary runs out of the box.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(cfgFile); err != nil {
		if verbose {
			fmt.Fprintf(os.Stderr, "config %s not found, using defaults\n", cfgFile)
		}
		return config.Default(), nil
	}
	return config.Load(cfgFile)
}

// loadRegistry builds the scheme registry from the "schemes" section of
// the configuration document.
func loadRegistry() (*scheme.Registry, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read schemes from %s: %w", cfgFile, err)
	}
	return scheme.LoadRegistry(v)
}

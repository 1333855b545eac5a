package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/OpenTraceLab/jtagverify/internal/logging"
	"github.com/OpenTraceLab/jtagverify/pkg/config"
)

var (
	// Global flags
	profilePath string
	logLevel    string
	logFormat   string
)

var rootCmd = &cobra.Command{
	Use:   "jtagverify",
	Short: "JTAG protocol verification engine",
	Long: `Drive IEEE 1149.x transactions against a target, check every one for
protocol compliance and signal timing, inject faults on request and compare the
target against a fault-free reference model.

Examples:
  jtagverify run                                    # Standard suite on the simulator
  jtagverify run --profile board.yaml -o run.jsonl  # Profile from a file, records to disk
  jtagverify run --adapter cmsisdap --repeat 10     # Real target through a CMSIS-DAP probe
  jtagverify route ShiftIR ShiftDR --pause 2        # Show a TMS route
  jtagverify profile > jtagverify.yaml              # Start a profile from the defaults`,
	SilenceUsage: true,
	Version:      "0.1.0",
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&profilePath, "profile", "p", "",
		"verification profile (YAML); built-in defaults when empty")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error); overrides the profile")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"log format (console, json); overrides the profile")
}

// loadProfile reads --profile, or returns the defaults when it is unset.
func loadProfile() (*config.Profile, error) {
	if profilePath == "" {
		p := config.Default()
		return &p, nil
	}
	return config.Load(profilePath)
}

// newLogger builds the stderr logger from the profile and the log flags.
func newLogger(p *config.Profile) (*zap.Logger, error) {
	level, format := p.Logging.Level, p.Logging.Format
	if logLevel != "" {
		level = logLevel
	}
	if logFormat != "" {
		format = logFormat
	}
	return logging.New(level, format, os.Stderr)
}

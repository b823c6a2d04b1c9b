package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// Process exit codes. Item failures inside a cycle never change the code.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitContended = 2
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	// Version info - set via SetVersion()
	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "qdispatch",
	Short: "Periodic dispatcher that moves tickets through agent work phases",
	Long: `qdispatch runs short, non-overlapping dispatch cycles. Each cycle reclaims
abandoned leases, applies human approvals and replies, then picks the most
deserving tickets and hands each one to a worker in its own git worktree.

Run 'qdispatch cycle' from a scheduler, or 'qdispatch serve' to loop in-process.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion injects build information.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

// ExitCode maps a command error onto the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case core.HasCode(err, core.CodeCycleContended):
		return ExitContended
	default:
		return ExitFailure
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./.qdispatch.yaml, then ~/.config/qdispatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto",
		"log format (auto, text, json)")

	// Bind flags to viper (errors are nil when flag exists)
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

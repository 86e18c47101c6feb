// Package cmd wires flowsentry's two subcommands — detect and replay
// — onto a cobra root command, following the teacher's
// rootCmd/Execute/init layout (cmd/root.go in the teacher repo).
package cmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flowsentry/flowsentry/internal/printer"
	"github.com/flowsentry/flowsentry/internal/util"
	"github.com/flowsentry/flowsentry/internal/version"
)

var (
	debugFlag   bool
	verboseFlag int
	plainFlag   bool
)

var rootCmd = &cobra.Command{
	Use:           "flowsentry",
	Short:         "Line-rate DDoS detector and traffic replayer.",
	Long:          "flowsentry classifies IPv4/TCP/UDP/ICMP/QUIC traffic, maintains per-worker sketches, and raises typed attack alerts; its companion replayer drives traffic at the same NIC boundary for evaluation.",
	Version:       version.DisplayString(),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command, converting a returned util.ExitError
// into the matching process exit code: 0 on clean shutdown, non-zero
// on EAL or port initialisation failure.
func Execute() {
	cobra.OnInitialize(func() {
		if plainFlag {
			printer.SwitchToPlain()
		}
	})

	if _, err := rootCmd.ExecuteC(); err != nil {
		exitCode := 1
		var exitErr util.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode
		}
		printer.Stderr.Errorf("%s\n", err)
		os.Exit(exitCode)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Output detailed debug information.")
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.PersistentFlags().IntVar(&verboseFlag, "v", 0, "Verbosity level for V(n) tracing.")
	viper.BindPFlag("verbose-level", rootCmd.PersistentFlags().Lookup("v"))

	rootCmd.PersistentFlags().BoolVar(&plainFlag, "plain", false, "Disable ANSI color output, for log files and CI.")

	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(replayCmd)
}

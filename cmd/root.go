package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/axrunhq/ax/pkg/ipcproto"
)

// Version is set at build time via -ldflags "-X github.com/axrunhq/ax/cmd.Version=v1.0.0"
var Version = "dev"

var cfgHome string

var rootCmd = &cobra.Command{
	Use:   "ax",
	Short: "ax - a security-hardened host for untrusted AI agents",
	Long:  "ax runs AI agents in a sandboxed process per turn, mediating every side effect (LLM calls, memory, web, identity writes, delegation, scheduling) through an IPC gateway gated by a per-session taint budget and a canary-token exfiltration check.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgHome, "config", "", "ax home directory (default: $AX_HOME or ~/.ax)")
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configureCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ax %s (ipc protocol %d)\n", Version, ipcproto.ProtocolVersion)
		},
	}
}

func configureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Launch the interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("configure: interactive setup wizard is out of scope for this host; edit ax.yaml and .env directly under %s", resolveConfigPath())
		},
	}
}

func resolveConfigPath() string {
	if cfgHome != "" {
		return cfgHome
	}
	if v := os.Getenv("AX_HOME"); v != "" {
		return v
	}
	return ""
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

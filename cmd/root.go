package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.codemux.dev/tunneld/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:   "tunneld",
		Short: "Tunneld - Remote Development Tunnel Supervisor",
		Long:  `Tunneld - Remote Development Tunnel Supervisor`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := core.LoadOrDefault(configPath)
			if err != nil {
				return err
			}
			if verbose > cfg.Verbose {
				cfg.Verbose = verbose
			}
			core.Config = cfg
			return os.MkdirAll(configPath, 0o755)
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", fmt.Sprintf("%s/%s", homeDir, core.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewStartCommand(),
		NewStopCommand(),
		NewStatusCommand(),
		NewEventsCommand(),
		NewRecheckCommand(),
		NewLogsCommand(),
		NewShutdownCommand(),
		NewVersionCommand(),
		NewInternalCommand(),
	)

	return rootCmd
}

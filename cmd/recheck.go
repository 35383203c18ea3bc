package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.codemux.dev/tunneld/internal/daemon"
)

func NewRecheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recheck-tools",
		Short: "Re-check for the code and tunnel executables",
		Long: `Re-check for the code and tunnel executables.

Run this after installing a missing CLI so the daemon picks it up without
a restart.`,
		Aliases: []string{"recheck"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.EnsureDaemonIsRunning()
			response, err := daemon.SendCommand("RECHECK_TOOLS")
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			if data, ok := response.Data.(map[string]interface{}); ok {
				if available, ok := data["available"].(bool); ok {
					if available {
						slog.Info("Both executables found")
					} else {
						slog.Warn("One or more executables are still missing")
					}
					return
				}
			}
			response.LogMessages()
		},
	}
}

package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.codemux.dev/tunneld/internal/daemon"
)

func NewStartCommand() *cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start <session>",
		Short: "Start a tunnel for a session",
		Long: `Start a tunnel for a session.

Spawns a local code server bound to an allocated port and a tunnel host
exposing it publicly. The daemon is started automatically if it is not
already running.`,
		Aliases: []string{"up"},
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sessionID := args[0]
			workingDir, _ := cmd.Flags().GetString("dir")
			if workingDir == "" {
				workingDir, _ = os.Getwd()
			}

			daemon.EnsureDaemonIsRunning()
			response, err := daemon.SendCommand(fmt.Sprintf("START %s %s", sessionID, workingDir))
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			response.LogMessages()
		},
	}
	startCmd.Flags().StringP("dir", "d", "", "working directory served by the code server (default: current directory)")

	return startCmd
}

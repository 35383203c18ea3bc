package cmd

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.codemux.dev/tunneld/internal/daemon"
)

func NewShutdownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Shut down the daemon",
		Long: `Shut down the daemon, stopping all active tunnels first.

The daemon restarts automatically on the next 'tunneld start'.`,
		Aliases: []string{"quit"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("SHUTDOWN")
			if err != nil {
				slog.Warn("Daemon is not running")
				return
			}
			response.LogMessages()

			// Poll briefly so the socket is gone before we return.
			for i := 0; i < 50; i++ {
				time.Sleep(100 * time.Millisecond)
				if _, err := daemon.SendCommand("VERSION"); err != nil {
					slog.Debug("Daemon shutdown confirmed")
					return
				}
			}
			slog.Warn("Daemon did not shut down within timeout, but shutdown command was sent")
		},
	}
}

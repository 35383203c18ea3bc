package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.codemux.dev/tunneld/internal/daemon"
)

func NewStopCommand() *cobra.Command {
	stopCmd := &cobra.Command{
		Use:   "stop [session]",
		Short: "Stop a tunnel",
		Long: `Stop the tunnel for a session, terminating both its processes and
releasing its port. Use --all to stop every active tunnel.`,
		Aliases: []string{"down"},
		Args:    cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			all, _ := cmd.Flags().GetBool("all")

			command := ""
			switch {
			case all:
				command = "STOPALL"
			case len(args) == 1:
				command = "STOP " + args[0]
			default:
				slog.Error("Specify a session or use --all")
				os.Exit(1)
			}

			response, err := daemon.SendCommand(command)
			if err != nil {
				slog.Warn("Daemon is not running")
				return
			}
			response.LogMessages()
		},
	}
	stopCmd.Flags().BoolP("all", "a", false, "stop all active tunnels")

	return stopCmd
}

package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.codemux.dev/tunneld/internal/daemon"
	"go.codemux.dev/tunneld/internal/supervisor"
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status [session]",
		Short: "Show the status of active tunnels",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			command := "STATUS"
			if len(args) == 1 {
				command += " " + args[0]
			}
			response, err := daemon.SendCommand(command)
			if err != nil {
				slog.Warn("No active tunnels (daemon is not running).")
				return
			}

			jsonBytes, _ := json.Marshal(response.Data)
			format, _ := cmd.Flags().GetString("format")

			switch format {
			case "json":
				fmt.Println(string(jsonBytes))
			case "text":
				if len(args) == 1 {
					status := supervisor.StatusInfo{}
					json.Unmarshal(jsonBytes, &status)
					printStatus(args[0], status)
					return
				}
				statuses := map[string]supervisor.StatusInfo{}
				json.Unmarshal(jsonBytes, &statuses)
				if len(statuses) == 0 {
					fmt.Println("No active tunnels.")
					return
				}
				sessions := make([]string, 0, len(statuses))
				for session := range statuses {
					sessions = append(sessions, session)
				}
				sort.Strings(sessions)
				fmt.Println("Active tunnels:")
				for _, session := range sessions {
					printStatus(session, statuses[session])
				}
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}

func printStatus(session string, status supervisor.StatusInfo) {
	fmt.Println(formatStatusLine(session, status))
}

func formatStatusLine(session string, status supervisor.StatusInfo) string {
	line := fmt.Sprintf("  - %s [%s]", session, status.Status)
	if status.URL != "" {
		line += " " + status.URL
	}
	if status.PID > 0 {
		line += fmt.Sprintf(" (server PID: %d", status.PID)
		if status.TunnelPID > 0 {
			line += fmt.Sprintf(", tunnel PID: %d", status.TunnelPID)
		}
		line += ")"
	}
	return line
}

package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.codemux.dev/tunneld/internal/daemon"
	"go.codemux.dev/tunneld/internal/db"
)

func NewEventsCommand() *cobra.Command {
	var limit int

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent tunnel events",
		Long:  `Show the most recent tunnel lifecycle events recorded by the daemon.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand(fmt.Sprintf("EVENTS %d", limit))
			if err != nil {
				slog.Warn("Daemon is not running")
				return
			}
			response.LogMessages()

			jsonBytes, _ := json.Marshal(response.Data)
			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "json":
				fmt.Println(string(jsonBytes))
			case "text":
				events := []db.TunnelEvent{}
				json.Unmarshal(jsonBytes, &events)
				for _, event := range events {
					fmt.Printf("%s  %-12s %-10s %s\n",
						event.Timestamp.Format(time.DateTime),
						event.SessionID, event.EventType, event.Details)
				}
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to show")
	eventsCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return eventsCmd
}

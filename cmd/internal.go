package cmd

import (
	"github.com/spf13/cobra"
	"go.codemux.dev/tunneld/internal/core"
	"go.codemux.dev/tunneld/internal/daemon"
)

func NewInternalCommand() *cobra.Command {
	internalCmd := &cobra.Command{
		Use:    "internal-daemon-start",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			d := daemon.New(core.Config)
			d.Run()
		},
	}

	return internalCmd
}

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mkarpenko/camlink/internal/domain"
)

var viewCmd = &cobra.Command{
	Use:   "view <room-key>",
	Short: "Join a room and render the capturer's feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(domain.RoomKey(args[0]), modeView)
	},
}

func init() {
	rootCmd.AddCommand(viewCmd)
}

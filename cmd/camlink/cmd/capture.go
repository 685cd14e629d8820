package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkarpenko/camlink/internal/domain"
)

var captureCmd = &cobra.Command{
	Use:   "capture [room-key]",
	Short: "Expose a camera feed and wait for a viewer",
	Long: `Join a room as the capturing side. The first member of a room is
the initiator: once a viewer arrives it creates the offer. With no
room-key argument a fresh key is generated and printed for sharing.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var room domain.RoomKey
		if len(args) == 1 {
			room = domain.RoomKey(args[0])
		} else {
			room = newRoomKey()
			fmt.Printf("room key: %s\n", room)
		}
		return runSession(room, modeCapture)
	},
}

func init() {
	rootCmd.AddCommand(captureCmd)
}

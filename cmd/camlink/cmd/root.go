package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	flagRelay   string
	flagSTUN    []string
	flagTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "camlink",
	Short: "Stream a camera feed between two devices over WebRTC",
	Long: `CamLink pairs two devices through a relay server and negotiates a
direct WebRTC media path between them. One side captures, the other views;
after the handshake the relay is no longer involved.`,
}

// Execute runs the root command. Called once from main.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRelay, "relay", "ws://localhost:8080/api/ws/signal", "relay signaling endpoint")
	rootCmd.PersistentFlags().StringSliceVar(&flagSTUN, "stun", nil, "STUN server URLs (defaults to Google STUN)")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "negotiate-timeout", 30*time.Second, "bound on the offer/answer exchange, 0 disables")
}

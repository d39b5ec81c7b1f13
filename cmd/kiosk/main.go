package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kiosk",
	Short: "Face capture client for presence attendance sessions",
	Long: `Kiosk reads camera frames dropped into a directory, waits until one face has
been held steady for enough consecutive frames, and submits its embedding to the
presence API for an attendance decision.

Settings not given as flags come from the same environment variables as the
API (FACE_SERVICE_URL, MIN_FACE_FRAMES, POLL_INTERVAL, MATCH_TIMEOUT, ...).`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

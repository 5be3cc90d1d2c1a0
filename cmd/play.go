package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecapture/internal/play"
)

var playCmd = &cobra.Command{
	Use:   "play [file]",
	Short: "Play back a finished recording",
	Long: `Play a recording using the first available local audio player.
A bare file name is resolved against the configured output directory.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		player := play.New(cfg)

		if err := player.Play(args[0]); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}

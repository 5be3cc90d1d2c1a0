package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [file]",
	Short: "Show duration and pending segments for a recording",
	Long: `Probe a recording file and report whether it exists, its duration and
whether unmerged segments are still pending for it. Missing or unreadable
files are reported as exists=false rather than failing the command.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := buildEngine(cfg)
		if err != nil {
			return err
		}

		info := engine.RecordingInfo(args[0])

		fmt.Printf("file: %s\n", info.FilePath)
		fmt.Printf("exists: %t\n", info.Exists)
		if info.Exists {
			fmt.Printf("duration: %s\n", time.Duration(info.MsDuration)*time.Millisecond)
		}
		fmt.Printf("pending_segments: %t\n", info.HasSegments)
		return nil
	},
}

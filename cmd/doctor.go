package cmd

import (
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that recording can work on this machine",
	Long: `Verify the recording prerequisites: the ffmpeg and ffprobe binaries,
microphone availability and capture permission. Exits non-zero when
recording cannot work.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		healthy := true

		for _, tool := range []string{cfg.Tools.FFmpeg, cfg.Tools.FFprobe} {
			if path, err := exec.LookPath(tool); err == nil {
				fmt.Printf("ok      %s (%s)\n", tool, path)
			} else {
				fmt.Printf("MISSING %s\n", tool)
				healthy = false
			}
		}

		engine, err := buildEngine(cfg)
		if err != nil {
			return err
		}

		if engine.CanRecord() {
			fmt.Printf("ok      capture device (%s backend, device %q)\n", cfg.Audio.Backend, cfg.Audio.Device)
		} else {
			fmt.Printf("MISSING capture device\n")
			healthy = false
		}

		granted, err := engine.HasPermission()
		switch {
		case err != nil:
			fmt.Printf("UNKNOWN microphone permission (%v)\n", err)
			healthy = false
		case granted:
			fmt.Printf("ok      microphone permission\n")
		default:
			fmt.Printf("DENIED  microphone permission\n")
			healthy = false
		}

		if !healthy {
			return fmt.Errorf("recording prerequisites are not met")
		}

		fmt.Println("All checks passed")
		return nil
	},
}

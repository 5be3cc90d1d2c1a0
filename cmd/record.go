package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecapture/internal/session"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record from the microphone until interrupted",
	Long: `Start a recording session and keep it running until Ctrl+C stops it.
SIGUSR1 toggles pause and resume, which is handy for scripting:

  kill -USR1 $(pidof voicecapture)

On stop, pending segments are merged and the final file path and duration
are printed. Use --continue to append to an earlier recording instead of
starting a fresh one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		continuePath, _ := cmd.Flags().GetString("continue")
		directory, _ := cmd.Flags().GetString("directory")

		engine, err := buildEngine(cfg)
		if err != nil {
			return err
		}

		changes, unsubscribe := engine.Subscribe()
		defer unsubscribe()
		go func() {
			for change := range changes {
				fmt.Printf("[%s] -> [%s]\n", change.Previous, change.Current)
			}
		}()

		var data *session.RecordData
		if continuePath != "" {
			slog.Info("Continuing recording", "file", continuePath)
			data, err = engine.Continue(session.ContinueOptions{FilePath: continuePath, Directory: directory})
		} else {
			data, err = engine.Start(session.StartOptions{Directory: directory})
		}
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}

		slog.Info("Capturing", "segment", data.FilePath)
		fmt.Println("Recording... Ctrl+C stops, SIGUSR1 toggles pause")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)

		for sig := range sigChan {
			if sig == syscall.SIGUSR1 {
				togglePause(engine)
				continue
			}
			break
		}

		slog.Info("Stopping recording...")
		result, err := engine.Stop()
		if err != nil {
			return fmt.Errorf("failed to stop recording: %w", err)
		}

		fmt.Printf("Saved %s (%s)\n", result.FilePath, time.Duration(result.MsDuration)*time.Millisecond)
		return nil
	},
}

func togglePause(engine *session.Engine) {
	switch engine.CurrentStatus() {
	case session.StatusRecording:
		if _, err := engine.Pause(); err != nil {
			slog.Warn("Pause failed", "err", err)
		}
	case session.StatusPaused:
		if _, err := engine.Resume(); err != nil {
			slog.Warn("Resume failed", "err", err)
		}
	}
}

func init() {
	recordCmd.Flags().StringP("continue", "c", "", "existing recording to append to")
	recordCmd.Flags().StringP("directory", "d", "", "target directory: DOCUMENTS, TEMPORARY, CACHE or a path")
}

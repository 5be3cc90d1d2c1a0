package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var finalizeCmd = &cobra.Command{
	Use:   "finalize [file]",
	Short: "Merge pending segments into a recording",
	Long: `Merge any segments still pending for the given recording back into it.
Safe to run more than once; with nothing pending it re-probes the file and
reports its duration. Use it to repair a recording after a crash in the
middle of a session.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := buildEngine(cfg)
		if err != nil {
			return err
		}

		data, err := engine.Finalize(args[0])
		if err != nil {
			return fmt.Errorf("finalize failed: %w", err)
		}

		fmt.Printf("Finalized %s (%s)\n", data.FilePath, time.Duration(data.MsDuration)*time.Millisecond)
		return nil
	},
}

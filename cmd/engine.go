package cmd

import (
	"github.com/audiolibrelab/voicecapture/internal/capture"
	"github.com/audiolibrelab/voicecapture/internal/config"
	"github.com/audiolibrelab/voicecapture/internal/merge"
	"github.com/audiolibrelab/voicecapture/internal/probe"
	"github.com/audiolibrelab/voicecapture/internal/segments"
	"github.com/audiolibrelab/voicecapture/internal/session"
)

// buildEngine assembles the recording engine and its collaborators from the
// resolved configuration.
func buildEngine(cfg *config.Config) (*session.Engine, error) {
	store, err := segments.NewStore(cfg.State.Directory)
	if err != nil {
		return nil, err
	}

	prober := probe.New(cfg.Tools.FFprobe, 0)
	merger := merge.New(merge.Options{
		FFmpegPath: cfg.Tools.FFmpeg,
		Bitrate:    cfg.Audio.Bitrate,
		Timeout:    cfg.Merge.Timeout,
		Prober:     prober,
	})

	return session.New(session.Config{
		OutputDir:       cfg.Output.Directory,
		LockTimeout:     cfg.Merge.LockTimeout,
		ResumeAttempts:  cfg.Resume.MaxAttempts,
		ResumeBaseDelay: cfg.Resume.BaseDelay,
	}, session.Deps{
		NewDevice: func() session.CaptureDevice {
			return capture.NewDevice(capture.Options{
				FFmpegPath: cfg.Tools.FFmpeg,
				Backend:    cfg.Audio.Backend,
				Device:     cfg.Audio.Device,
				SampleRate: cfg.Audio.SampleRate,
				Bitrate:    cfg.Audio.Bitrate,
				Channels:   cfg.Audio.Channels,
			})
		},
		Permissions: capture.NewPermissions(),
		Prober:      prober,
		Merger:      merger,
		Store:       store,
	})
}

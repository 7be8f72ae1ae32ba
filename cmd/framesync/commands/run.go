package commands

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/api"
	"github.com/bryanchriswhite/FrameSync/internal/app"
	"github.com/bryanchriswhite/FrameSync/internal/audio"
	"github.com/bryanchriswhite/FrameSync/internal/gpu"
	"github.com/bryanchriswhite/FrameSync/internal/logger"
	"github.com/bryanchriswhite/FrameSync/internal/output"
	"github.com/bryanchriswhite/FrameSync/internal/replication"
	"github.com/bryanchriswhite/FrameSync/internal/sink"
	"github.com/bryanchriswhite/FrameSync/internal/source"
	"github.com/bryanchriswhite/FrameSync/internal/state"
	"github.com/bryanchriswhite/FrameSync/internal/video/netvideo"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runSource string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Join the replicated scene as sender or receiver",
	Long: `Claim the sender role, or join the existing sender as a receiver, and
tick the scene until interrupted.

The sender animates the scene, captures the test pattern or a video source
into the snapshot and publishes it every tick. Receivers apply the newest snapshot they have.
Both serve the status API and an MJPEG preview of the snapshot frame.`,
	Example: `  # First process becomes the sender
  framesync run

  # Second process, in another terminal, becomes a receiver
  framesync run --port 8081

  # Sender that also publishes its frames as a video source
  framesync run --sink

  # Sender that replicates frames from the video source "cam"
  framesync run --source cam

  # Record the tone to a WAV file
  framesync run --audio --record tone.wav`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Int("port", 0, "API port (default from config, 8080)")
	runCmd.Flags().Int("tick-rate", 0, "ticks per second (default from config, 60)")
	runCmd.Flags().Bool("sink", false, "publish the sender's frames as a video source")
	runCmd.Flags().Bool("audio", false, "synthesize the colour tone")
	runCmd.Flags().String("record", "", "write the tone to this WAV file")
	runCmd.Flags().String("gpu", "", "GPU backend (default from config, soft)")
	runCmd.Flags().StringVar(&runSource, "source", "", "capture frames from this video source on the sender")

	viper.BindPFlag("app.api_port", runCmd.Flags().Lookup("port"))
	viper.BindPFlag("app.tick_rate", runCmd.Flags().Lookup("tick-rate"))
	viper.BindPFlag("sink.enabled", runCmd.Flags().Lookup("sink"))
	viper.BindPFlag("audio.enabled", runCmd.Flags().Lookup("audio"))
	viper.BindPFlag("audio.record_path", runCmd.Flags().Lookup("record"))
	viper.BindPFlag("app.gpu", runCmd.Flags().Lookup("gpu"))
}

func runRun(cmd *cobra.Command, args []string) error {
	// GL contexts are bound to the thread that created them
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.WithComponent("run")

	ctx, cancel := signalContext()
	defer cancel()

	repl, err := replication.Enable(ctx, replicationConfig(cfg), logger.WithComponent("replication"))
	if err != nil {
		return fmt.Errorf("failed to enable replication: %w", err)
	}
	defer repl.Close()

	dev, err := gpu.Open(cfg.App.GPU)
	if err != nil {
		return err
	}
	defer gpu.Close(dev)

	opts := app.Options{
		TickRate: cfg.App.TickRate,
		Pattern:  cfg.App.Pattern,
	}

	var transport *netvideo.Transport
	if repl.IsSender() && cfg.Sink.Enabled {
		transport = netvideo.New(videoConfig(cfg, ""))
		defer transport.Close()

		out := sink.New(dev, transport)
		if err := out.Initialize(cfg.Sink.Name, sinkConfig(cfg), cfg.Sink.Hardware); err != nil {
			return fmt.Errorf("failed to start video sink: %w", err)
		}
		defer out.Close()
		opts.Sink = out
	}

	if repl.IsSender() && runSource != "" {
		if transport == nil {
			transport = netvideo.New(videoConfig(cfg, "127.0.0.1:0"))
			defer transport.Close()
		}
		// the tick loop must not stall waiting for a frame
		srcOpts := sourceOptions(cfg)
		srcOpts.PullTimeout = time.Millisecond

		in := source.New(transport, srcOpts)
		if err := in.Initialize(); err != nil {
			return err
		}
		defer in.Close()
		if err := in.Connect(runSource); err != nil {
			return fmt.Errorf("failed to connect to video source %q: %w", runSource, err)
		}
		opts.Source = in
	} else if runSource != "" {
		log.Warn().Str("source", runSource).Msg("Ignoring --source on a receiver")
	}

	if cfg.Audio.Enabled {
		opts.Tone = audio.NewTone(cfg.Audio.SampleRate)
		if cfg.Audio.RecordPath != "" {
			rec, err := audio.NewRecorder(cfg.Audio.RecordPath, cfg.Audio.SampleRate)
			if err != nil {
				return err
			}
			defer func() {
				if err := rec.Close(); err != nil {
					log.Warn().Err(err).Msg("Failed to finish WAV file")
				}
			}()
			opts.Recorder = rec
		}
	}

	runner, err := app.New(repl, dev, opts)
	if err != nil {
		return err
	}
	defer runner.Close()

	preview := output.NewMJPEGOutput(output.Config{
		Width:  2 * state.MaxFrameWidth,
		Height: 2 * state.MaxFrameHeight,
		FPS:    15,
	})
	if err := preview.Start(); err != nil {
		return err
	}
	defer preview.Stop()
	preview.SetCaption(func() string {
		st := runner.Status()
		return fmt.Sprintf("%s  tick %d  count %d  color %.2f", st.Role, st.Tick, st.FrameCount, st.Color)
	})
	runner.OnTick(func(s *state.Snapshot) {
		if err := preview.WriteSnapshot(&s.Frame); err != nil {
			log.Debug().Err(err).Msg("Preview frame dropped")
		}
	})

	apiOpts := api.Options{
		Replication:      repl,
		Config:           configMgr,
		Preview:          preview,
		DiscoveryTimeout: ms(cfg.Video.DiscoveryTimeoutMS),
	}
	if transport != nil {
		apiOpts.Sources = transport
	}
	server := api.NewServer(runner, apiOpts)
	addr, err := server.Start(cfg.App.APIPort)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	pterm.DefaultSection.Println("FrameSync")
	pterm.Info.Printfln("Role: %s (session %x)", repl.Role(), repl.Stats().Session)
	pterm.Info.Printfln("Preview: http://%s/", addr)
	pterm.Info.Printfln("Status:  http://%s/api/status", addr)
	if opts.Sink != nil {
		pterm.Info.Printfln("Video source %q on %s", cfg.Sink.Name, transport.Addr())
	}
	if opts.Source != nil {
		pterm.Info.Printfln("Capturing video source %q", runSource)
	}
	pterm.Println()

	return runner.Run(ctx)
}

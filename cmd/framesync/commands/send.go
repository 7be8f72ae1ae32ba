package commands

import (
	"fmt"
	"runtime"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/app"
	"github.com/bryanchriswhite/FrameSync/internal/gpu"
	"github.com/bryanchriswhite/FrameSync/internal/logger"
	"github.com/bryanchriswhite/FrameSync/internal/pixfmt"
	"github.com/bryanchriswhite/FrameSync/internal/sink"
	"github.com/bryanchriswhite/FrameSync/internal/video/netvideo"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Publish the animated test pattern as a video source",
	Long: `Render the test pattern into a texture every tick and publish it through
the video sink, without joining the replicated scene.`,
	Example: `  # Publish 640x360 frames as "pattern"
  framesync send --name pattern --width 640 --height 360

  # Force the direct readback path
  framesync send --hardware=false`,
	RunE: runSend,
}

var (
	sendName     string
	sendWidth    int
	sendHeight   int
	sendHardware bool
)

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendName, "name", "pattern", "source name")
	sendCmd.Flags().IntVar(&sendWidth, "width", 640, "frame width")
	sendCmd.Flags().IntVar(&sendHeight, "height", 360, "frame height")
	sendCmd.Flags().BoolVar(&sendHardware, "hardware", true, "use persistent copy buffers")
}

func runSend(cmd *cobra.Command, args []string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if sendWidth <= 0 || sendHeight <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", sendWidth, sendHeight)
	}
	log := logger.WithComponent("send")

	ctx, cancel := signalContext()
	defer cancel()

	dev, err := gpu.Open(cfg.App.GPU)
	if err != nil {
		return err
	}
	defer gpu.Close(dev)

	transport := netvideo.New(videoConfig(cfg, ""))
	defer transport.Close()

	out := sink.New(dev, transport)
	vc := sinkConfig(cfg)
	vc.Width, vc.Height = sendWidth, sendHeight
	if err := out.Initialize(sendName, vc, sendHardware); err != nil {
		return err
	}
	defer out.Close()

	tex, err := gpu.NewTexture(dev, sendWidth, sendHeight)
	if err != nil {
		return err
	}
	defer tex.Destroy()
	pixels := make([]byte, pixfmt.FrameSize(sendWidth, sendHeight))

	pterm.Info.Printfln("Publishing %q (%dx%d, hardware %v) on %s", sendName, sendWidth, sendHeight, out.IsHardwareEnabled(), transport.Addr())

	ticker := time.NewTicker(time.Second / time.Duration(cfg.App.TickRate))
	defer ticker.Stop()

	var color, angle float32
	for {
		select {
		case <-ctx.Done():
			log.Info().Uint64("frames", out.Frames()).Msg("Stopped publishing")
			return nil
		case <-ticker.C:
			color += app.ColorStep
			if color >= 1 {
				color -= 1
			}
			angle += app.RotationStep

			app.DrawPattern(pixels, sendWidth, sendHeight, color, angle)
			if err := tex.Submit(pixels, pixfmt.RGBA); err != nil {
				return err
			}
			out.Send(tex.ID())
		}
	}
}

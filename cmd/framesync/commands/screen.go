package commands

import (
	"fmt"
	"image"

	"github.com/bryanchriswhite/FrameSync/internal/capture"
	"github.com/bryanchriswhite/FrameSync/internal/gpu"
	"github.com/bryanchriswhite/FrameSync/internal/pixfmt"
	"github.com/bryanchriswhite/FrameSync/internal/sink"
	"github.com/bryanchriswhite/FrameSync/internal/video/netvideo"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var screenCmd = &cobra.Command{
	Use:   "screen",
	Short: "Publish the X11 screen as a video source",
	Long: `Capture the X11 screen, a region of it or a single window, and publish
the frames through the video sink.`,
	Example: `  # Whole screen at 30 FPS
  framesync screen

  # A 1280x720 region starting at 100,100
  framesync screen --x 100 --y 100 --width 1280 --height 720

  # One window by ID (see xwininfo)
  framesync screen --window 0x3a00007`,
	RunE: runScreen,
}

var (
	screenName   string
	screenFPS    int
	screenWindow uint32
	screenX      int
	screenY      int
	screenWidth  int
	screenHeight int
)

func init() {
	rootCmd.AddCommand(screenCmd)

	screenCmd.Flags().StringVar(&screenName, "name", "screen", "source name")
	screenCmd.Flags().IntVar(&screenFPS, "fps", 30, "captures per second")
	screenCmd.Flags().Uint32Var(&screenWindow, "window", 0, "capture this window instead of the screen")
	screenCmd.Flags().IntVar(&screenX, "x", 0, "region left edge")
	screenCmd.Flags().IntVar(&screenY, "y", 0, "region top edge")
	screenCmd.Flags().IntVar(&screenWidth, "width", 0, "region width (0 is the whole screen)")
	screenCmd.Flags().IntVar(&screenHeight, "height", 0, "region height (0 is the whole screen)")
}

func runScreen(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	capturer, err := capture.NewX11Capturer()
	if err != nil {
		return err
	}
	if err := capturer.Start(); err != nil {
		return fmt.Errorf("failed to start %s capturer: %w", capturer.Name(), err)
	}
	defer capturer.Stop()

	grab := capture.Region(screenX, screenY, screenWidth, screenHeight)
	if screenWindow != 0 {
		grab = capture.Window(screenWindow)
	}

	// CPU frames only; the soft device backs the sink's unused GPU side
	transport := netvideo.New(videoConfig(cfg, ""))
	defer transport.Close()
	out := sink.New(gpu.NewSoft(), transport)
	vc := sinkConfig(cfg)
	vc.FrameRateN, vc.FrameRateD = screenFPS, 1
	if err := out.Initialize(screenName, vc, false); err != nil {
		return err
	}
	defer out.Close()

	w, h := capturer.ScreenSize()
	pterm.Info.Printfln("Publishing %q from a %dx%d screen on %s", screenName, w, h, transport.Addr())

	sent := capture.Stream(ctx, capturer, grab, screenFPS, func(img *image.RGBA) bool {
		b := img.Bounds()
		return out.SendBuffer(img.Pix, b.Dx(), b.Dy(), pixfmt.RGBA)
	})
	pterm.Info.Printfln("Sent %d frames", sent)
	return nil
}

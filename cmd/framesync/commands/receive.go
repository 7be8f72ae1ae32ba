package commands

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/capture"
	"github.com/bryanchriswhite/FrameSync/internal/gpu"
	"github.com/bryanchriswhite/FrameSync/internal/logger"
	"github.com/bryanchriswhite/FrameSync/internal/output"
	"github.com/bryanchriswhite/FrameSync/internal/pixfmt"
	"github.com/bryanchriswhite/FrameSync/internal/source"
	"github.com/bryanchriswhite/FrameSync/internal/video/netvideo"
	"github.com/gorilla/mux"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var receiveCmd = &cobra.Command{
	Use:   "receive [NAME]",
	Short: "Pull frames from a video source and preview them",
	Long: `Connect to a video source and upload each frame into a texture. The
texture is read back and served as an MJPEG preview.

Without NAME the first source found is used. When the source goes away
the command reconnects as soon as it reappears.`,
	Example: `  # Watch the first source on the configured peers
  framesync receive

  # Watch a named source, previewing on port 8090
  framesync receive screen --port 8090`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReceive,
}

var receivePort int

func init() {
	rootCmd.AddCommand(receiveCmd)

	receiveCmd.Flags().IntVar(&receivePort, "port", 8090, "preview port")
}

func runReceive(cmd *cobra.Command, args []string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	log := logger.WithComponent("receive")

	ctx, cancel := signalContext()
	defer cancel()

	dev, err := gpu.Open(cfg.App.GPU)
	if err != nil {
		return err
	}
	defer gpu.Close(dev)

	transport := netvideo.New(videoConfig(cfg, "127.0.0.1:0"))
	defer transport.Close()

	adapter := source.New(transport, sourceOptions(cfg))
	if err := adapter.Initialize(); err != nil {
		return err
	}
	defer adapter.Close()

	tex, err := gpu.NewTexture(dev, 0, 0)
	if err != nil {
		return err
	}
	defer tex.Destroy()
	bridge := capture.NewBridge(dev)
	defer bridge.Close()

	preview := output.NewMJPEGOutput(output.Config{FPS: 30})
	if err := preview.Start(); err != nil {
		return err
	}
	defer preview.Stop()
	var frames uint64
	preview.SetCaption(func() string {
		src, _ := adapter.Source()
		return fmt.Sprintf("%s  %dx%d  frame %d", src.Name, adapter.Width(), adapter.Height(), frames)
	})

	router := mux.NewRouter()
	router.HandleFunc("/stream", preview.GetHTTPHandler())
	router.HandleFunc("/frame.jpg", preview.GetFrameHandler())
	router.HandleFunc("/", preview.GetViewerHandler())
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", receivePort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", receivePort, err)
	}
	server := &http.Server{Handler: router}
	go func() {
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Preview server stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	pterm.Info.Printfln("Preview: http://localhost:%d/", receivePort)

	var pixels []byte
	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	for ctx.Err() == nil {
		select {
		case <-report.C:
			src, _ := adapter.Source()
			log.Info().
				Str("source", src.Name).
				Str("state", adapter.State().String()).
				Uint64("frames", frames).
				Int("width", adapter.Width()).
				Int("height", adapter.Height()).
				Msg("Receiving")
		default:
		}

		if adapter.State() != source.Connected {
			if err := adapter.Connect(name); err != nil {
				log.Debug().Err(err).Msg("No source yet")
			}
			continue
		}

		if !adapter.Pull(tex) {
			continue
		}
		frames++

		if need := pixfmt.FrameSize(tex.Width(), tex.Height()); len(pixels) < need {
			pixels = make([]byte, need)
		}
		w, h, ok := bridge.Capture(tex.ID(), pixels)
		if !ok {
			continue
		}
		img := &image.RGBA{Pix: pixels[:pixfmt.FrameSize(w, h)], Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
		if err := preview.WriteFrame(img); err != nil {
			log.Debug().Err(err).Msg("Preview frame dropped")
		}
	}
	return nil
}

package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/config"
	"github.com/bryanchriswhite/FrameSync/internal/replication"
	"github.com/bryanchriswhite/FrameSync/internal/sink"
	"github.com/bryanchriswhite/FrameSync/internal/source"
	"github.com/bryanchriswhite/FrameSync/internal/video/netvideo"
)

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func replicationConfig(cfg *config.Config) replication.Config {
	return replication.Config{
		ClaimAddress:      cfg.Replication.ClaimAddress,
		DataAddress:       cfg.Replication.DataAddress,
		MaxPacketSize:     cfg.Replication.MaxPacketSize,
		ReconnectInterval: ms(cfg.Replication.ReconnectMS),
		HandshakeTimeout:  ms(cfg.Replication.HandshakeMS),
	}
}

// videoConfig returns the transport config. listen overrides the
// configured listen address when set.
func videoConfig(cfg *config.Config, listen string) netvideo.Config {
	c := netvideo.DefaultConfig()
	c.ListenAddress = cfg.Video.ListenAddress
	if listen != "" {
		c.ListenAddress = listen
	}
	c.Peers = cfg.Video.Peers
	return c
}

func sourceOptions(cfg *config.Config) source.Options {
	return source.Options{
		PullTimeout:   ms(cfg.Video.CaptureTimeoutMS),
		ConnectWait:   ms(cfg.Video.ConnectWaitMS),
		RetryInterval: source.DefaultOptions().RetryInterval,
	}
}

func sinkConfig(cfg *config.Config) sink.VideoConfig {
	return sink.VideoConfig{
		Width:      cfg.Sink.Width,
		Height:     cfg.Sink.Height,
		FrameRateN: cfg.Sink.FrameRateN,
		FrameRateD: cfg.Sink.FrameRateD,
	}
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

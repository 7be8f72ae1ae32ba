package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/bryanchriswhite/FrameSync/internal/video"
	"github.com/bryanchriswhite/FrameSync/internal/video/netvideo"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List video sources on the network",
	Long: `Query the configured peers for the video sources they publish.

Only peers that answer before the discovery timeout are listed.`,
	Example: `  # List sources in table format (default)
  framesync sources

  # List sources in JSON format
  framesync sources --format json`,
	RunE: runSources,
}

var sourcesFormat string

func init() {
	rootCmd.AddCommand(sourcesCmd)

	sourcesCmd.Flags().StringVarP(&sourcesFormat, "format", "f", "table", "output format (table or json)")
}

func runSources(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// an ephemeral port so a running producer on the configured address
	// doesn't collide with this query
	transport := netvideo.New(videoConfig(cfg, "127.0.0.1:0"))
	if err := transport.Initialize(); err != nil {
		return fmt.Errorf("failed to start video transport: %w", err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), ms(cfg.Video.DiscoveryTimeoutMS))
	defer cancel()
	sources, err := transport.Find(ctx)
	if err != nil {
		return fmt.Errorf("failed to find sources: %w", err)
	}

	switch sourcesFormat {
	case "json":
		if sources == nil {
			sources = []video.Source{}
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(sources)
	case "table":
		return printSourcesTable(sources, len(cfg.Video.Peers))
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", sourcesFormat)
	}
}

func printSourcesTable(sources []video.Source, peers int) error {
	if len(sources) == 0 {
		pterm.Warning.Printfln("No sources found (%d peers queried)", peers)
		return nil
	}

	data := pterm.TableData{{"NAME", "ADDRESS"}}
	for _, src := range sources {
		data = append(data, []string{src.Name, src.Address})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Printfln("\nTotal: %d sources", len(sources))
	return nil
}

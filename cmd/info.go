package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/bcilibrelab/streamrec/internal/persist"
	"github.com/bcilibrelab/streamrec/internal/service"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <raw-file>",
	Short: "Show the content of a raw artifact",
	Long:  `Display the header of a raw artifact (amplifier, session, sample rate, channels, duration) and the interchange files derived from it.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := args[0]
		svc := service.New(cfg, cfgFile, nil)
		defer svc.Close()

		info, err := svc.Inspect(raw)
		if err != nil {
			return err
		}

		fmt.Printf("=== RAW ARTIFACT ===\n")
		fmt.Printf("path: %s\n", info.Path)
		fmt.Printf("amp_name: %s\n", info.AmpName)
		fmt.Printf("session_id: %s\n", info.SessionID)
		fmt.Printf("created: %s\n", info.Created.Format("2006-01-02 15:04:05"))
		fmt.Printf("sample_rate: %g Hz\n", info.SampleRate)
		fmt.Printf("channels (%d): %s\n", len(info.ChannelNames), strings.Join(info.ChannelNames, ", "))
		fmt.Printf("samples: %d (%.3f s)\n", info.Samples, info.Duration)
		fmt.Printf("embedded_events: %d\n", info.Events)
		fmt.Printf("time_offset: %g s\n", info.TimeOffset)

		fmt.Printf("\n=== FILE PATHS ===\n")
		events := eventLogFor(raw, "")
		if events != "" {
			fmt.Printf("event_log: %s %s\n", events, existsIndicator(events))
		}
		for _, f := range persist.Formats {
			out := persist.InterchangePath(raw, f)
			fmt.Printf("%s: %s %s\n", f, out, existsIndicator(out))
		}
		return nil
	},
}

func existsIndicator(path string) string {
	if _, err := os.Stat(path); err != nil {
		return "[missing]"
	}
	return "[present]"
}

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bcilibrelab/streamrec/internal/receiver"
	"github.com/bcilibrelab/streamrec/internal/service"

	"github.com/spf13/cobra"
)

var streamsCmd = &cobra.Command{
	Use:   "streams",
	Short: "List available amplifier streams",
	Long:  `List the amplifier streams offered by the configured receiver backend and whether the amplifier filter selects them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(cfg, cfgFile, nil)
		defer svc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		streams, err := svc.Streams(ctx)
		if err != nil {
			return fmt.Errorf("failed to list streams: %w", err)
		}

		filter := receiver.Filter{
			AmpName:   cfg.Amplifier.AmpName,
			AmpSerial: cfg.Amplifier.AmpSerial,
			EEGOnly:   cfg.Amplifier.EEGOnly,
		}

		fmt.Printf("Streams (%s backend, %d found):\n", cfg.Receiver.Backend, len(streams))
		for i, s := range streams {
			selected := " "
			if filter.Match(s) {
				selected = "*"
			}
			fmt.Printf(" %s %d. %s [%s] serial=%s %g Hz, %d channels: %s\n",
				selected, i+1, s.Name, s.Type, s.Serial, s.SampleRate, s.Channels(), strings.Join(s.ChannelNames, ", "))
		}
		fmt.Printf("\n* selected by the amplifier filter\n")
		return nil
	},
}

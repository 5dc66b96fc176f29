package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bcilibrelab/streamrec/internal/service"
	"github.com/bcilibrelab/streamrec/internal/trigger"
	"github.com/spf13/cobra"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <value>",
	Short: "Send trigger pulses on the configured trigger line",
	Long: `Send one or more trigger pulses with the configured hardware (lpt, serial)
or mock trigger, for example to check the wiring to the amplifier trigger
input. Software triggers only exist inside a recording session; use the
control server for them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid trigger value %q: %w", args[0], err)
		}
		count, _ := cmd.Flags().GetInt("count")
		interval, _ := cmd.Flags().GetDuration("interval")

		if cfg.Trigger.Type == "software" {
			return fmt.Errorf("trigger.type is software: send triggers through 'streamrec serve' while recording")
		}

		svc := service.New(cfg, cfgFile, nil)
		defer svc.Close()

		var rejected int
		for i := 0; i < count; i++ {
			if i > 0 {
				time.Sleep(interval)
			}
			if _, err := svc.Trigger(value); err != nil {
				if !errors.Is(err, trigger.ErrRejectedSignal) {
					return err
				}
				rejected++
				continue
			}
			slog.Info("Trigger sent", "value", value, "pulse", i+1)
		}

		if rejected > 0 {
			fmt.Printf("%d of %d pulses rejected: interval shorter than the %d ms trigger delay\n", rejected, count, cfg.Trigger.DelayMs)
		}
		return nil
	},
}

func init() {
	triggerCmd.Flags().IntP("count", "n", 1, "number of pulses")
	triggerCmd.Flags().Duration("interval", time.Second, "time between pulses")
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bcilibrelab/streamrec/internal/service"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record the configured amplifier streams",
	Long: `Connect to the amplifiers selected by the configuration and record until
Ctrl+C (or until --duration elapses). One raw artifact per amplifier is
written when the session stops, followed by its interchange conversion.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetDuration("duration")
		if dir, _ := cmd.Flags().GetString("output"); dir != "" {
			cfg.Recorder.Directory = dir
		}

		svc := service.New(cfg, cfgFile, nil)
		defer svc.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess, err := svc.StartRecording(ctx)
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		slog.Info("Recording - Press Ctrl+C to stop", "session", sess.ID, "event_file", sess.EventFile)

		var timeout <-chan time.Time
		if duration > 0 {
			timeout = time.After(duration)
		}
		select {
		case <-ctx.Done():
		case <-timeout:
			slog.Info("Duration elapsed", "duration", duration)
		}
		slog.Info("Stopping recording...")

		artifacts, err := svc.StopRecording()
		for _, a := range artifacts {
			fmt.Printf("%s: %d samples\n  raw: %s\n", a.Amp, a.Samples, a.RawPath)
			if a.InterchangePath != "" {
				fmt.Printf("  interchange: %s\n", a.InterchangePath)
			}
			if a.Evicted > 0 {
				fmt.Printf("  evicted: %d oldest samples (buffer bound reached)\n", a.Evicted)
			}
			if a.Error != "" {
				fmt.Printf("  error: %s\n", a.Error)
			}
		}
		if err != nil {
			return fmt.Errorf("failed to save recording: %w", err)
		}
		return nil
	},
}

func init() {
	recordCmd.Flags().DurationP("duration", "d", 0, "stop after this duration (default: until Ctrl+C)")
	recordCmd.Flags().StringP("output", "o", "", "record directory (overrides config)")
}

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/bcilibrelab/streamrec/internal/persist"
	"github.com/bcilibrelab/streamrec/internal/service"
	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"
)

// rawName matches the session timestamp of a raw artifact name.
var rawName = regexp.MustCompile(`^(\d{8}-\d{6})-.+-raw\.pcl$`)

var convertCmd = &cobra.Command{
	Use:   "convert <raw-file>...",
	Short: "Convert raw artifacts to the interchange format",
	Long: `Write the interchange file (FITS or EDF) of one or more raw artifacts.
Unless --events is given, the session event log next to each raw file is
merged when it exists. A missing event log only means no external events.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, _ := cmd.Flags().GetString("events")
		formatName, _ := cmd.Flags().GetString("format")
		if formatName == "" {
			formatName = cfg.Recorder.Format
		}
		format, err := persist.ParseFormat(formatName)
		if err != nil {
			return err
		}

		svc := service.New(cfg, cfgFile, nil)
		defer svc.Close()

		spinner, err := yacspin.New(yacspin.Config{
			Frequency:         100 * time.Millisecond,
			Writer:            os.Stderr,
			CharSet:           yacspin.CharSets[14],
			Suffix:            " converting",
			SuffixAutoColon:   true,
			StopCharacter:     "✓",
			StopMessage:       "done",
			StopFailCharacter: "✗",
			StopFailMessage:   "failed",
		})
		if err != nil {
			return fmt.Errorf("creating spinner: %w", err)
		}
		if err := spinner.Start(); err != nil {
			return fmt.Errorf("starting spinner: %w", err)
		}

		var failed int
		for _, raw := range args {
			spinner.Message(filepath.Base(raw))
			out, err := svc.Convert(raw, eventLogFor(raw, events), format)
			if err != nil {
				failed++
				spinner.Pause()
				fmt.Fprintf(os.Stderr, "%s: %v\n", raw, err)
				spinner.Unpause()
				continue
			}
			spinner.Pause()
			fmt.Println(out)
			spinner.Unpause()
		}

		if failed > 0 {
			spinner.StopFail()
			return fmt.Errorf("%d of %d conversions failed", failed, len(args))
		}
		spinner.Stop()
		return nil
	},
}

// eventLogFor returns the event log to merge into raw: the explicit one, or
// the "{ts}-eve.txt" sibling of a session file.
func eventLogFor(raw, explicit string) string {
	if explicit != "" {
		return explicit
	}
	m := rawName.FindStringSubmatch(filepath.Base(raw))
	if m == nil {
		return ""
	}
	return filepath.Join(filepath.Dir(raw), m[1]+"-eve.txt")
}

func init() {
	convertCmd.Flags().StringP("events", "e", "", "event log to merge (default: the session's {timestamp}-eve.txt)")
	convertCmd.Flags().StringP("format", "f", "", "interchange format: fits or edf (default from config)")
}

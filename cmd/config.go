package cmd

import (
	"fmt"
	"sort"

	"github.com/bcilibrelab/streamrec/internal/config"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and manage streamrec configuration settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Print(string(out))

		withInheritance, _ := cmd.Flags().GetBool("inheritance")
		if !withInheritance || cfg.Inheritance == nil {
			return nil
		}

		fmt.Printf("\n=== INHERITANCE (profile: %s) ===\n", cfg.Inheritance.Profile)
		keys := make([]string, 0, len(cfg.Inheritance.Settings))
		for k := range cfg.Inheritance.Settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s %s\n", k, getInheritanceIndicator(cfg.Inheritance.Settings[k]))
		}
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use <profile>",
	Short: "Set the active configuration profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			return fmt.Errorf("no configuration file: create $HOME/.config/streamrec.yaml or pass --config")
		}
		// Refuse profiles that would not load
		if _, err := config.LoadWithProfile(cfgFile, args[0]); err != nil {
			return err
		}
		if err := config.UpdateActiveConfig(cfgFile, args[0]); err != nil {
			return err
		}
		fmt.Printf("Active profile set to '%s' in %s\n", args[0], cfgFile)
		return nil
	},
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	case "global":
		return "[global]"
	case "environment":
		return "[environment]"
	default:
		return "[unknown]"
	}
}

func init() {
	configShowCmd.Flags().Bool("inheritance", false, "also show where each setting comes from")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configUseCmd)
}

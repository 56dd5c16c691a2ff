package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agusx1211/crew/internal/buildinfo"
	"github.com/agusx1211/crew/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		bi := buildinfo.Current()
		fmt.Printf("crew %s (%s, %s)\n\n", bi.Version, bi.CommitHash, bi.BuildDate)
		fmt.Printf("config dir:     %s\n", config.Dir())
		fmt.Printf("workers root:   %s\n", cfg.EffectiveWorkersRoot())
		fmt.Printf("template home:  %s\n", cfg.EffectiveTemplateHome())
		fmt.Printf("agent command:  %s\n", cfg.EffectiveAgentCommand())
		fmt.Printf("paste threshold: %d chars\n", cfg.Inject.EffectivePasteThreshold())
		fmt.Printf("settle delay:    %s\n", cfg.Inject.EffectiveSettleDelay())
		fmt.Printf("nudge cadence:   %s (max %d)\n", cfg.Inject.EffectiveNudgeAfter(), cfg.Inject.EffectiveNudgeMax())
		fmt.Printf("reply timeout:   %s\n", cfg.Inject.EffectiveReplyTimeout())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a global config value",
	Long:  "Keys: workers-root, template-home, agent-command.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		value := strings.TrimSpace(args[1])
		switch args[0] {
		case "workers-root":
			cfg.WorkersRoot = value
		case "template-home":
			cfg.TemplateHome = value
		case "agent-command":
			cfg.AgentCommand = value
		default:
			return fmt.Errorf("unknown config key %q", args[0])
		}
		if err := config.Save(cfg); err != nil {
			return err
		}
		fmt.Printf("Set %s = %s\n", args[0], value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}

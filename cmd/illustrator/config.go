package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/aristath/illustrator/internal/config"
	"github.com/aristath/illustrator/internal/tui"
)

func newConfigCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or edit configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration as JSON",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := g.loadConfig()
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return fmt.Errorf("marshaling config: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			},
		},
		&cobra.Command{
			Use:   "edit",
			Short: "Edit common settings in a form and save them",
			Long: "Edit common settings in a form. The effective configuration is written to the\n" +
				"--config file when given, otherwise to the global or project file chosen in the form.",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := g.loadConfig()
				if err != nil {
					return err
				}

				settings := tui.NewSettings(cfg)
				form := settings.Form(g.configPath == "").
					WithInput(cmd.InOrStdin()).
					WithOutput(cmd.OutOrStdout())
				if err := form.RunWithContext(cmd.Context()); err != nil {
					if errors.Is(err, huh.ErrUserAborted) {
						fmt.Fprintln(cmd.OutOrStdout(), "cancelled; nothing saved")
						return nil
					}
					return fmt.Errorf("settings form: %w", err)
				}

				return saveSettings(cmd, g, settings, cfg)
			},
		},
	)
	return cmd
}

// saveSettings applies the form values and writes the result.
func saveSettings(cmd *cobra.Command, g *globalOptions, settings *tui.Settings, cfg *config.Config) error {
	if err := settings.Apply(cfg); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	path := g.configPath
	if path == "" {
		global, project, err := config.DefaultPaths()
		if err != nil {
			return err
		}
		path = settings.TargetPath(global, project)
	}

	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", path)
	return nil
}

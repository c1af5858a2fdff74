package cli

import (
	"fmt"
	"runtime"

	"focusstack/internal/config"
	"focusstack/internal/fusion"
	"focusstack/internal/registration"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show, validate, or write the focusstack configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := yaml.Marshal(root.cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# config file: %s\n%s", config.Path(), out)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	var path string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = config.Path()
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&path, "path", "", "destination (defaults to the active config path)")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show build and engine information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "focusstack %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Built with Go %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "ECC estimators: %v\n", registration.EstimatorNames())
			fmt.Fprintf(cmd.OutOrStdout(), "Focus measures: %v\n", fusion.FocusMeasureNames())
		},
	}

	cmd.AddCommand(showCmd, validateCmd, initCmd, infoCmd)
	return cmd
}

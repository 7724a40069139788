package main

import (
	"fmt"

	"github.com/haasonsaas/agui/internal/config"
	"github.com/spf13/cobra"
)

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}

	var configPath string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (provider %s, listening on %s)\n", configPath, cfg.LLM.Provider, cfg.Server.Addr())
			return nil
		},
	}
	validate.Flags().StringVarP(&configPath, "config", "c", defaultConfig(), "Path to configuration file")

	cmd.AddCommand(schema, validate)
	return cmd
}

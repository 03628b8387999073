package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	var path, format string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective experiment configuration",
		Long: `Load and validate a config file, or the built-in defaults, and print it.
Useful as a starting point for a new config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			var out []byte
			switch format {
			case "json":
				out, err = json.MarshalIndent(cfg, "", "  ")
				out = append(out, '\n')
			case "yaml", "yml":
				out, err = yaml.Marshal(cfg)
			default:
				return fmt.Errorf("unknown format %q (want json or yaml)", format)
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "config file to load; defaults when empty")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json or yaml")
	return cmd
}

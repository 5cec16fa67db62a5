// File: cmd/show_config.go
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/omegabot/omega/internal/config"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML. Secrets are omitted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return runShowConfig(cfg, cmd.OutOrStdout())
		},
	}
}

func runShowConfig(cfg config.Interface, out io.Writer) error {
	// Resolve the policy too, so a bad override is reported here rather than
	// at the next scheduled run.
	if _, err := cfg.Policy(); err != nil {
		return fmt.Errorf("configuration yields an invalid policy: %w", err)
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Document()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

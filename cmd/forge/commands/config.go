package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fnforge/fnforge/pkg/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Write and inspect the fnforge configuration.

Configuration is layered: built-in defaults, then the YAML file given with
--config, then FORGE_ environment variables. Nested keys are separated with a
double underscore, for example FORGE_DEPLOY__POLL_INTERVAL=2s.`,
	}

	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigShowCommand())

	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the defaults",
		Example: `  # Write ./forge.yaml
  forge config init

  # Overwrite an existing file
  forge config init --config /etc/fnforge/forge.yaml --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = "./forge.yaml"
			}
			if err := config.WriteDefault(path, force); err != nil {
				return err
			}
			fmt.Printf("✓ Created config file: %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redacted := cfg.Redacted()
			if jsonOutput {
				return printJSON(redacted)
			}
			data, err := redacted.YAML()
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
}

// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/omegabot/omega/internal/config"
	"github.com/omegabot/omega/internal/observability"
	"github.com/omegabot/omega/internal/service"
)

type contextKey string

const configKey contextKey = "omega-config"

// NewRootCommand builds a fresh command tree wired to the production
// component factory.
func NewRootCommand() *cobra.Command {
	return newRootCmd(service.NewComponentFactory())
}

func newRootCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		cfgFile  string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:           "omega",
		Short:         "Omega evolves its own bot, one reviewed pull request at a time.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v, cfgFile); err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "omega"})
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "omega"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}
			if logLevel != "" {
				cfg.SetLoggerLevel(logLevel)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting omega.", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, config.Interface(cfg)))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logger.level (debug, info, warn, error)")
	cmd.SetVersionTemplate("omega version {{.Version}}\n")

	cmd.AddCommand(newEvolveCmd(factory))
	cmd.AddCommand(newServeCmd(factory))
	cmd.AddCommand(newSummaryCmd(factory))
	cmd.AddCommand(newFlagsCmd(factory))
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the command tree with a signal-aware context.
func Execute(ctx context.Context) error {
	root := NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			observability.GetLogger().Warn("Command aborted.")
		} else {
			observability.GetLogger().Error("Command execution failed.", zap.Error(err))
		}
		return err
	}
	return nil
}

// initializeConfig reads the config file and OMEGA_* environment variables.
// A missing default config file is not an error.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("OMEGA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func getConfigFromContext(ctx context.Context) (config.Interface, error) {
	cfg, ok := ctx.Value(configKey).(config.Interface)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}

package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/bdbenim/stash-empornium/internal/config"
	"github.com/bdbenim/stash-empornium/pkg/log"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type commandContext struct {
	configFlag   *string
	logLevelFlag *string
	opts         []config.Option

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil || strings.TrimSpace(*c.configFlag) == "" {
		return config.DefaultPath
	}
	return strings.TrimSpace(*c.configFlag)
}

// ensureConfig loads the configuration once and sets up logging from it.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		opts := append([]config.Option{}, c.opts...)
		if c.logLevelFlag != nil && *c.logLevelFlag != "" {
			opts = append(opts, config.WithLogLevel(*c.logLevelFlag))
		}
		cfg, err := config.Load(c.configPath(), opts...)
		if err != nil {
			c.configErr = err
			return
		}
		if _, err := log.Init(log.Options{
			Level:  cfg.Backend.LogLevel,
			Format: cfg.Backend.LogFormat,
			File:   cfg.Backend.LogFile,
		}); err != nil {
			c.configErr = fmt.Errorf("init logging: %w", err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func newRootCommand() *cobra.Command {
	var configFlag, logLevelFlag string
	ctx := &commandContext{configFlag: &configFlag, logLevelFlag: &logLevelFlag}

	rootCmd := &cobra.Command{
		Use:           "stash-empornium",
		Short:         "Generate tracker uploads from stash scenes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newTagsCommand(ctx))
	rootCmd.AddCommand(newCacheCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stash-empornium %s\n", version)
		},
	}
}

// Package cli implements the rntracez-sim command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/zoobzio/rntracez/config"
)

type globals struct {
	vp         *viper.Viper
	configFile string
	cfg        *config.Config
	logger     *zap.Logger
}

// New builds the root command.
func New() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "rntracez-sim",
		Short:         "Replay scripted app sessions through the tracing lifecycle engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			g.vp = config.NewViper(g.configFile)
			flags := cmd.Flags()
			for key, flag := range map[string]string{
				"log.level":       "log-level",
				"log.development": "log-dev",
			} {
				if f := flags.Lookup(flag); f != nil {
					if err := g.vp.BindPFlag(key, f); err != nil {
						return fmt.Errorf("binding flag %s: %w", flag, err)
					}
				}
			}

			cfg, err := config.Load(g.vp)
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.Log)
			if err != nil {
				return fmt.Errorf("creating logger: %w", err)
			}
			g.cfg = cfg
			g.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if g.logger != nil {
				_ = g.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configFile, "config", "c", "", "config file (yaml)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.Bool("log-dev", false, "human readable development logs")

	root.AddCommand(newRunCommand(g))
	return root
}

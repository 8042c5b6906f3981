package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zoobzio/rntracez/exporter/otelexport"
	"github.com/zoobzio/rntracez/internal/sim"
)

type runFlags struct {
	otel   bool
	pretty bool
}

func newRunCommand(g *globals) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a scenario and print the collected transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := sim.Load(args[0])
			if err != nil {
				return err
			}
			g.logger.Info("running scenario",
				zap.String("name", sc.Name),
				zap.String("router", sc.Router),
				zap.Int("steps", len(sc.Steps)))

			events, err := sim.Run(cmd.Context(), sc, g.cfg, g.logger)
			if err != nil {
				return err
			}
			g.logger.Info("scenario finished", zap.Int("transactions", len(events)))

			out := cmd.OutOrStdout()
			if f.otel {
				exp, err := otelexport.NewStdout(out, f.pretty, g.logger)
				if err != nil {
					return err
				}
				if err := exp.Export(cmd.Context(), events); err != nil {
					return fmt.Errorf("exporting transactions: %w", err)
				}
				return exp.Shutdown(cmd.Context())
			}

			enc := json.NewEncoder(out)
			if f.pretty {
				enc.SetIndent("", "  ")
			}
			return enc.Encode(events)
		},
	}

	cmd.Flags().BoolVar(&f.otel, "otel", false, "replay transactions through the OpenTelemetry stdout exporter")
	cmd.Flags().BoolVar(&f.pretty, "pretty", false, "indent the output")
	return cmd
}

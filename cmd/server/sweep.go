package main

import (
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-fee-governance/internal/scheduler"
)

func newSweepCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed threshold exceptions and re-evaluate open performance records once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			scheduler.New(cfg.Scheduler.Spec, a.thresholds, a.satisfaction, a.metrics, log).RunOnce(cmd.Context())
			return nil
		},
	}
}

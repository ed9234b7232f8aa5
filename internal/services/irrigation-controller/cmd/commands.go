package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/infrastructure/logging"
	controller "github.com/LeonardoBeccarini/smart_irrigation/internal/services/irrigation-controller"
)

func (a *app) reconcileCmd() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a single reconciliation tick and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(a.ctx)
			if err != nil {
				return err
			}

			now := time.Now()
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}

			r := controller.NewReconciler(store,
				controller.NewGate(controller.Thresholds{Humidity: a.cfg.HumidityThreshold, Rainfall: a.cfg.RainfallThreshold}),
				controller.WithStoreTimeout(a.cfg.StoreTimeout),
				controller.WithLocation(a.cfg.Location),
				controller.WithClock(func() time.Time { return now }),
				controller.WithLogger(logging.Component(a.ctx, "reconciler")),
			)
			report, err := r.Tick(a.ctx)
			if err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Evaluated", "Activated", "Completed", "Gated", "Skipped", "Failed"})
			tw.AppendRow(table.Row{report.Evaluated, report.Activated, report.Completed, report.Gated, report.Skipped, report.Failed})
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate as of this RFC3339 time")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pumps and schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(a.ctx)
			if err != nil {
				return err
			}
			pumps, err := store.ListPumps(a.ctx)
			if err != nil {
				return err
			}
			schedules, err := store.ListSchedules(a.ctx)
			if err != nil {
				return err
			}

			pt := table.NewWriter()
			pt.SetOutputMirror(os.Stdout)
			pt.SetTitle("Pumps")
			pt.AppendHeader(table.Row{"ID", "Field", "On", "Status", "Maintenance", "Last start", "Usage (s)"})
			for _, p := range pumps {
				last := "-"
				if p.LastStartTime != nil {
					last = p.LastStartTime.In(a.cfg.Location).Format(time.DateTime)
				}
				pt.AppendRow(table.Row{p.ID, p.FieldID, p.IsOn, p.Status, p.MaintenanceStatus, last, fmt.Sprintf("%.0f", p.TotalUsageTime)})
			}
			pt.Render()

			st := table.NewWriter()
			st.SetOutputMirror(os.Stdout)
			st.SetTitle("Schedules")
			st.AppendHeader(table.Row{"ID", "Field", "Start", "Duration", "Status", "Pumps"})
			for _, s := range schedules {
				st.AppendRow(table.Row{s.ID, s.FieldID, s.StartTime, s.Duration, s.Status, len(s.Pumps)})
			}
			st.Render()
			return nil
		},
	}
}

func (a *app) seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Upsert fields, sensors, pumps and schedules from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(a.ctx)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if err := store.Seed(a.ctx, f); err != nil {
				return err
			}
			a.log.Info().Str("file", args[0]).Msg("seed applied")
			return nil
		},
	}
}

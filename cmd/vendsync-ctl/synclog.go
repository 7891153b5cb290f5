package main

import (
	"context"

	"github.com/mmdatafocus/vendsync/engine"
	"github.com/mmdatafocus/vendsync/health"
	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/synclog"
	"github.com/spf13/cobra"
)

func syncLogCmd() *cobra.Command {
	var (
		businessId string
		types      []string
		outcome    string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "sync-log",
		Short: "Show recent sync log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, false, func(ctx context.Context, e *engine.Engine) error {
				q := synclog.Query{BusinessId: businessId, Outcome: models.SyncOutcome(outcome), Limit: limit}
				for _, t := range types {
					q.EventTypes = append(q.EventTypes, models.SyncEventType(t))
				}
				entries, err := e.Log.List(ctx, q)
				if err != nil {
					return err
				}
				return printJSON(cmd, health.LogLines(entries))
			})
		},
	}
	cmd.Flags().StringVarP(&businessId, "business", "b", "", "Business id")
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "Event types")
	cmd.Flags().StringVar(&outcome, "outcome", "", "Outcome filter")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries")
	_ = cmd.MarkFlagRequired("business")
	return cmd
}

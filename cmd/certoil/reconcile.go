package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gartstein/certoil/internal/certification/events"
	"github.com/gartstein/certoil/internal/pkg/dates"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func reconcileCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Inspect and settle issuances whose ledger record may be unlinked",
	}
	cmd.AddCommand(reconcileListCommand(a), reconcileResolveCommand(a), reconcileFollowCommand(a))
	return cmd
}

func reconcileListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List issuances awaiting reconciliation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := buildDeps(a.cfg, a.logger, nil)
			if err != nil {
				return err
			}
			defer d.close()

			sagas, err := d.service.PendingReconciliations(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SAGA\tSTATE\tCODE\tNOTARIZATION\tTX\tUPDATED\tERROR")
			for _, s := range sagas {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.State, s.CertificationCode, s.RecordID, s.TxDigest,
					dates.ToSQLDateTime(s.UpdatedAt), s.LastError)
			}
			return tw.Flush()
		},
	}
}

func reconcileResolveCommand(a *app) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "resolve <saga-id>",
		Short: "Mark an issuance as reconciled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid saga id %q: %w", args[0], err)
			}

			d, err := buildDeps(a.cfg, a.logger, nil)
			if err != nil {
				return err
			}
			defer d.close()

			saga, err := d.service.ResolveReconciliation(cmd.Context(), id, note)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "resolved %s (%s)\n", saga.ID, saga.CertificationCode)
			return err
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "what was done with the ledger record (required)")
	_ = cmd.MarkFlagRequired("note")
	return cmd
}

// reconcileFollowCommand tails reconciliation events from Kafka.
func reconcileFollowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "follow",
		Short: "Print reconciliation events as they are published",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(a.cfg.KafkaBrokers) == 0 {
				return fmt.Errorf("KAFKA_BROKERS is required to follow events")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			consumer := events.NewConsumer(a.cfg.KafkaBrokers, a.cfg.ConsumerGroup, a.cfg.Topic, a.logger)
			defer consumer.Close()

			out := cmd.OutOrStdout()
			consumer.RegisterHandler(func(_ context.Context, event events.Event) error {
				if event.Type != events.ReconciliationRequired {
					return nil
				}
				a.logger.Warn("Reconciliation required",
					zap.String("saga_id", event.SagaID),
					zap.String("code", event.CertificationCode),
					zap.String("notarization_id", event.NotarizationID),
				)
				_, err := fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n",
					event.OccurredAt.UTC().Format(time.RFC3339), event.SagaID,
					event.CertificationCode, event.NotarizationID, event.Detail)
				return err
			})

			consumer.Start(ctx)
			<-consumer.Done()
			return nil
		},
	}
}

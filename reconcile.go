package main

import (
	"encoding/json"
	"fmt"
	"os"

	"order-svc/database"
	"order-svc/gateway"
	"order-svc/kafka"
	"order-svc/payment"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func reconcileCmd() *cobra.Command {
	var paymentID string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile one payment against the gateway and print the report",
		Long: `Reconcile one payment against the gateway.

Pending orders are re-validated, gateway cancellations missing locally are
recorded, and refunds stuck in PENDING past refund.pending_timeout are failed
and flagged for review.

Example:
  order-service reconcile --payment-id payment-2f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			db, err := database.InitDB(cfg.DB, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			store := database.NewStore(db)

			// Events are best effort here; the report is printed either way.
			var publisher payment.Publisher
			if producer, err := kafka.InitProducer(cfg.Kafka, logger); err != nil {
				logger.Warn("Kafka unavailable, events will not be published", zap.Error(err))
			} else {
				defer producer.Close()
				publisher = kafka.NewPublisher(producer, cfg.Kafka, logger)
			}

			gw := gateway.NewClient(cfg.Gateway, logger)
			orchestrator := payment.NewOrchestrator(store, gw, nil, publisher, cfg.Payment.Currency, logger)
			resolver := payment.NewResolver(store, gw, orchestrator, cfg.Payment.RefundPendingTimeout, logger)

			report, err := resolver.Resolve(cmd.Context(), paymentID)
			if err != nil {
				return fmt.Errorf("reconcile %s: %w", paymentID, err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().StringVar(&paymentID, "payment-id", "", "payment to reconcile")
	_ = cmd.MarkFlagRequired("payment-id")
	return cmd
}

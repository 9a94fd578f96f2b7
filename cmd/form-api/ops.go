package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/infrastructure/postgres"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/infrastructure/redpanda"
)

var errNoDatabase = errors.New("DATABASE_URL is required")

func migrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the document, outbox and inbox tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errNoDatabase
			}
			db, err := connect(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			db.Close()
			logger.Info("migrations applied")
			return nil
		},
	}
}

func outboxCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Operate the submission outbox",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "relay",
		Short: "Relay pending outbox entries to Redpanda until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" || len(cfg.Brokers) == 0 {
				return errors.New("DATABASE_URL and REDPANDA_BROKERS are required")
			}
			ctx := cmd.Context()
			db, err := connect(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			producer, err := newProducer(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = producer.Close() }()

			outbox := postgres.NewOutbox(db, producer, postgres.DefaultOutboxConfig(), logger)
			outbox.Start(ctx)
			<-ctx.Done()
			outbox.Stop()
			stats := producer.Stats()
			logger.Info("relay stopped",
				zap.Int64("messages_sent", stats.MessagesSent),
				zap.Int64("errors", stats.ErrorCount))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print outbox statistics as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errNoDatabase
			}
			db, err := connect(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			stats, err := postgres.NewOutbox(db, nil, postgres.DefaultOutboxConfig(), logger).GetStats(cmd.Context())
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(stats)
		},
	})
	return cmd
}

func journalCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Read the form transition journal",
	}

	var sessionID, group string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print journaled transitions as JSON lines until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if len(cfg.Brokers) == 0 {
				return errors.New("REDPANDA_BROKERS is required")
			}
			consumerCfg := redpanda.DefaultConsumerConfig()
			consumerCfg.Brokers = cfg.Brokers
			consumerCfg.GroupID = group

			out := json.NewEncoder(cmd.OutOrStdout())
			consumer, err := redpanda.NewConsumer(consumerCfg, redpanda.TransitionHandler(sessionID, func(t redpanda.Transition) error {
				return out.Encode(t)
			}), logger)
			if err != nil {
				return fmt.Errorf("create consumer: %w", err)
			}
			consumer.Run(cmd.Context())
			return consumer.Stop()
		},
	}
	tail.Flags().StringVar(&sessionID, "session", "", "only print transitions of this session")
	tail.Flags().StringVar(&group, "group", "", "consumer group; committed offsets resume the tail")
	cmd.AddCommand(tail)

	var lagGroup string
	lag := &cobra.Command{
		Use:   "lag",
		Short: "Print how far a consumer group is behind the journal as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if len(cfg.Brokers) == 0 {
				return errors.New("REDPANDA_BROKERS is required")
			}
			admin, err := redpanda.NewAdmin(cfg.Brokers, logger)
			if err != nil {
				return err
			}
			defer admin.Close()
			report, err := admin.GetConsumerGroupLag(cmd.Context(), lagGroup)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
		},
	}
	lag.Flags().StringVar(&lagGroup, "group", "", "consumer group to inspect")
	_ = lag.MarkFlagRequired("group")
	cmd.AddCommand(lag)
	return cmd
}

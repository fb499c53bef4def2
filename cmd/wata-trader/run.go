package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"

	"wata/internal/api"
	"wata/internal/tradeerr"
	"wata/internal/util"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Consume trade signals from Kafka until stopped",
	Long: `Run reads signals from the configured Kafka topic one at a time. Each
message is handled to completion and its offset committed before the next is
fetched. A fatal error commits the offending message and stops the process
with the exit code of the error kind.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	k := a.cfg.Kafka
	if len(k.Brokers) == 0 || k.SignalTopic == "" {
		return &tradeerr.Configuration{Key: "kafka.signal_topic", Reason: "brokers and signal topic required for run"}
	}

	srv := api.NewServer(a.cfg.Server, a.health, a.metrics, a.ledger, a.logger)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.ListenAndServe(ctx) }()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.Brokers,
		Topic:       k.SignalTopic,
		GroupID:     k.GroupID,
		StartOffset: kafka.LastOffset,
		MaxBytes:    10e6,
	})
	defer reader.Close()

	a.logger.Info("wata-trader consuming signals", "topic", k.SignalTopic, "group_id", k.GroupID)
	err = consume(ctx, reader, a)
	stop()
	if serr := <-srvErr; serr != nil && err == nil {
		err = serr
	}
	return err
}

const (
	commitAttempts = 3
	commitBackoff  = 200 * time.Millisecond
)

// messageReader is the part of *kafka.Reader used by consume.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

func consume(ctx context.Context, r messageReader, a *app) error {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				a.logger.Info("signal consumer stopped")
				return nil
			}
			return &tradeerr.APIRequest{Endpoint: "kafka fetch", Err: err}
		}

		handleErr := a.handler.Handle(ctx, msg.Value)

		// Committed even on a fatal error: the signal may already have traded.
		commitCtx := context.WithoutCancel(ctx)
		err = util.Retry(commitCtx, commitAttempts, commitBackoff, func() error {
			return r.CommitMessages(commitCtx, msg)
		})
		if err != nil {
			a.logger.Error("failed to commit signal offset", "offset", msg.Offset, "error", err)
			if handleErr == nil {
				return &tradeerr.APIRequest{Endpoint: "kafka commit", Err: err}
			}
		}
		if handleErr != nil {
			return handleErr
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}

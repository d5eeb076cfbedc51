// Command notifyctl puts notification commands on the gateway's SQS queue
// and issues development tokens for the websocket hub.
//
//	notifyctl send --user u-42 --title "Leave approved" --message "Enjoy your break"
//	notifyctl bulk --user u-1 --user u-2 --message "All hands at 4pm"
//	notifyctl maintenance --message "Payroll offline" --at 2024-06-01T22:00:00Z
//	notifyctl token --user u-42 --employee e-42 --branch b-1
//
// It reads the same environment as the gateway (SQS_QUEUE_URL, SQS_REGION,
// AWS_ENDPOINT_URL, JWT_SECRET, JWT_ISSUER).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/config"
	"github.com/lalithlochan/hrpulse/internal/observ"
	"github.com/lalithlochan/hrpulse/internal/sqs"
)

// Populated by ldflags.
var version = "dev"

// enqueuer is satisfied by *sqs.Producer.
type enqueuer interface {
	Enqueue(ctx context.Context, msg sqs.Message) (string, error)
}

type app struct {
	loadConfig  func() (*config.Config, error)
	newEnqueuer func(ctx context.Context, cfg *config.Config) (enqueuer, error)
}

func main() {
	a := &app{
		loadConfig:  config.Load,
		newEnqueuer: newProducer,
	}
	if err := buildRootCmd(a).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "notifyctl",
		Short:        "Enqueue HR notifications for the hrpulse gateway",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(
		buildSendCmd(a, "send", "Send a notification to one user", sqs.ActionSend),
		buildSendCmd(a, "high-priority", "Send a critical notification to one user", sqs.ActionHighPriority),
		buildSendCmd(a, "queue-offline", "Queue a notification for a user's next connection", sqs.ActionQueueOffline),
		buildBulkCmd(a),
		buildMaintenanceCmd(a),
		buildTokenCmd(a),
	)
	return root
}

func newProducer(ctx context.Context, cfg *config.Config) (enqueuer, error) {
	if !cfg.SQSEnabled() {
		return nil, fmt.Errorf("SQS_QUEUE_URL is not set")
	}
	client, err := sqs.NewClient(ctx, sqs.Config{
		Region:   cfg.SQSRegion,
		QueueURL: cfg.SQSQueueURL,
		Endpoint: cfg.AWSEndpoint,
	})
	if err != nil {
		return nil, err
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		logger = zap.NewNop()
	}
	return sqs.NewProducer(client, cfg.SQSQueueURL, logger), nil
}

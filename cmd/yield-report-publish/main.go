package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/juno-intents/yield-vault/internal/queue"
)

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("yield-report-publish", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	topic := fs.String("topic", queue.TopicYieldReports, "yield report topic")
	vaultID := fs.String("vault", "", "vault id (required)")
	amount := fs.String("amount", "", "interest amount as a positive decimal (required)")
	reportID := fs.String("report-id", "", "report id (default: <vault>-<unix seconds>)")
	timeout := fs.Duration("timeout", 10*time.Second, "publish timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*vaultID) == "" || strings.TrimSpace(*amount) == "" {
		return errors.New("--vault and --amount are required")
	}
	amt, err := uint256.FromDecimal(strings.TrimSpace(*amount))
	if err != nil || amt.IsZero() {
		return fmt.Errorf("--amount %q must be a positive decimal", *amount)
	}
	id := strings.TrimSpace(*reportID)
	if id == "" {
		id = fmt.Sprintf("%s-%d", strings.TrimSpace(*vaultID), time.Now().Unix())
	}

	payload, err := queue.EncodeYieldReport(queue.YieldReport{
		Vault:    strings.TrimSpace(*vaultID),
		ReportID: id,
		Amount:   amt,
	})
	if err != nil {
		return err
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	return producer.Publish(ctx, *topic, []byte(strings.TrimSpace(*vaultID)), payload)
}

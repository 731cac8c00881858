package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juno-intents/yield-vault/internal/archive"
	"github.com/juno-intents/yield-vault/internal/asset"
	"github.com/juno-intents/yield-vault/internal/gateway"
	"github.com/juno-intents/yield-vault/internal/httpapi"
	"github.com/juno-intents/yield-vault/internal/keeper"
	"github.com/juno-intents/yield-vault/internal/leases"
	leasespg "github.com/juno-intents/yield-vault/internal/leases/postgres"
	"github.com/juno-intents/yield-vault/internal/queue"
	"github.com/juno-intents/yield-vault/internal/secrets"
	"github.com/juno-intents/yield-vault/internal/vault"
	vaultpg "github.com/juno-intents/yield-vault/internal/vault/postgres"
)

func main() {
	var (
		vaultsPath = flag.String("vaults-config", "", "path to the vaults.config.v1 JSON file (required)")

		storeDriver    = flag.String("store-driver", "postgres", "event and lease store driver: postgres|memory")
		postgresDSNRef = flag.String("postgres-dsn-ref", "env:VAULT_POSTGRES_DSN", "secret ref for the Postgres DSN: env:NAME or aws:SECRET_ID[#field]")

		listenAddr        = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")
		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "HTTP read header timeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
		writeTimeout      = flag.Duration("write-timeout", 15*time.Second, "HTTP write timeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "HTTP idle timeout")
		maxSkew           = flag.Duration("auth-max-skew", 5*time.Minute, "max distance between a signed request timestamp and now")
		rateLimitRPS      = flag.Float64("rate-limit-per-ip-rps", 20, "per-IP request rate limit")
		rateLimitBurst    = flag.Int("rate-limit-burst", 40, "per-IP request burst")

		gatewayAddr = flag.String("gateway-address", "", "address the gateway relay claims as; empty disables /v1/gateway/claim")

		leaseHolder     = flag.String("lease-holder", "", "keeper lease holder id (default: hostname-pid)")
		operatorAddr    = flag.String("operator-address", "", "address the keeper acts as; must hold the operator role (required)")
		keeperInterval  = flag.Duration("keeper-interval", 30*time.Second, "keeper tick interval")
		leaseTTL        = flag.Duration("lease-ttl", 30*time.Second, "keeper lease TTL")
		keeperOpTimeout = flag.Duration("keeper-op-timeout", 20*time.Second, "timeout for one keeper tick")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio|none")
		queueBrokers = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueGroup   = flag.String("queue-group", "vault-server", "queue consumer group")
		eventsTopic  = flag.String("events-topic", queue.TopicEvents, "topic committed vault events are published to")
		yieldTopic   = flag.String("yield-topic", queue.TopicYieldReports, "topic yield reports are consumed from")
		ackTimeout   = flag.Duration("queue-ack-timeout", 5*time.Second, "timeout for queue acknowledgements")

		archiveDriver  = flag.String("archive-driver", "none", "snapshot archive driver: s3|memory|none")
		archiveBucket  = flag.String("archive-bucket", "", "S3 bucket for snapshot archives (required for s3)")
		archivePrefix  = flag.String("archive-prefix", "", "key prefix for snapshot archives")
		archiveMaxSize = flag.Int64("archive-max-get-size", 16<<20, "max archived object size to read back")
	)
	flag.Parse()

	if *vaultsPath == "" || *operatorAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --vaults-config and --operator-address are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*operatorAddr) {
		fmt.Fprintln(os.Stderr, "error: --operator-address must be a hex address")
		os.Exit(2)
	}
	if *gatewayAddr != "" && !common.IsHexAddress(*gatewayAddr) {
		fmt.Fprintln(os.Stderr, "error: --gateway-address must be a hex address")
		os.Exit(2)
	}
	if *keeperInterval <= 0 || *leaseTTL <= 0 || *keeperOpTimeout <= 0 || *ackTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --keeper-interval, --lease-ttl, --keeper-op-timeout and --queue-ack-timeout must be > 0")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: HTTP server timeouts must be > 0")
		os.Exit(2)
	}
	qDriver := strings.ToLower(strings.TrimSpace(*queueDriver))
	brokers := queue.SplitCommaList(*queueBrokers)
	if qDriver == queue.DriverKafka && len(brokers) == 0 {
		fmt.Fprintln(os.Stderr, "error: --queue-brokers is required for --queue-driver=kafka")
		os.Exit(2)
	}

	raw, err := os.ReadFile(*vaultsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: read vaults config: %v\n", err)
		os.Exit(2)
	}
	vcfg, err := parseVaultsConfig(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	holder := *leaseHolder
	if holder == "" {
		h, _ := os.Hostname()
		holder = fmt.Sprintf("%s-%d", h, os.Getpid())
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		eventStore vault.EventStore
		leaseStore leases.Store
	)
	switch strings.ToLower(strings.TrimSpace(*storeDriver)) {
	case "postgres":
		dsn, err := secrets.NewResolver().Resolve(ctx, *postgresDSNRef)
		if err != nil {
			log.Error("resolve postgres dsn", "ref", *postgresDSNRef, "err", err)
			os.Exit(2)
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		es, err := vaultpg.New(pool)
		if err != nil {
			log.Error("init event store", "err", err)
			os.Exit(2)
		}
		if err := es.EnsureSchema(ctx); err != nil {
			log.Error("ensure event schema", "err", err)
			os.Exit(2)
		}
		ls, err := leasespg.New(pool)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		if err := ls.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease schema", "err", err)
			os.Exit(2)
		}
		eventStore, leaseStore = es, ls
	case "memory":
		eventStore = vault.NewMemoryEventStore()
		leaseStore = leases.NewMemoryStore(time.Now)
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --store-driver %q\n", *storeDriver)
		os.Exit(2)
	}

	var pub vault.Publisher
	if qDriver != "none" {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  qDriver,
			Brokers: brokers,
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = producer.Close() }()
		ep, err := queue.NewEventPublisher(producer, *eventsTopic)
		if err != nil {
			log.Error("init event publisher", "err", err)
			os.Exit(2)
		}
		pub = ep
	}

	ledger := asset.NewMemoryLedger()
	if err := mintGenesis(ledger, vcfg.Genesis); err != nil {
		log.Error("seed ledger", "err", err)
		os.Exit(2)
	}

	vaults := make([]*vault.Vault, 0, len(vcfg.Vaults))
	keeperVaults := make([]keeper.Vault, 0, len(vcfg.Vaults))
	host := vault.NewSequencer()
	for _, c := range vcfg.Vaults {
		c.Sequencer = host
		v, err := vault.New(c, ledger, eventStore, pub, log)
		if err != nil {
			log.Error("init vault", "vault", c.ID, "err", err)
			os.Exit(2)
		}
		vaults = append(vaults, v)
		keeperVaults = append(keeperVaults, v)
	}
	if err := vault.Recover(ctx, ledger, vaults...); err != nil {
		log.Error("recover vaults", "err", err)
		os.Exit(2)
	}

	var archiver keeper.Archiver
	if d := strings.ToLower(strings.TrimSpace(*archiveDriver)); d != "none" {
		a, err := newArchive(ctx, d, *archiveBucket, *archivePrefix, *archiveMaxSize)
		if err != nil {
			log.Error("init snapshot archive", "err", err)
			os.Exit(2)
		}
		archiver = a
	}

	k, err := keeper.New(keeper.Config{
		Holder:   holder,
		Operator: common.HexToAddress(*operatorAddr),
		LeaseTTL: *leaseTTL,
	}, leaseStore, archiver, keeperVaults, log)
	if err != nil {
		log.Error("init keeper", "err", err)
		os.Exit(2)
	}

	var relay *gateway.Relay
	if *gatewayAddr != "" {
		relay, err = gateway.New(common.HexToAddress(*gatewayAddr), log)
		if err != nil {
			log.Error("init gateway relay", "err", err)
			os.Exit(2)
		}
	}

	handler, err := httpapi.NewHandler(httpapi.Config{
		MaxSkew:                 *maxSkew,
		RateLimitPerIPPerSecond: *rateLimitRPS,
		RateLimitBurst:          *rateLimitBurst,
		Now:                     time.Now,
	}, vaults, relay, log)
	if err != nil {
		log.Error("init http handler", "err", err)
		os.Exit(2)
	}

	var yieldReports queue.Consumer
	if qDriver != "none" {
		yieldReports, err = queue.NewConsumer(ctx, queue.ConsumerConfig{
			Driver:  qDriver,
			Brokers: brokers,
			Group:   *queueGroup,
			Topics:  []string{*yieldTopic},
		})
		if err != nil {
			log.Error("init yield report consumer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = yieldReports.Close() }()
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("vault-server listening", "addr", *listenAddr, "vaults", len(vaults), "holder", holder)
		errCh <- srv.ListenAndServe()
	}()

	log.Info("vault-server started",
		"storeDriver", *storeDriver,
		"queueDriver", qDriver,
		"archiveDriver", *archiveDriver,
		"keeperInterval", keeperInterval.String(),
	)

	err = run(ctx, k, yieldReports, errCh, *keeperInterval, *keeperOpTimeout, *ackTimeout, log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if rerr := k.Release(shutdownCtx); rerr != nil {
		log.Warn("release keeper leases", "err", rerr)
	}
	if err != nil {
		log.Error("vault-server stopped", "err", err)
		os.Exit(1)
	}
}

// run drives the keeper and the yield report consumer until ctx is done or the
// HTTP server fails. A nil consumer disables yield report intake.
func run(ctx context.Context, k *keeper.Keeper, reports queue.Consumer, serverErr <-chan error, interval, opTimeout, ackTimeout time.Duration, log *slog.Logger) error {
	var (
		msgCh <-chan queue.Message
		errCh <-chan error
	)
	if reports != nil {
		msgCh = reports.Messages()
		errCh = reports.Errors()
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	tick := func() {
		tickCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		if err := k.Tick(tickCtx); err != nil {
			log.Error("keeper tick", "err", err)
		}
	}
	tick()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown", "reason", ctx.Err())
			return nil
		case err := <-serverErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case <-t.C:
			tick()
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			log.Error("queue consume error", "err", err)
		case msg, ok := <-msgCh:
			if !ok {
				msgCh = nil
				continue
			}
			handleYieldReport(ctx, k, msg, opTimeout, log)
			ackMessage(msg, ackTimeout, log)
		}
	}
}

func handleYieldReport(ctx context.Context, k *keeper.Keeper, msg queue.Message, timeout time.Duration, log *slog.Logger) {
	report, err := queue.DecodeYieldReport(msg.Value)
	if err != nil {
		log.Error("decode yield report", "topic", msg.Topic, "err", err)
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	entry, err := k.HandleYieldReport(opCtx, report)
	if errors.Is(err, vault.ErrDuplicateReport) {
		log.Info("yield report already booked", "vault", report.Vault, "report", report.ReportID)
		return
	}
	if err != nil {
		log.Error("apply yield report", "vault", report.Vault, "report", report.ReportID, "err", err)
		return
	}
	log.Info("applied yield report",
		"vault", report.Vault,
		"report", report.ReportID,
		"amount", entry.Amount.Dec(),
		"totalInterest", entry.TotalInterestAfter.Dec(),
	)
}

func ackMessage(msg queue.Message, timeout time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		log.Error("ack queue message", "topic", msg.Topic, "err", err)
	}
}

func newArchive(ctx context.Context, driver, bucket, prefix string, maxGetSize int64) (*archive.Archive, error) {
	cfg := archive.Config{
		Driver:     driver,
		Bucket:     strings.TrimSpace(bucket),
		Prefix:     strings.TrimSpace(prefix),
		MaxGetSize: maxGetSize,
	}
	if driver == archive.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	return archive.New(cfg)
}

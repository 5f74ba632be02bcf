package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/api"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/archive"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/computation"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/config"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/keeper"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/ledger"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/matching"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/metrics"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/orderbook"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/persist"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/publish"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/session"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/settlement"
)

const (
	ledgerHTTPTimeout = 15 * time.Second
	shutdownTimeout   = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("matcher starting", zap.String("addr", cfg.Addr()), zap.String("snapshot", cfg.SnapshotBackend))
	m := metrics.PrometheusMetrics("matcher")

	// MongoDB (optional)
	var store *persist.Store
	if cfg.MongoURI != "" {
		store, err = persist.NewStore(ctx, cfg.MongoURI, logger.Named("mongo"))
		if err != nil {
			return err
		}
		defer store.Close(context.Background())
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// Order book
	snap, closeSnap, err := openSnapshot(cfg, store)
	if err != nil {
		return err
	}
	defer closeSnap()

	book := orderbook.NewBook(snap, logger.Named("book"))
	n, err := book.Load(ctx)
	if err != nil {
		return fmt.Errorf("load order book: %w", err)
	}
	buys, sells := book.Counts()
	logger.Info("order book restored", zap.Int("orders", n), zap.Int("buys", buys), zap.Int("sells", sells))

	// Ledger
	client, err := ledger.NewHTTPClient(cfg.LedgerURL, ledgerHTTPTimeout)
	if err != nil {
		return err
	}
	listeners := ledger.NewListeners()
	stream := ledger.NewEventStream(cfg.LedgerEventsURL, listeners, cfg.DiscoveryBackoff, logger.Named("ledger"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stream.Run(ctx)
		return nil
	})

	kinds, err := parseKinds(cfg.Circuits)
	if err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	key, err := computation.FetchBackendKey(ctx, client, cfg.DiscoveryAttempts, cfg.DiscoveryBackoff, logger)
	if err == nil {
		err = computation.InitCircuits(ctx, client, kinds, cfg.DiscoveryAttempts, cfg.DiscoveryBackoff, logger)
	}
	if err != nil {
		stop()
		_ = g.Wait()
		return err
	}

	lc := computation.New(client, listeners, computation.Config{
		Timeout:       cfg.ComputationTimeout,
		PollInterval:  cfg.PollInterval,
		Backoff:       cfg.DiscoveryBackoff,
		QueueAttempts: cfg.QueueAttempts,
	}, logger.Named("computation"), m)
	coord := matching.NewCoordinator(book, lc, key, cfg.ComputationTimeout, logger.Named("matching"), m)

	// Settlement journal and publishers
	var journal settlement.Journal = settlement.NewMemoryJournal()
	if store != nil {
		journal = persist.NewMongoJournal(store)
	}

	mgr := session.NewManager(cfg.SendBufferSize, logger.Named("feed"), m)
	publishers := publish.Fanout{mgr}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := publish.Dial(ctx, cfg.KafkaBrokers, cfg.DiscoveryAttempts, cfg.DiscoveryBackoff)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		kp := publish.NewKafkaPublisher(producer, cfg.KafkaTopic, logger.Named("kafka"))
		defer kp.Close()
		publishers = append(publishers, kp)
		logger.Info("publishing settlements to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	orch := settlement.NewOrchestrator(book, lc, client, key, journal, publishers, settlement.Config{
		MaxDepositProofs: cfg.MaxDepositProofs,
		Timeout:          cfg.ComputationTimeout,
	}, logger.Named("settlement"), m)

	k := keeper.New(book, coord, orch, lc, key, keeper.Config{
		SettleConcurrency: cfg.SettleConcurrency,
		Timeout:           cfg.ComputationTimeout,
	}, logger.Named("keeper"), m)

	book.Subscribe(mgr.PublishBook)
	mgr.PublishBook(book.State())

	g.Go(func() error {
		k.Run(ctx, cfg.BatchInterval)
		return nil
	})

	if store != nil {
		g.Go(func() error {
			persist.RunRetention(ctx, store, cfg.RetentionDays, logger.Named("retention"))
			return nil
		})
		if cfg.ArchiveDir != "" {
			arch := archive.New(persist.NewMongoJournal(store), store, archive.Config{
				Dir:      cfg.ArchiveDir,
				MaxBytes: int64(cfg.ArchiveMaxGB) << 30,
				Interval: cfg.ArchiveInterval,
				After:    cfg.ArchiveAfter,
			}, logger.Named("archive"))
			g.Go(func() error {
				arch.Run(ctx)
				return nil
			})
		}
	}

	// HTTP API and feed
	server := api.NewServer(k, journal, mgr, logger.Named("api"), m)
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Handler(cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.Addr()))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("matcher stopped")
	return err
}

// openSnapshot builds the configured order-book snapshot backend.
func openSnapshot(cfg *config.Config, store *persist.Store) (orderbook.Snapshotter, func(), error) {
	switch cfg.SnapshotBackend {
	case config.BackendMongo:
		if store == nil {
			return nil, nil, errors.New("mongo snapshot backend needs mongo.uri")
		}
		return persist.NewMongoSnapshot(store), func() {}, nil
	case config.BackendPebble:
		ps, err := persist.OpenPebbleSnapshot(cfg.PebbleDir, nil)
		if err != nil {
			return nil, nil, err
		}
		return ps, func() { ps.Close() }, nil
	default:
		return persist.NewFileSnapshot(cfg.SnapshotPath), func() {}, nil
	}
}

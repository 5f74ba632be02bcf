package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/computation"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/config"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/ledger"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/orderbook"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/persist"
)

var initCircuitsCmd = &cobra.Command{
	Use:   "init-circuits",
	Short: "Register the computation circuits with the ledger",
	Long: `Registers every circuit named by --circuits with the ledger gateway. A
circuit that is already registered is skipped, so the command is safe to rerun.`,
	RunE: runInitCircuits,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the order book held by the configured snapshot backend",
	RunE:  runSnapshot,
}

func runInitCircuits(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	kinds, err := parseKinds(cfg.Circuits)
	if err != nil {
		return err
	}

	client, err := ledger.NewHTTPClient(cfg.LedgerURL, ledgerHTTPTimeout)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := computation.InitCircuits(ctx, client, kinds, cfg.DiscoveryAttempts, cfg.DiscoveryBackoff, logger); err != nil {
		return err
	}
	logger.Info("circuits ready", zap.Strings("circuits", cfg.Circuits))
	return nil
}

func parseKinds(names []string) ([]ledger.Kind, error) {
	kinds := make([]ledger.Kind, 0, len(names))
	for _, name := range names {
		kind, err := ledger.ParseKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func runSnapshot(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx := cmd.Context()
	var store *persist.Store
	if cfg.SnapshotBackend == config.BackendMongo {
		store, err = persist.NewStore(ctx, cfg.MongoURI, logger)
		if err != nil {
			return err
		}
		defer store.Close(ctx)
	}
	snap, closeSnap, err := openSnapshot(cfg, store)
	if err != nil {
		return err
	}
	defer closeSnap()

	orders, err := snap.LoadOrders(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	out := cmd.OutOrStdout()
	var buys, sells int
	for _, o := range orders {
		if o.Side == orderbook.SideBuy {
			buys++
		} else {
			sells++
		}
		fmt.Fprintf(out, "%-4s  seq=%-6d  %-36s  owner=%s  chain=%s\n", o.Side, o.Seq, o.ID, o.Owner, o.Chain)
	}
	fmt.Fprintf(out, "backend=%s  orders=%d  buys=%d  sells=%d\n", cfg.SnapshotBackend, len(orders), buys, sells)
	return nil
}

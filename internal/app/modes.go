package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/drawsettle/internal/aggregator"
	"github.com/alanyoungcy/drawsettle/internal/config"
	"github.com/alanyoungcy/drawsettle/internal/crypto"
	"github.com/alanyoungcy/drawsettle/internal/feed"
	"github.com/alanyoungcy/drawsettle/internal/pipeline"
	"github.com/alanyoungcy/drawsettle/internal/relayer"
	"github.com/alanyoungcy/drawsettle/internal/retrieval"
	"github.com/alanyoungcy/drawsettle/internal/server"
	"github.com/alanyoungcy/drawsettle/internal/server/handler"
	"github.com/alanyoungcy/drawsettle/internal/server/ws"
	"github.com/alanyoungcy/drawsettle/internal/settlement"
)

// IngestMode streams trades into minute windows and publishes and anchors
// each one. The HTTP server, when enabled, exposes health and windows.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode")
	g, ctx := errgroup.WithContext(ctx)

	orch := a.startIngest(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, orch, nil, nil)
	}
	return g.Wait()
}

// SettleMode serves the position API: closes, relayed funding, history and
// the ledger, plus the payout retrier and the archiver.
func (a *App) SettleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting settle mode")
	g, ctx := errgroup.WithContext(ctx)

	settler, funder, err := a.startSettle(ctx, g, deps)
	if err != nil {
		return err
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, nil, settler, funder)
	}
	return g.Wait()
}

// FullMode runs ingest and settle in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)

	orch := a.startIngest(ctx, g, deps)
	settler, funder, err := a.startSettle(ctx, g, deps)
	if err != nil {
		return err
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, orch, settler, funder)
	}
	return g.Wait()
}

// startIngest wires feed -> aggregator -> orchestrator into g.
func (a *App) startIngest(ctx context.Context, g *errgroup.Group, deps *Dependencies) *pipeline.Orchestrator {
	trades := feed.NewTradeFeed(feed.Config{
		URL:    a.cfg.Feed.URL,
		Symbol: a.cfg.Feed.Symbol,
	}, a.cfg.Feed.BufferSize, a.logger)

	agg := aggregator.New(aggregator.Config{
		Symbol:     a.cfg.Feed.Symbol,
		MaxGapFill: a.cfg.Aggregator.MaxGapFill,
		Grace:      a.cfg.Aggregator.Grace.Duration,
	}, a.cfg.Aggregator.OutBuffer, a.logger)

	orch := pipeline.NewOrchestrator(pipeline.Config{
		HealthInterval: a.cfg.Pipeline.HealthInterval.Duration,
		MaxInFlight:    a.cfg.Pipeline.MaxInFlight,
		BufferSize:     agg.BufferSize,
		FeedConnected:  trades.Connected,
	}, deps.Publisher, deps.Oracle, deps.Commitments, deps.Windows, deps.Events, a.logger)
	agg.OnMismatch(orch.ReportMismatch)

	deps.Health["feed"] = func(context.Context) error {
		if !trades.Connected() {
			return errors.New("trade feed disconnected")
		}
		return nil
	}

	g.Go(func() error { return trades.Run(ctx) })
	g.Go(func() error { return agg.Run(ctx, trades.Ticks()) })
	g.Go(func() error { return orch.Run(ctx, agg.Windows()) })
	return orch
}

// startSettle builds the settlement service and, when enabled, the relayer.
// The payout retrier and archiver run in g.
func (a *App) startSettle(ctx context.Context, g *errgroup.Group, deps *Dependencies) (*settlement.Service, *relayer.Client, error) {
	windows := retrieval.NewService(
		retrieval.NewCommittedWindowSource(deps.Windows, deps.Oracle, deps.Publisher, a.logger),
	)

	relayerAddr := ""
	if deps.RelayerWallet != nil {
		relayerAddr = deps.RelayerWallet.Address()
	}

	settler := settlement.NewService(settlement.Config{
		FeeBps:         a.cfg.Settlement.FeeBps,
		LockDuration:   a.cfg.Settlement.LockDuration.Duration,
		SettleLockTTL:  a.cfg.Settlement.SettleLockTTL.Duration,
		RelayerAddress: relayerAddr,
		Units:          deps.Units,
		Asset:          a.cfg.Ledger.Asset,
	}, settlement.Deps{
		Positions:   deps.Positions,
		Predictions: deps.Predictions,
		Windows:     windows,
		Slices:      deps.Publisher,
		History:     deps.History,
		Ledger:      deps.Ledger,
		Recon:       deps.Ledger,
		Locks:       deps.Locks,
		Audit:       deps.Audit,
		Events:      deps.Events,
	}, a.logger)

	g.Go(func() error {
		return settler.RunPayoutRetrier(ctx, a.cfg.Settlement.PayoutRetryInterval.Duration)
	})

	if a.cfg.Archive.Enabled {
		archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
		g.Go(func() error { return archiver.RunCron(ctx, a.cfg.Archive.Cron) })
	}

	if deps.RelayerWallet == nil {
		return settler, nil, nil
	}
	funder, err := a.newRelayer(deps)
	if err != nil {
		return nil, nil, err
	}
	return settler, funder, nil
}

func (a *App) newRelayer(deps *Dependencies) (*relayer.Client, error) {
	minWei, err := config.ParseWei(a.cfg.Relayer.MinPositionWei)
	if err != nil {
		return nil, err
	}
	reserveWei, err := config.ParseWei(a.cfg.Relayer.GasReserveWei)
	if err != nil {
		return nil, err
	}
	return relayer.New(relayer.Config{
		Domain: crypto.AuthDomain{
			Name:    a.cfg.Relayer.DomainName,
			Version: a.cfg.Relayer.DomainVersion,
			ChainID: deps.RelayerWallet.ChainID(),
		},
		Units:          deps.Units,
		MinPositionWei: minWei,
		GasReserveWei:  reserveWei,
	}, relayer.Deps{
		Nonces:    deps.Nonces,
		Ledger:    deps.Ledger,
		Recon:     deps.Ledger,
		Positions: deps.RelayerPositions,
		Wallet:    deps.RelayerWallet,
		Audit:     deps.Audit,
		Events:    deps.Events,
	}, a.logger), nil
}

// startHTTPServer mounts the handlers the mode provides and runs the server
// and websocket hub in g. orch, settler and funder are optional.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	orch *pipeline.Orchestrator,
	settler *settlement.Service,
	funder *relayer.Client,
) {
	status := &handler.StatusHandler{
		Mode:        a.cfg.Mode,
		ChainID:     deps.Wallet.ChainID(),
		FeeBps:      a.cfg.Settlement.FeeBps,
		LockSeconds: int64(a.cfg.Settlement.LockDuration.Seconds()),
	}

	var requeuer handler.Requeuer
	if orch != nil {
		requeuer = orch
	}
	h := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Health, a.logger),
		Status:  status,
		Windows: handler.NewWindowHandler(deps.Commitments, deps.Windows, requeuer, a.logger),
	}

	var depositAuth *crypto.WebhookAuth
	if settler != nil {
		if a.cfg.Ledger.DepositSecret != "" {
			depositAuth = &crypto.WebhookAuth{
				Secret:  a.cfg.Ledger.DepositSecret,
				MaxSkew: a.cfg.Ledger.DepositMaxSkew.Duration,
			}
		}
		h.Positions = handler.NewPositionHandler(settler, a.logger)
		h.Predictions = handler.NewPredictionHandler(deps.Predictions, a.logger)
		h.History = handler.NewHistoryHandler(deps.History, a.logger)
		h.Ledger = handler.NewLedgerHandler(deps.Ledger, depositAuth, a.cfg.Ledger.Asset, a.logger)
		h.PnL = handler.NewPnLHandler(a.cfg.Settlement.FeeBps, a.logger)
	}
	if funder != nil {
		status.RelayerAddress = funder.Address()
		h.Relayer = handler.NewRelayerHandler(funder, a.logger)
	}

	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Port:                 a.cfg.Server.Port,
		CORSOrigins:          a.cfg.Server.CORSOrigins,
		APIKey:               a.cfg.Server.APIKey,
		RateLimit:            a.cfg.Server.RateLimit,
		DepositWebhookSigned: depositAuth != nil,
	}, h, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			a.logger.Warn("http shutdown", slog.String("error", err.Error()))
			return err
		}
		return nil
	})
}

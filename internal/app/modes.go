package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arbnet/coordinator/internal/domain"
	"github.com/arbnet/coordinator/internal/feed"
	"github.com/arbnet/coordinator/internal/ingest"
	"github.com/arbnet/coordinator/internal/normalize"
	"github.com/arbnet/coordinator/internal/router"
	"github.com/arbnet/coordinator/internal/server"
	"github.com/arbnet/coordinator/internal/server/handler"
	"github.com/arbnet/coordinator/internal/solana"
	"github.com/arbnet/coordinator/internal/sweep"
)

// normalizerCacheSize bounds the token symbol cache shared by the detection
// kernels. Solana mints are long strings; a few thousand entries cover every
// pair a store of MaxPools can hold.
const normalizerCacheSize = 4096

// serverShutdownTimeout is how long in-flight HTTP requests get to finish.
const serverShutdownTimeout = 5 * time.Second

// CoordinatorMode runs the forwarding half: the consumer-group reader, the
// opportunity router, expiry sweeps, the forwarding archive and DLQ shipping.
func (a *App) CoordinatorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting coordinator mode",
		slog.String("instance", deps.InstanceID),
	)

	g, ctx := errgroup.WithContext(ctx)

	rt := a.buildRouter(deps)
	a.startForwarding(ctx, g, deps, rt)
	a.startSweeper(ctx, g, rt, nil)
	a.startAlertPump(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, rt, nil, nil)
	}

	return g.Wait()
}

// DetectorMode runs the detection half: the Solana engine with its pool
// store, the upstream feeds and the opportunity publisher.
func (a *App) DetectorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting detector mode",
		slog.String("chain", a.cfg.Solana.Chain),
		slog.String("instance", deps.InstanceID),
	)

	g, ctx := errgroup.WithContext(ctx)

	engine, publisher := a.buildDetection(ctx, g, deps)
	a.startDetection(ctx, g, deps, engine)
	a.startSweeper(ctx, g, nil, engine.Store())
	a.startAlertPump(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, nil, engine, publisher)
	}

	return g.Wait()
}

// ServerMode runs only the read-only control surface. Useful for exposing
// the archive endpoints without consuming or detecting anything.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	if !a.cfg.Server.Enabled {
		return fmt.Errorf("app: server mode requires server.enabled = true")
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, nil, nil, nil)

	return g.Wait()
}

// FullMode runs both halves in one process: detection publishing into the
// same Redis the consumer reads back out of.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.String("instance", deps.InstanceID),
	)

	g, ctx := errgroup.WithContext(ctx)

	rt := a.buildRouter(deps)
	a.startForwarding(ctx, g, deps, rt)

	engine, publisher := a.buildDetection(ctx, g, deps)
	a.startDetection(ctx, g, deps, engine)

	a.startSweeper(ctx, g, rt, engine.Store())
	a.startAlertPump(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, rt, engine, publisher)
	}

	return g.Wait()
}

// buildRouter constructs the opportunity router with its DLQ fallback writer
// and, when configured, the forwarding archive.
func (a *App) buildRouter(deps *Dependencies) *router.Router {
	dlq := router.NewFallbackWriter(a.cfg.Router.DLQDir, a.cfg.Router.DLQMaxFileBytes)

	// A nil *ArchiveStore must stay a nil interface inside the router.
	var archive domain.ForwardArchive
	if deps.Archive != nil {
		archive = deps.Archive
	}

	return router.New(router.Config{
		MaxOpportunities:     a.cfg.Router.MaxOpportunities,
		DuplicateWindowMs:    a.cfg.Router.DuplicateWindowMs,
		MinProfitPercentage:  a.cfg.Router.MinProfitPercentage,
		MaxProfitPercentage:  a.cfg.Router.MaxProfitPercentage,
		OpportunityTTLMs:     a.cfg.Router.OpportunityTTLMs,
		ChainTTLMs:           a.cfg.Router.ChainTTLMs,
		MaxRetries:           a.cfg.Router.MaxRetries,
		RetryBaseDelayMs:     a.cfg.Router.RetryBaseDelayMs,
		StartupGracePeriodMs: a.cfg.Router.StartupGracePeriodMs,
		BreakerThreshold:     a.cfg.Router.BreakerThreshold,
		BreakerCooldownMs:    a.cfg.Router.BreakerCooldownMs,
		ExecutionStream:      a.cfg.Streams.ExecutionRequests,
		ExecutionMaxLen:      a.cfg.Streams.ExecutionMaxLen,
		DLQStream:            a.cfg.Streams.ForwardingDLQ,
		InstanceID:           deps.InstanceID,
	}, deps.Bus, dlq, archive, deps.Alerts, a.logger)
}

// startForwarding starts everything that serves the router: the consumer
// feeding it, the leader lease, the archive writer and the DLQ shipper.
func (a *App) startForwarding(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *router.Router) {
	consumerName := a.cfg.Streams.ConsumerName
	if consumerName == "" {
		consumerName = deps.InstanceID
	}

	consumer := ingest.New(ingest.Config{
		Stream:     a.cfg.Streams.Opportunities,
		Group:      a.cfg.Streams.ConsumerGroup,
		Consumer:   consumerName,
		ReadCount:  a.cfg.Streams.ReadCount,
		BlockMs:    a.cfg.Streams.BlockMs,
		AllowChain: a.cfg.PartitionAllows,
	}, deps.Bus, rt, deps.Leader, a.logger)
	g.Go(func() error {
		return consumer.Run(ctx)
	})

	if deps.Elector != nil {
		g.Go(func() error {
			return deps.Elector.Run(ctx)
		})
	}

	if deps.Archive != nil {
		g.Go(func() error {
			return deps.Archive.Run(ctx)
		})
	}

	if deps.DLQArchiver != nil {
		g.Go(func() error {
			return deps.DLQArchiver.Run(ctx)
		})
	}

	// Cut retry loops short once shutdown begins; in-flight entries land in
	// the fallback file instead of stalling the drain.
	g.Go(func() error {
		<-ctx.Done()
		rt.Shutdown()
		return ctx.Err()
	})
}

// buildDetection constructs the engine, its publisher and the pumps that
// turn publisher pauses into alerts and price shifts into debug logs.
func (a *App) buildDetection(ctx context.Context, g *errgroup.Group, deps *Dependencies) (*solana.Engine, *solana.Publisher) {
	pauses := make(chan domain.PublisherPause, 4)
	shifts := make(chan domain.PriceShift, 256)

	publisher := solana.NewPublisher(deps.Bus, a.cfg.Streams.Opportunities, deps.InstanceID, pauses, a.logger)

	store := solana.NewPoolStore(a.cfg.Detection.MaxPools)
	factory := solana.NewFactory(
		time.Duration(a.cfg.Detection.OpportunityExpiryMs)*time.Millisecond,
		a.cfg.Detection.CrossChainExpiryFactor,
	)
	norm := normalize.NewNormalizer(normalizerCacheSize)

	engine := solana.NewEngine(a.cfg.Solana.Chain, solana.Config{
		MinProfitThreshold:   a.cfg.Detection.MinProfitThreshold,
		MaxTriangularDepth:   a.cfg.Detection.MaxTriangularDepth,
		PriceStalenessMs:     a.cfg.Detection.PriceStalenessMs,
		PoolUpdateCooldownMs: a.cfg.Detection.PoolUpdateCooldownMs,
		DefaultTradeValueUSD: a.cfg.Detection.DefaultTradeValueUSD,
		TriangularEnabled:    a.cfg.Detection.TriangularEnabled,
		CrossChainEnabled:    a.cfg.Detection.CrossChainEnabled,
		BreakerThreshold:     a.cfg.Detection.BreakerThreshold,
		BreakerCooldownMs:    a.cfg.Detection.BreakerCooldownMs,
		BridgeFee:            a.cfg.Detection.BridgeFee,
		LatencyRiskPremium:   a.cfg.Detection.LatencyRiskPremium,
		SolanaTxUSD:          a.cfg.Detection.SolanaTxUSD,
		EvmGasUSD:            a.cfg.Detection.EvmGasUSD,
		DefaultEvmGasUSD:     a.cfg.Detection.DefaultEvmGasUSD,
	}, store, factory, norm, publisher, shifts, a.logger)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case p := <-pauses:
				alert := domain.Alert{
					Type:     domain.AlertPublisherDisabled,
					Severity: domain.AlertSeverityHigh,
					Message:  "opportunity publisher disabled after repeated stream failures",
					Details: map[string]string{
						"consecutiveFailures": strconv.Itoa(p.ConsecutiveFailures),
						"cooldownUntil":       p.CooldownUntil.UTC().Format(time.RFC3339),
					},
					At: p.DisabledAt,
				}
				select {
				case deps.Alerts <- alert:
				default:
					a.logger.WarnContext(ctx, "alerts channel full, dropping publisher pause alert")
				}
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case s := <-shifts:
				a.logger.DebugContext(ctx, "price shift",
					slog.String("pool", s.PoolAddress),
					slog.String("pair", s.Pair),
					slog.String("dex", s.Dex),
					slog.Float64("oldPrice", s.OldPrice),
					slog.Float64("newPrice", s.NewPrice),
				)
			}
		}
	})

	return engine, publisher
}

// startDetection wires the upstream feeds into the engine and starts the
// detection loop.
func (a *App) startDetection(ctx context.Context, g *errgroup.Group, deps *Dependencies, engine *solana.Engine) {
	if url := a.cfg.Solana.DetectorWSURL; url != "" {
		ws := feed.NewDetectorWS(url, a.logger)
		engine.ConnectToUpdates(ws)
		g.Go(func() error {
			return ws.Run(ctx)
		})
	} else {
		a.logger.WarnContext(ctx, "no detector websocket configured; pool state depends on EVM quotes alone")
	}

	if a.cfg.Detection.CrossChainEnabled && a.cfg.Streams.EvmQuotes != "" {
		tail := feed.NewQuoteTail(
			deps.Bus,
			a.cfg.Streams.EvmQuotes,
			engine,
			a.cfg.Streams.ReadCount,
			time.Duration(a.cfg.Streams.BlockMs)*time.Millisecond,
			a.logger,
		)
		g.Go(func() error {
			return tail.Run(ctx)
		})
	}

	interval := time.Duration(a.cfg.Detection.DetectionIntervalMs) * time.Millisecond
	g.Go(func() error {
		defer engine.Stop()
		return engine.Run(ctx, interval)
	})
}

// startSweeper runs periodic expiry sweeps over whichever stores this mode
// holds. Either target may be nil.
func (a *App) startSweeper(ctx context.Context, g *errgroup.Group, rt sweep.OpportunityCleaner, pools sweep.PoolPruner) {
	interval := time.Duration(a.cfg.Router.CleanupIntervalMs) * time.Millisecond
	sw := sweep.New(interval, a.cfg.Detection.PoolTTLMs, rt, pools, a.logger)
	g.Go(func() error {
		return sw.Run(ctx)
	})
}

// startAlertPump drains operational alerts into the notifier.
func (a *App) startAlertPump(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case alert := <-deps.Alerts:
				if err := deps.Notifier.NotifyAlert(ctx, alert); err != nil {
					a.logger.WarnContext(ctx, "alert delivery failed",
						slog.String("type", alert.Type),
						slog.Any("error", err),
					)
				}
			}
		}
	})
}

// startHTTPServer assembles the handlers for whichever components this mode
// runs and starts the control surface. rt, engine and publisher may each be
// nil; the affected endpoints then answer 501.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	rt *router.Router,
	engine *solana.Engine,
	publisher *solana.Publisher,
) {
	health := handler.NewHealthHandler(deps.Redis, a.logger)
	if deps.Postgres != nil {
		health.WithCheck("postgres", deps.Postgres.Pool().Ping)
	}
	if deps.S3 != nil {
		health.WithCheck("s3", deps.S3.Health)
	}

	status := handler.NewStatusHandler(a.cfg.Mode, deps.InstanceID, deps.Leader)

	var (
		oppSrc  handler.OpportunitySource
		poolSrc handler.PoolSource
		pubSrc  handler.PublisherSource
		fwdBrk  handler.BreakerSource
		detBrk  handler.BreakerSource
	)
	if rt != nil {
		status.WithRouter(rt)
		oppSrc = rt
		fwdBrk = rt
	}
	if engine != nil {
		status.WithEngine(engine)
		poolSrc = engine.Store()
		detBrk = engine
	}
	if publisher != nil {
		pubSrc = publisher
	}

	archiveH := handler.NewArchiveHandler(a.logger)
	if deps.Archive != nil {
		archiveH.WithForwardLog(deps.Archive)
	}
	if deps.BlobLister != nil {
		archiveH.WithBlobLister(deps.BlobLister, a.cfg.S3.Prefix)
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimitWindow: time.Duration(a.cfg.Server.RateLimitWindowMs) * time.Millisecond,
		RateLimitMax:    a.cfg.Server.RateLimitMax,
	}, server.Handlers{
		Health:        health,
		Status:        status,
		Opportunities: handler.NewOpportunityHandler(oppSrc),
		Pools:         handler.NewPoolHandler(poolSrc),
		Breaker:       handler.NewBreakerHandler(fwdBrk, detBrk),
		Publisher:     handler.NewPublisherHandler(pubSrc),
		Archive:       archiveH,
	}, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return err
		}
		return ctx.Err()
	})
}

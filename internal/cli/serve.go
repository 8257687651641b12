package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chainstream/internal/feed"
	"chainstream/internal/schedule"
	"chainstream/internal/store"
	"chainstream/internal/stream"
)

func newServeCmd(app *App) *cobra.Command {
	var immediate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the option chain engine",
		Long: `Runs the streaming engine: connects ahead of market open, keeps the
41-strike chain subscribed for every configured underlying, and fails
over between accounts and brokers when connections break.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(app.Config.Accounts) == 0 {
				return errors.New("no accounts configured; add them to credentials.toml")
			}
			return app.serve(cmd.Context(), immediate)
		},
	}

	cmd.Flags().BoolVar(&immediate, "immediate", false, "activate immediately instead of waiting for market hours")
	return cmd
}

func (a *App) serve(parent context.Context, immediate bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, closeSrc, err := a.scheduleSource()
	if err != nil {
		return err
	}
	if closeSrc != nil {
		defer closeSrc()
	}
	gate := schedule.NewGate(src, a.location())

	chainStore := store.NewChainStore(store.ChainStoreConfig{
		TTL:            a.Config.Store.TTL,
		MaxUnderlyings: a.Config.Store.MaxUnderlyings,
	})

	dialer := a.dialer()
	quotes, ok := a.primaryClient(dialer)
	if !ok {
		return errors.New("no usable account for quote fetches")
	}

	hub := stream.NewHub()
	hub.Start(ctx)
	defer hub.Stop()

	engine := feed.NewEngine(feed.EngineConfig{
		Underlyings: a.Config.Underlyings(),
		Accounts:    a.accounts(),
		BatchSize:   a.Config.Chain.BatchSize,
		ExpiryCount: a.Config.Chain.ExpiryCount,
		Manager: feed.ManagerConfig{
			Slot: feed.SlotConfig{
				HeartbeatInterval: a.Config.Failover.HeartbeatInterval,
				ConnectTimeout:    a.Config.Failover.ConnectTimeout,
				BackoffBase:       a.Config.Failover.BackoffBase,
				BackoffMax:        a.Config.Failover.BackoffMax,
				MaxRetries:        a.Config.Failover.MaxRetries,
			},
			RateLimitCooldown: a.Config.Failover.RateLimitCooldown,
			HistorySize:       a.Config.Failover.HistorySize,
		},
	}, quotes, dialer, chainStore, a.Logger, hub)

	scheduler := schedule.NewScheduler(gate, schedule.Callbacks{
		Connect:  engine.Connect,
		Activate: engine.Activate,
		Cleanup:  engine.Cleanup,
	}, a.Config.Schedule.WakePeriod, a.Config.Schedule.ConnectLead, a.Logger)

	if immediate {
		a.Logger.Info().Msg("Immediate mode: activating without market-hours gating")
		go func() {
			if err := engine.Activate(ctx); err != nil {
				a.Logger.Error().Err(err).Msg("Immediate activation failed")
			}
		}()
	} else {
		go scheduler.Run(ctx)
	}

	a.Logger.Info().
		Int("accounts", len(a.Config.Accounts)).
		Int("underlyings", len(a.Config.Chain.Underlyings)).
		Msg("Engine starting")

	err = engine.Run(ctx)
	if errors.Is(err, context.Canceled) {
		a.Logger.Info().Msg("Engine stopped")
		return nil
	}
	return err
}

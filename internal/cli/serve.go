package cli

import (
	"context"
	"os/signal"
	"syscall"

	internal_http "github.com/ignatij/leaseflow/internal/http"
	"github.com/ignatij/leaseflow/internal/presence"
	"github.com/ignatij/leaseflow/internal/transport"
	"github.com/ignatij/leaseflow/pkg/events"
	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/ignatij/leaseflow/pkg/service"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (a *App) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the expiration detector, presence tracker, recovery workers and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *App) serve(ctx context.Context) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	opts := transport.DefaultOptions()
	opts.URL = a.cfg.NATSURL
	opts.Name = "leaseflow-serve"
	conn, err := transport.Connect(opts)
	if err != nil {
		a.logger.Errorf("Failed to connect to NATS: %v", err)
		return err
	}
	defer conn.Close()

	bus := events.NewBus(256, a.Clock)
	defer bus.Close()
	a.sink = events.Multi{bus, a.metrics}
	bus.SubscribeAll(func(e events.Event) {
		a.logger.Debugf("Event %s: %v", e.Type, e.Data)
	})

	tracker := presence.NewTracker(a.Clock, a.logger, a.cfg.Presence.HeartbeatTimeout)
	if err := tracker.Subscribe(conn); err != nil {
		return err
	}
	defer tracker.Close()

	tr := transport.NewNATSTransport(conn, a.Clock, a.cfg.Issuer.DeliveryTimeout)
	services := a.services(store, tr, tracker)

	g, ctx := errgroup.WithContext(ctx)

	pool := service.NewWorkerPool(ctx, services.Recovery, a.logger, a.cfg.RecoveryTimeout)
	pool.OnResult(func(r *models.RecoveryResult) {
		if r.Status != models.CompletedRecoveryStatus {
			a.logger.Warnf("Recovery %s for peer %s ended %s", r.RecoveryID, r.PeerID, r.Status)
		}
	})
	pool.Start(a.cfg.Workers)
	defer pool.Stop()
	tracker.OnTransition(func(s service.PeerSignal) {
		if err := pool.Submit(s); err != nil {
			a.logger.Warnf("Dropped presence signal for peer %s: %v", s.PeerID, err)
		}
	})

	g.Go(func() error {
		return services.Detector.Run(ctx)
	})
	g.Go(func() error {
		return tracker.Run(ctx, a.cfg.Presence.SweepInterval)
	})
	g.Go(func() error {
		handler := internal_http.NewHandler(services.Recovery, tracker, a.logger)
		return internal_http.StartServer(ctx, a.cfg.HTTPAddr, handler, a.logger)
	})

	a.logger.Infof("leaseflow serving (http %s, nats %s, %d recovery workers)", a.cfg.HTTPAddr, a.cfg.NATSURL, a.cfg.Workers)
	return g.Wait()
}

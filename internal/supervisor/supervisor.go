// Package supervisor wires a loaded configuration into running
// listeners, a delivery worker, and the admin HTTP server, and keeps
// listeners alive across transient RPC failures.
package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"blockwatch/internal/config"
	"blockwatch/internal/ethrpc"
	"blockwatch/internal/httpapi"
	"blockwatch/internal/listener"
	"blockwatch/internal/metrics"
	"blockwatch/internal/store"
	"blockwatch/internal/worker"
)

const listenerRestartBackoff = 5 * time.Second
const safetyTickInterval = 5 * time.Second

// Supervisor owns the process-lifetime goroutines: one per configured
// network, one delivery worker loop, and the admin HTTP server.
type Supervisor struct {
	cfg     *config.Config
	store   *store.Store
	rpc     *ethrpc.Client
	metrics *metrics.Collector
	log     *zap.Logger
}

// New builds a Supervisor over an already-opened, already-migrated
// store.
func New(cfg *config.Config, st *store.Store, log *zap.Logger) *Supervisor {
	m := metrics.New()
	return &Supervisor{
		cfg:     cfg,
		store:   st,
		rpc:     ethrpc.New(),
		metrics: m,
		log:     log,
	}
}

// Run starts every listener, the delivery worker loop, and the admin
// HTTP server under one errgroup, and blocks until ctx is cancelled or
// a component fails fatally. A listener's own transient-failure
// restart loop runs inside its errgroup goroutine, so a single bad RPC
// poll never brings down the group — only an unrecoverable error from
// the admin server or the delivery loop does.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	wake := make(chan struct{}, 1)

	admin := httpapi.New(s.metrics, s.log)
	g.Go(func() error {
		return admin.ListenAndServe(gctx, s.cfg.AdminAddr)
	})

	for name, network := range s.cfg.Networks {
		name, network := name, network
		hooks := s.cfg.HooksForChain(network.ChainID)
		l := listener.New(name, network, hooks, s.rpc, s.store, wake, s.log, s.metrics)
		g.Go(func() error {
			s.superviseListener(gctx, name, l)
			return nil
		})
	}

	w := worker.New(s.store, s.cfg.Hooks, s.log, s.metrics)
	g.Go(func() error {
		return s.runDeliveryLoop(gctx, w, wake)
	})

	return g.Wait()
}

// runDeliveryLoop drains pending deliveries whenever a listener wakes
// it up, and otherwise on a fixed safety tick so nothing is ever
// missed if a wake-up is dropped.
func (s *Supervisor) runDeliveryLoop(ctx context.Context, w *worker.Worker, wake <-chan struct{}) error {
	ticker := time.NewTicker(safetyTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
			s.drain(ctx, w)
		case <-ticker.C:
			s.drain(ctx, w)
		}
	}
}

// superviseListener restarts a listener after listenerRestartBackoff
// whenever it returns a non-nil, non-cancellation error, matching the
// "log and restart" failure policy for listener crashes. It returns
// (rather than propagating an error) once ctx is cancelled, so a
// listener's own restart loop never trips the surrounding errgroup.
func (s *Supervisor) superviseListener(ctx context.Context, name string, l *listener.Listener) {
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		err := l.Run(ctx)
		if err == nil || err == context.Canceled || err == context.DeadlineExceeded {
			return
		}

		s.log.Error("listener failed, restarting", zap.String("network", name), zap.Error(err), zap.Duration("backoff", listenerRestartBackoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(listenerRestartBackoff):
		}
	}
}

// drain runs one delivery pass, logging but not propagating errors so
// a single bad pass never brings down the process.
func (s *Supervisor) drain(ctx context.Context, w *worker.Worker) {
	if err := w.Drain(ctx); err != nil {
		s.log.Error("delivery drain failed", zap.Error(err))
	}
}

// --- File: dispatchservice/service.go ---
package dispatchservice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"

	"github.com/tinywideclouds/go-push-dispatch-service/dispatchservice/config"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/dispatcher"
)

// Gateway is the lifecycle half of the delivery gateway. The dispatcher
// holds the submit/feedback half.
type Gateway interface {
	Start()
	Stop(ctx context.Context) error
}

type Wrapper struct {
	*microservice.BaseServer
	dispatcher *dispatcher.Dispatcher
	gateway    Gateway
	scheduler  *cron.Cron
	cfg        config.DispatchConfig
	logger     *slog.Logger

	// passes tracks passes started outside the scheduler (run on start).
	passes     sync.WaitGroup
	passCtx    context.Context
	cancelPass context.CancelFunc
}

// New assembles the service: health server, gateway and the periodic dispatch schedule.
func New(
	cfg *config.Config,
	d *dispatcher.Dispatcher,
	gateway Gateway,
	logger *slog.Logger,
) (*Wrapper, error) {
	if cfg.Dispatch.Interval <= 0 {
		return nil, fmt.Errorf("dispatch interval must be positive, got %s", cfg.Dispatch.Interval)
	}

	// 1. Base Server (health and readiness only)
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	passCtx, cancel := context.WithCancel(context.Background())
	w := &Wrapper{
		BaseServer: baseServer,
		dispatcher: d,
		gateway:    gateway,
		scheduler:  cron.New(),
		cfg:        cfg.Dispatch,
		logger:     logger.With("component", "DispatchService"),
		passCtx:    passCtx,
		cancelPass: cancel,
	}

	// 2. Schedule
	w.scheduler.Schedule(cron.Every(cfg.Dispatch.Interval), cron.FuncJob(w.runPass))

	return w, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.cancelPass()
	w.passCtx, w.cancelPass = context.WithCancel(ctx)

	w.gateway.Start()
	w.scheduler.Start()
	w.logger.Info("Dispatch schedule started", "interval", w.cfg.Interval.String())

	if w.cfg.RunOnStart {
		w.passes.Add(1)
		go func() {
			defer w.passes.Done()
			w.runPass()
		}()
	}

	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

// Shutdown stops scheduling, waits for a running pass, drains the gateway
// and finally stops the HTTP server. If ctx expires first the running pass
// is cancelled.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	w.SetReady(false)
	var finalErr error

	cronDone := w.scheduler.Stop()
	passesDone := make(chan struct{})
	go func() {
		<-cronDone.Done()
		w.passes.Wait()
		close(passesDone)
	}()
	select {
	case <-passesDone:
	case <-ctx.Done():
		w.logger.Warn("Dispatch pass still running at shutdown deadline; cancelling it")
		w.cancelPass()
		finalErr = ctx.Err()
	}
	w.cancelPass()

	if err := w.gateway.Stop(ctx); err != nil {
		w.logger.Error("Gateway shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}

func (w *Wrapper) runPass() {
	report := w.dispatcher.Tick(w.passCtx)
	if report.Skipped {
		w.logger.Debug("Scheduled pass skipped; previous pass still running")
	}
}

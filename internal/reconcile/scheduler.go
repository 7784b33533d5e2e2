package reconcile

import (
	"context"
	"errors"
	"time"

	"custodial-ledger-go/internal/apperror"

	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by Start on a running scheduler
var ErrAlreadyRunning = errors.New("scheduled reconciliation already running")

const scheduledTrigger = "scheduled"

// Start runs ReconcileAll on the configured frequency until Stop is called or ctx is done.
// It is a no-op when the strategy does not include scheduled reconciliation.
func (e *Engine) Start(ctx context.Context) error {
	if !e.cfg.Strategy.Scheduled() {
		zap.L().Info("Scheduled reconciliation disabled", zap.String("strategy", string(e.cfg.Strategy)))
		return nil
	}
	if e.cfg.Frequency <= 0 {
		return apperror.ConfigurationError("reconciliation frequency must be positive", nil)
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}
	e.running = true
	e.stopChan = make(chan struct{})
	e.doneChan = make(chan struct{})

	go e.loop(ctx, e.stopChan, e.doneChan)

	zap.L().Info("Scheduled reconciliation started",
		zap.Duration("frequency", e.cfg.Frequency),
		zap.Int("primary_wallets", len(e.ledger.Primaries())))
	return nil
}

// Stop ends the schedule and waits for a running cycle to finish
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.running {
		return
	}
	zap.L().Info("Stopping scheduled reconciliation")
	close(e.stopChan)
	<-e.doneChan
	e.running = false
	zap.L().Info("Scheduled reconciliation stopped")
}

func (e *Engine) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.Frequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.runCycle(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runCycle reconciles every primary wallet once. Each wallet is read-then-single-write, so a
// cycle never leaves a partial write behind even when shutdown follows it.
func (e *Engine) runCycle(ctx context.Context) {
	results, err := e.ReconcileAll(context.WithoutCancel(ctx), scheduledTrigger)
	if err != nil {
		zap.L().Error("Scheduled reconciliation failed for some primary wallets", zap.Error(err))
	}

	skipped, flagged := 0, 0
	for _, r := range results {
		if r.Skipped {
			skipped++
		}
		if r.Discrepancy != nil {
			flagged++
		}
	}
	zap.L().Debug("Scheduled reconciliation cycle done",
		zap.Int("reconciled", len(results)-skipped),
		zap.Int("skipped", skipped),
		zap.Int("discrepancies", flagged))
}

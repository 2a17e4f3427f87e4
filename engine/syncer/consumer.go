package syncer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/shopstack/recsync/engine/domain"
	"github.com/shopstack/recsync/pkg/natsutil"
)

const (
	// TriggerSubject receives sync trigger messages from external schedulers.
	TriggerSubject = "recsync.sync.trigger"
	// CompletedSubject carries run summaries after each triggered run.
	CompletedSubject = "recsync.sync.completed"
)

// Trigger is the message that starts a sync run over NATS.
type Trigger struct {
	BatchSize int  `json:"batch_size,omitempty"`
	Force     bool `json:"force_reindex,omitempty"`
}

// StartTriggerConsumer subscribes to TriggerSubject and runs one sync pass per
// message, publishing the run summary to CompletedSubject. Triggers arriving
// while a run is in flight are dropped; the scheduler retries on its own cadence.
func (o *Orchestrator) StartTriggerConsumer(nc *nats.Conn, logger *slog.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = o.logger
	}
	return natsutil.Subscribe(nc, TriggerSubject, func(ctx context.Context, trig Trigger) {
		run, err := o.RunOnce(ctx, RunOpts{BatchSize: trig.BatchSize, Force: trig.Force})
		if err != nil {
			if errors.Is(err, domain.ErrSyncInProgress) {
				logger.Info("sync trigger dropped, run in flight")
				return
			}
			logger.Error("triggered sync failed", "err", err)
			return
		}
		if err := natsutil.Publish(ctx, nc, CompletedSubject, run); err != nil {
			logger.Warn("publishing run summary failed", "sync_id", run.ID, "err", err)
		}
	})
}

// Package syncer coordinates the catalog, the embedding model, and the vector
// index: it discovers unindexed products, embeds and upserts them, and marks
// them indexed only after a confirmed write. Runs are idempotent; re-running
// after any partial failure converges both stores.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopstack/recsync/engine/catalog"
	"github.com/shopstack/recsync/engine/domain"
	"github.com/shopstack/recsync/engine/semantic"
	"github.com/shopstack/recsync/pkg/fn"
	"github.com/shopstack/recsync/pkg/metrics"
)

// RecordStore abstracts the relational catalog.
type RecordStore interface {
	FetchPending(ctx context.Context, limit int) ([]domain.Product, error)
	FetchAll(ctx context.Context, limit int) ([]domain.Product, error)
	MarkIndexed(ctx context.Context, ids []int64) (int64, error)
	TestConnection(ctx context.Context) error
	RecordRun(ctx context.Context, rec catalog.SyncRecord) error
	LastRun(ctx context.Context) (*catalog.SyncRecord, error)
}

// Embedder abstracts the embedding model runtime.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) []fn.Result[[]float32]
}

// VectorIndex abstracts the vector database.
type VectorIndex interface {
	Upsert(ctx context.Context, points []semantic.Point) ([]int64, error)
	CollectionInfo(ctx context.Context) (semantic.CollectionInfo, error)
	TestConnection(ctx context.Context) error
}

// Options configures the orchestrator.
type Options struct {
	DefaultBatchSize int
	// Metrics, when set, receives run/item counters and duration histograms.
	Metrics *metrics.Registry
}

// Orchestrator owns the sync state machine and the single-flight lease.
type Orchestrator struct {
	store  RecordStore
	embed  Embedder
	index  VectorIndex
	opts   Options
	logger *slog.Logger

	// lease guards "run in progress". Acquired at run start, released on
	// every exit path; concurrent triggers are rejected, never queued.
	lease sync.Mutex

	lastMu sync.RWMutex
	last   *Run
}

// New creates an Orchestrator.
func New(store RecordStore, embed Embedder, index VectorIndex, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultBatchSize <= 0 {
		opts.DefaultBatchSize = 100
	}
	return &Orchestrator{
		store:  store,
		embed:  embed,
		index:  index,
		opts:   opts,
		logger: logger,
	}
}

// RunOpts are the per-trigger inputs.
type RunOpts struct {
	BatchSize int
	Force     bool
}

// embedItem pairs a product with its computed vector.
type embedItem struct {
	product domain.Product
	vector  []float32
}

// pass is the value threaded through the pipeline stages.
type pass struct {
	run      *Run
	products []domain.Product
	items    []embedItem
	upserted []int64
}

// RunOnce executes one sync pass over one batch. Concurrent calls while a run
// is in flight fail with domain.ErrSyncInProgress. The returned Run is always
// populated once the initial fetch has succeeded, even when every item failed;
// only a fetch failure (or rejected/invalid trigger) yields a non-nil error.
func (o *Orchestrator) RunOnce(ctx context.Context, opts RunOpts) (Run, error) {
	if opts.BatchSize == 0 {
		opts.BatchSize = o.opts.DefaultBatchSize
	}
	if err := domain.ValidateBatchSize(opts.BatchSize); err != nil {
		return Run{}, err
	}

	if !o.lease.TryLock() {
		return Run{}, domain.ErrSyncInProgress
	}
	defer o.lease.Unlock()

	run := &Run{
		ID:        uuid.NewString(),
		State:     StateIdle,
		BatchSize: opts.BatchSize,
		Force:     opts.Force,
		StartedAt: time.Now(),
	}
	o.logger.Info("sync run starting", "sync_id", run.ID, "batch_size", opts.BatchSize, "force", opts.Force)

	pipeline := fn.Then(
		fn.Then(
			fn.Then(
				fn.TracedStage("sync.fetch", o.fetchStage),
				fn.TracedStage("sync.embed", o.embedStage),
			),
			fn.TracedStage("sync.upsert", o.upsertStage),
		),
		fn.TracedStage("sync.mark", o.markStage),
	)

	result := pipeline(ctx, pass{run: run})
	if result.IsErr() {
		_, err := result.Unwrap()
		run.LastError = err.Error()
		run.finalize(StateFailed, time.Now())
		o.logger.Error("sync run failed", "sync_id", run.ID, "state", run.State, "err", err)
		o.finish(ctx, run)
		// A failed fetch means nothing was processed; surface the error.
		// Later-stage failures still return the summary.
		if run.Candidates == 0 && run.Marked == 0 && run.Failed == 0 {
			return *run, err
		}
		return *run, nil
	}

	run.finalize(StateCompleted, time.Now())
	o.logger.Info("sync run completed",
		"sync_id", run.ID,
		"candidates", run.Candidates,
		"marked", run.Marked,
		"failed", run.Failed,
		"duration", run.Duration,
	)
	o.finish(ctx, run)
	return *run, nil
}

func (o *Orchestrator) fetchStage(ctx context.Context, p pass) fn.Result[pass] {
	p.run.State = StateFetching

	var (
		products []domain.Product
		err      error
	)
	if p.run.Force {
		products, err = o.store.FetchAll(ctx, p.run.BatchSize)
	} else {
		products, err = o.store.FetchPending(ctx, p.run.BatchSize)
	}
	if err != nil {
		return fn.Err[pass](fmt.Errorf("fetch candidates: %w", err))
	}

	p.run.Candidates = len(products)
	p.products = products
	return fn.Ok(p)
}

func (o *Orchestrator) embedStage(ctx context.Context, p pass) fn.Result[pass] {
	if len(p.products) == 0 {
		// Nothing pending; the run completes as a no-op.
		return fn.Ok(p)
	}
	if err := ctx.Err(); err != nil {
		return fn.Err[pass](err)
	}
	p.run.State = StateEmbedding

	texts := fn.Map(p.products, domain.Product.EmbeddingText)
	results := o.embed.EmbedBatch(ctx, texts)

	for i, r := range results {
		vec, err := r.Unwrap()
		if err != nil {
			// Skip the item, keep the batch going.
			p.run.Failed++
			p.run.addError(fmt.Sprintf("embed product %d: %v", p.products[i].ID, err))
			o.logger.Warn("embedding failed", "sync_id", p.run.ID, "product_id", p.products[i].ID, "err", err)
			continue
		}
		p.items = append(p.items, embedItem{product: p.products[i], vector: vec})
	}
	p.run.Embedded = len(p.items)
	return fn.Ok(p)
}

func (o *Orchestrator) upsertStage(ctx context.Context, p pass) fn.Result[pass] {
	if len(p.items) == 0 {
		return fn.Ok(p)
	}
	if err := ctx.Err(); err != nil {
		return fn.Err[pass](err)
	}
	p.run.State = StateUpserting

	points := fn.Map(p.items, func(it embedItem) semantic.Point {
		return semantic.Point{
			ID:      it.product.ID,
			Vector:  it.vector,
			Payload: it.product.Payload(),
		}
	})

	failedIDs, err := o.index.Upsert(ctx, points)
	if err != nil {
		return fn.Err[pass](fmt.Errorf("upsert vectors: %w", err))
	}

	failed := make(map[int64]bool, len(failedIDs))
	for _, id := range failedIDs {
		failed[id] = true
		p.run.Failed++
		p.run.addError(fmt.Sprintf("upsert product %d failed", id))
	}
	// Only confirmed writes proceed to the indexed-status write-back.
	p.upserted = fn.FilterMap(p.items, func(it embedItem) (int64, bool) {
		return it.product.ID, !failed[it.product.ID]
	})
	p.run.Upserted = len(p.upserted)
	return fn.Ok(p)
}

func (o *Orchestrator) markStage(ctx context.Context, p pass) fn.Result[pass] {
	if len(p.upserted) == 0 {
		return fn.Ok(p)
	}
	if err := ctx.Err(); err != nil {
		return fn.Err[pass](err)
	}
	p.run.State = StateMarking

	// If this write fails, the upserted vectors stay ahead of the catalog
	// flag; the next run re-embeds and overwrites them, then marks. No
	// rollback is attempted.
	n, err := o.store.MarkIndexed(ctx, p.upserted)
	if err != nil {
		return fn.Err[pass](fmt.Errorf("mark indexed: %w", err))
	}
	p.run.Marked = len(p.upserted)
	if n < int64(len(p.upserted)) {
		o.logger.Info("some ids were already marked", "sync_id", p.run.ID, "requested", len(p.upserted), "updated", n)
	}
	return fn.Ok(p)
}

// finish stores the run as the latest summary and appends it to sync_history.
func (o *Orchestrator) finish(ctx context.Context, run *Run) {
	o.lastMu.Lock()
	o.last = run
	o.lastMu.Unlock()

	completed := run.StartedAt
	if run.CompletedAt != nil {
		completed = *run.CompletedAt
	}
	rec := catalog.SyncRecord{
		SyncID:      run.ID,
		StartedAt:   run.StartedAt,
		CompletedAt: completed,
		Duration:    run.Duration,
		Total:       run.Candidates,
		Processed:   run.Marked,
		Failed:      run.Failed,
		Status:      run.historyStatus(),
	}
	if err := o.store.RecordRun(ctx, rec); err != nil {
		// History is best-effort; the in-memory summary is authoritative.
		o.logger.Warn("recording sync history failed", "sync_id", run.ID, "err", err)
	}
	o.observe(run)
}

// LastRun returns the most recent run summary, or nil before the first run.
func (o *Orchestrator) LastRun() *Run {
	o.lastMu.RLock()
	defer o.lastMu.RUnlock()
	return o.last
}

// Status reports the last run and current connectivity of both stores.
// Read-only; never mutates either store.
type Status struct {
	LastRun        *Run                    `json:"last_run,omitempty"`
	History        *catalog.SyncRecord     `json:"last_recorded,omitempty"`
	DatabaseOK     bool                    `json:"database_status"`
	VectorIndexOK  bool                    `json:"qdrant_status"`
	CollectionInfo semantic.CollectionInfo `json:"collection_info"`
}

// Status gathers the last run summary, store connectivity, and collection info.
func (o *Orchestrator) Status(ctx context.Context) Status {
	st := Status{LastRun: o.LastRun()}

	st.DatabaseOK = o.store.TestConnection(ctx) == nil
	if info, err := o.index.CollectionInfo(ctx); err == nil {
		st.VectorIndexOK = true
		st.CollectionInfo = info
	} else {
		o.logger.Warn("collection info unavailable", "err", err)
	}
	if st.DatabaseOK {
		if rec, err := o.store.LastRun(ctx); err == nil {
			st.History = rec
		}
	}
	return st
}

// ConnCheck is the result of probing both stores.
type ConnCheck struct {
	PostgresOK      bool   `json:"postgres_status"`
	QdrantOK        bool   `json:"qdrant_status"`
	PostgresMessage string `json:"postgres_message"`
	QdrantMessage   string `json:"qdrant_message"`
}

// TestConnections probes both adapters. Used by the admin surface only.
func (o *Orchestrator) TestConnections(ctx context.Context) ConnCheck {
	check := ConnCheck{PostgresOK: true, QdrantOK: true,
		PostgresMessage: "postgres connection successful",
		QdrantMessage:   "qdrant connection successful",
	}
	if err := o.store.TestConnection(ctx); err != nil {
		check.PostgresOK = false
		check.PostgresMessage = err.Error()
	}
	if err := o.index.TestConnection(ctx); err != nil {
		check.QdrantOK = false
		check.QdrantMessage = err.Error()
	}
	return check
}

// observe records run outcome metrics when a registry is configured.
func (o *Orchestrator) observe(run *Run) {
	reg := o.opts.Metrics
	if reg == nil {
		return
	}
	reg.Counter(metrics.WithLabels("recsync_sync_runs_total", "status", run.historyStatus()),
		"Sync runs by outcome.").Inc()
	reg.Counter(metrics.WithLabels("recsync_sync_items_total", "outcome", "marked"),
		"Sync items by outcome.").Add(int64(run.Marked))
	reg.Counter(metrics.WithLabels("recsync_sync_items_total", "outcome", "failed"), "").Add(int64(run.Failed))
	reg.Histogram("recsync_sync_duration_seconds", "Sync run duration.", nil).Observe(run.Duration)
}

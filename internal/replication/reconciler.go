package replication

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ossgate/ossgate/internal/catalog"
	"github.com/ossgate/ossgate/internal/taskqueue"
)

// Report summarizes one reconciliation pass.
type Report struct {
	Buckets    int
	Replicated int
	Deleted    int
	// Skipped counts divergent keys that already had a task queued.
	Skipped int
}

// Reconciler periodically compares each backed-up bucket with its backup
// and queues tasks for keys that are missing, stale or orphaned in the
// mirror.
type Reconciler struct {
	store      catalog.Store
	dispatcher *Dispatcher
	interval   time.Duration
}

// NewReconciler creates a Reconciler running every interval.
func NewReconciler(store catalog.Store, d *Dispatcher, interval time.Duration) *Reconciler {
	return &Reconciler{store: store, dispatcher: d, interval: interval}
}

// Run reconciles every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger := zerolog.Ctx(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.ReconcileOnce(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("Replication reconcile failed")
				continue
			}
			if report.Replicated > 0 || report.Deleted > 0 {
				logger.Info().
					Int("buckets", report.Buckets).
					Int("replicated", report.Replicated).
					Int("deleted", report.Deleted).
					Int("skipped", report.Skipped).
					Msg("Replication reconcile queued repairs")
			}
		}
	}
}

// mirrorKey identifies an object across a bucket and its backup. Version
// ids are assigned per backend and cannot be compared.
type mirrorKey struct {
	owner string
	key   string
}

// ReconcileOnce performs a single pass over all backed-up buckets.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Report, error) {
	var report Report
	buckets, err := r.store.ListBackedUpBuckets(ctx)
	if err != nil {
		return report, err
	}
	for i := range buckets {
		if err := r.reconcile(ctx, &buckets[i], &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// ReconcileBucket queues repairs for a single source bucket. It is called
// right after backup is enabled so existing objects are mirrored without
// waiting for the next pass.
func (r *Reconciler) ReconcileBucket(ctx context.Context, src *catalog.BucketRecord) (Report, error) {
	var report Report
	err := r.reconcile(ctx, src, &report)
	return report, err
}

func (r *Reconciler) reconcile(ctx context.Context, src *catalog.BucketRecord, report *Report) error {
	backup, err := r.store.GetBackupBucket(ctx, src.ID)
	if err != nil || backup == nil {
		return err
	}
	report.Buckets++

	srcObjects, err := r.store.ListAllObjects(ctx, src.ID)
	if err != nil {
		return err
	}
	dstObjects, err := r.store.ListAllObjects(ctx, backup.ID)
	if err != nil {
		return err
	}

	mirrored := make(map[mirrorKey]string, len(dstObjects))
	for _, o := range dstObjects {
		mirrored[mirrorKey{o.Owner, o.Key}] = o.MD5
	}
	sourceKeys := make(map[string]bool, len(srcObjects))
	for _, o := range srcObjects {
		sourceKeys[o.Key] = true
		md5, ok := mirrored[mirrorKey{o.Owner, o.Key}]
		if ok && md5 == o.MD5 {
			continue
		}
		report.record(ctx, &report.Replicated, r.dispatcher.enqueueObject(ctx, src.ID, o.ID))
	}

	orphaned := make(map[string]bool)
	for _, o := range dstObjects {
		if !sourceKeys[o.Key] && !orphaned[o.Key] {
			orphaned[o.Key] = true
			report.record(ctx, &report.Deleted, r.dispatcher.enqueueDelete(ctx, src.ID, o.Key))
		}
	}
	return nil
}

func (rep *Report) record(ctx context.Context, counter *int, err error) {
	switch {
	case err == nil:
		*counter++
	case errors.Is(err, taskqueue.ErrDuplicate):
		rep.Skipped++
	default:
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to enqueue reconcile task")
	}
}

// Package analysisqueue runs interaction analysis off the request path. The
// queue is bounded and sheds load instead of blocking callers: an interaction
// that cannot be enqueued is dropped with an error the caller can surface.
package analysisqueue

import (
	"context"

	apperrors "github.com/hikmahlabs/hikmah-backend/internal/pkg/errors"
	"github.com/hikmahlabs/hikmah-backend/internal/platform/logger"
	"github.com/hikmahlabs/hikmah-backend/internal/services"
	"github.com/hikmahlabs/hikmah-backend/internal/utils"
	"golang.org/x/sync/semaphore"
)

const (
	defaultQueueDepth = 64
	defaultWorkers    = 4
)

type Queue struct {
	analyzer *services.InteractionAnalyzer
	tasks    chan services.AnalyzeRequest
	workers  int64
	log      *logger.Logger
	done     chan struct{}
}

func New(analyzer *services.InteractionAnalyzer, baseLog *logger.Logger) *Queue {
	log := baseLog.With("job", "AnalysisQueue")
	depth := utils.GetEnvAsInt("MEMORY_ANALYSIS_QUEUE_DEPTH", defaultQueueDepth, log)
	if depth < 1 {
		depth = defaultQueueDepth
	}
	workers := utils.GetEnvAsInt("MEMORY_ANALYSIS_WORKERS", defaultWorkers, log)
	if workers < 1 {
		workers = defaultWorkers
	}
	return &Queue{
		analyzer: analyzer,
		tasks:    make(chan services.AnalyzeRequest, depth),
		workers:  int64(workers),
		log:      log,
		done:     make(chan struct{}),
	}
}

// Enqueue hands an interaction to the queue without blocking. A full queue
// returns ErrQueueFull; the interaction is not retried here because the
// caller owns the decision to drop or resubmit.
func (q *Queue) Enqueue(req services.AnalyzeRequest) error {
	select {
	case q.tasks <- req:
		return nil
	default:
		q.log.Warn("Analysis queue full, dropping interaction",
			"user_id", req.UserID,
			"interaction_type", string(req.Kind),
		)
		return apperrors.ErrQueueFull
	}
}

// Start launches the dispatcher. It returns immediately; the dispatcher runs
// until ctx is cancelled, then waits for in-flight analyses to finish before
// closing Done.
func (q *Queue) Start(ctx context.Context) {
	go q.run(ctx)
}

// Done closes once the dispatcher and all in-flight analyses have finished.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	sem := semaphore.NewWeighted(q.workers)
	q.log.Info("Analysis queue started", "workers", q.workers, "depth", cap(q.tasks))

	for {
		select {
		case <-ctx.Done():
			// Acquiring the full weight waits out every in-flight worker.
			_ = sem.Acquire(context.Background(), q.workers)
			q.log.Info("Analysis queue stopped", "pending", len(q.tasks))
			return
		case req := <-q.tasks:
			if err := sem.Acquire(ctx, 1); err != nil {
				_ = sem.Acquire(context.Background(), q.workers)
				q.log.Info("Analysis queue stopped", "pending", len(q.tasks)+1)
				return
			}
			go func(req services.AnalyzeRequest) {
				defer sem.Release(1)
				if _, err := q.analyzer.AnalyzeInteraction(ctx, req); err != nil {
					// The analyzer already recorded a failed event; the queue
					// only logs so one bad interaction cannot stall the rest.
					q.log.Error("Background interaction analysis failed",
						"user_id", req.UserID,
						"interaction_type", string(req.Kind),
						"error", err,
					)
				}
			}(req)
		}
	}
}

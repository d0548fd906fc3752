package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WorkerConfig configures a Worker. Zero values take the package defaults.
type WorkerConfig struct {
	ID           string
	Queue        Queue
	PollInterval time.Duration
	Concurrency  int
	// HeartbeatInterval is how often a running task's claim is renewed.
	// Zero disables heartbeats.
	HeartbeatInterval time.Duration
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// Worker runs a fixed number of polling loops against a Queue. Each loop
// claims one task at a time and drains the queue before sleeping again.
type Worker struct {
	cfg      WorkerConfig
	handlers map[TaskType]Handler
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	loops  sync.WaitGroup
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Worker{
		cfg:      cfg,
		handlers: make(map[TaskType]Handler),
		logger:   logger.With().Str("component", "taskqueue").Str("worker_id", cfg.ID).Logger(),
	}
}

// RegisterHandler routes h.Type() tasks to h. Call it before Start.
func (w *Worker) RegisterHandler(h Handler) {
	if h == nil {
		return
	}
	w.handlers[h.Type()] = h
	w.logger.Debug().Str("type", string(h.Type())).Msg("Registered task handler")
}

// HandlerTypes lists the task types this worker claims.
func (w *Worker) HandlerTypes() []TaskType {
	types := make([]TaskType, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	return types
}

// Start launches the polling loops and returns. They exit when ctx is done
// or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	types := w.HandlerTypes()
	if len(types) == 0 {
		w.logger.Warn().Msg("Task worker started with no handlers")
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(w.logger.WithContext(ctx))

	w.logger.Info().Int("concurrency", w.cfg.Concurrency).Int("handlers", len(types)).Msg("Task worker starting")
	for range w.cfg.Concurrency {
		w.loops.Add(1)
		go w.poll(ctx, types)
	}
}

// Stop ends the polling loops and waits for in-flight tasks. Their handlers see
// a cancelled context; the outcome is still written back to the queue.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	w.loops.Wait()
	w.logger.Info().Msg("Task worker stopped")
}

func (w *Worker) poll(ctx context.Context, types []TaskType) {
	defer w.loops.Done()
	workersActive.Inc()
	defer workersActive.Dec()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for ctx.Err() == nil {
			task := w.claim(ctx, types)
			if task == nil {
				break
			}
			w.execute(ctx, task)
		}
	}
}

// claim returns the next due task, or nil when there is none or the queue
// could not be read.
func (w *Worker) claim(ctx context.Context, types []TaskType) *Task {
	task, err := w.cfg.Queue.Dequeue(ctx, w.cfg.ID, types...)
	if err != nil && ctx.Err() == nil {
		dequeueErrors.Inc()
		w.logger.Error().Err(err).Msg("Dequeue failed")
	}
	return task
}

func (w *Worker) execute(ctx context.Context, task *Task) {
	logger := w.logger.With().
		Str("task_id", task.ID).
		Str("type", string(task.Type)).
		Int("attempt", task.Attempts).
		Logger()

	var (
		err   error
		start = time.Now()
	)
	if h, ok := w.handlers[task.Type]; ok {
		err = w.handle(logger.WithContext(ctx), h, task)
		taskProcessingDuration.WithLabelValues(string(task.Type)).Observe(time.Since(start).Seconds())
	} else {
		err = errors.New("no handler registered")
		tasksProcessedTotal.WithLabelValues(string(task.Type), "no_handler").Inc()
	}
	w.settle(context.WithoutCancel(ctx), logger, task, err, time.Since(start))
}

// settle records the outcome of one attempt in the queue.
func (w *Worker) settle(ctx context.Context, logger zerolog.Logger, task *Task, runErr error, took time.Duration) {
	if runErr == nil {
		if err := w.cfg.Queue.Complete(ctx, task.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to mark task completed")
			return
		}
		tasksProcessedTotal.WithLabelValues(string(task.Type), string(StatusCompleted)).Inc()
		logger.Debug().Dur("duration", took).Msg("Task completed")
		return
	}

	status, err := w.cfg.Queue.Fail(ctx, task.ID, runErr)
	if err != nil {
		logger.Error().Err(err).AnErr("cause", runErr).Msg("Failed to record task failure")
		return
	}
	if status == StatusDeadLetter {
		tasksProcessedTotal.WithLabelValues(string(task.Type), string(StatusDeadLetter)).Inc()
		logger.Error().Err(runErr).Msg("Task moved to dead letter")
		return
	}
	tasksProcessedTotal.WithLabelValues(string(task.Type), "retry").Inc()
	logger.Warn().Err(runErr).Msg("Task failed, will retry")
}

// handle runs h, renewing the task's claim every heartbeat interval until it
// returns.
func (w *Worker) handle(ctx context.Context, h Handler, task *Task) error {
	if w.cfg.HeartbeatInterval <= 0 {
		return h.Handle(ctx, task)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hb sync.WaitGroup
	hb.Go(func() {
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.cfg.Queue.Heartbeat(hbCtx, task.ID, w.cfg.ID); err != nil && hbCtx.Err() == nil {
					zerolog.Ctx(ctx).Warn().Err(err).Msg("Task heartbeat failed")
				}
			}
		}
	})

	err := h.Handle(ctx, task)
	stopHeartbeat()
	hb.Wait()
	return err
}

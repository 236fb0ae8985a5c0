package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/caseflow/internal/observability"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
	"github.com/spec-kit/caseflow/pkg/retry"
)

// QueueConfig tunes the worker pool.
type QueueConfig struct {
	Workers        int
	QueueSize      int
	AttemptTimeout time.Duration
	Backoff        retry.BackoffConfig
}

// DefaultQueueConfig mirrors the default dispatch retry policy.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers:        2,
		QueueSize:      256,
		AttemptTimeout: 10 * time.Second,
		Backoff:        retry.DefaultBackoffConfig(),
	}
}

// Queue runs sends on a worker pool with per-attempt timeouts and bounded
// backoff. Callers never wait for delivery.
type Queue struct {
	sender  Sender
	logger  *zap.Logger
	metrics *observability.Metrics
	cfg     QueueConfig

	mu       sync.RWMutex
	closed   bool
	jobs     chan Message
	wg       sync.WaitGroup
	recorder Recorder
}

// NewQueue constructs a queue; Start launches the workers.
func NewQueue(sender Sender, logger *zap.Logger, metrics *observability.Metrics, cfg QueueConfig) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultQueueConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaults.AttemptTimeout
	}
	if cfg.Backoff.InitialInterval <= 0 {
		cfg.Backoff = defaults.Backoff
	}
	return &Queue{
		sender:  sender,
		logger:  logger.Named("dispatch"),
		metrics: metrics,
		cfg:     cfg,
		jobs:    make(chan Message, cfg.QueueSize),
	}
}

// Start launches the workers. Outcomes are written through recorder.
func (q *Queue) Start(ctx context.Context, recorder Recorder) {
	q.recorder = recorder
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go func(id int) {
			defer q.wg.Done()
			q.logger.Debug("dispatch worker started", zap.Int("worker", id))
			for msg := range q.jobs {
				q.metrics.SetDispatchQueueDepth(len(q.jobs))
				q.Deliver(ctx, msg)
			}
		}(i)
	}
	q.logger.Info("dispatch queue started",
		zap.String("sender", q.sender.Name()),
		zap.Int("workers", q.cfg.Workers),
		zap.Int("queue_size", q.cfg.QueueSize))
}

// Enqueue schedules msg without blocking. A full queue is reported as an
// external dependency failure.
func (q *Queue) Enqueue(_ context.Context, msg Message) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- msg:
		q.metrics.SetDispatchQueueDepth(len(q.jobs))
		return nil
	default:
		return apperrors.NewExternalDependency("dispatch", errors.New("dispatch queue full"))
	}
}

// Close stops intake and waits for queued messages to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
}

// Deliver sends one message with retries and records the outcome.
func (q *Queue) Deliver(ctx context.Context, msg Message) {
	logger := q.logger.With(
		zap.String("case_id", msg.CaseID),
		zap.String("dispatch_id", msg.ID),
		zap.String("recipient", msg.Recipient))

	var receipt Receipt
	err := retry.Do(ctx, q.cfg.Backoff, func(attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
		defer cancel()

		r, err := q.sender.Send(attemptCtx, msg)
		if err != nil {
			logger.Warn("dispatch attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
			if errors.Is(err, apperrors.ErrValidation) {
				return retry.Stop(err)
			}
			return err
		}
		receipt = r
		return nil
	})

	if q.recorder == nil {
		return
	}
	if err != nil {
		q.metrics.RecordDispatch("failed")
		logger.Error("dispatch gave up", zap.Error(err))
		if recErr := q.recorder.MarkCommunicationFailed(ctx, msg, err); recErr != nil {
			logger.Error("record dispatch failure", zap.Error(recErr))
		}
		return
	}

	if receipt.ProviderMessageID == "" {
		receipt.ProviderMessageID = msg.MessageID
	}
	if receipt.SentAt.IsZero() {
		receipt.SentAt = time.Now().UTC()
	}
	q.metrics.RecordDispatch("sent")
	logger.Info("dispatch delivered", zap.String("provider_message_id", receipt.ProviderMessageID))
	recErr := retry.Do(ctx, q.cfg.Backoff, func(int) error {
		err := q.recorder.RecordOutbound(ctx, msg, receipt)
		if errors.Is(err, apperrors.ErrNotFound) {
			return retry.Stop(err)
		}
		return err
	})
	if recErr == nil {
		return
	}
	logger.Error("record outbound entry", zap.Error(fmt.Errorf("case %s: %w", msg.CaseID, recErr)))
	cause := fmt.Errorf("sent as %s but not recorded: %w", receipt.ProviderMessageID, recErr)
	if flagErr := q.recorder.MarkCommunicationFailed(ctx, msg, cause); flagErr != nil {
		logger.Error("record dispatch failure", zap.Error(flagErr))
	}
}

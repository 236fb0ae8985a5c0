package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/caseflow/internal/domain"
	"github.com/spec-kit/caseflow/internal/ingest"
	"github.com/spec-kit/caseflow/internal/repository"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

// Ingester processes one normalized inbound message.
type Ingester interface {
	Ingest(ctx context.Context, msg domain.InboundMessage) (ingest.Result, error)
}

// SkipRecorder stores messages that were dropped before matching.
type SkipRecorder interface {
	RecordSkip(ctx context.Context, record repository.SkipRecord) error
}

// PollerDependencies wires the inbound poller.
type PollerDependencies struct {
	Source    ingest.Source
	Cursors   repository.CursorStore
	Skips     SkipRecorder
	Ingester  Ingester
	Logger    *zap.Logger
	Interval  time.Duration
	BatchSize int
	Clock     func() time.Time
}

// Poller feeds a source into the matcher and advances the persisted cursor
// after every message, so a restart resumes where it stopped.
type Poller struct {
	source   ingest.Source
	cursors  repository.CursorStore
	skips    SkipRecorder
	ingester Ingester
	logger   *zap.Logger
	interval time.Duration
	batch    int
	now      func() time.Time
}

// NewPoller constructs a poller.
func NewPoller(deps PollerDependencies) *Poller {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := deps.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = 50
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Poller{
		source:   deps.Source,
		cursors:  deps.Cursors,
		skips:    deps.Skips,
		ingester: deps.Ingester,
		logger:   logger.Named("poller").With(zap.String("source", deps.Source.Name())),
		interval: interval,
		batch:    batch,
		now:      now,
	}
}

// Run polls until ctx ends. A source implementing ingest.Waker shortens the
// wait when new input arrives.
func (p *Poller) Run(ctx context.Context) {
	var wake <-chan struct{}
	if waker, ok := p.source.(ingest.Waker); ok {
		wake = waker.Wake()
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("inbound poller started", zap.Duration("interval", p.interval))
	for {
		if _, err := p.PollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			p.logger.Info("inbound poller stopped")
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// PollOnce drains batches until the source is empty and returns how many
// messages were processed. Messages that cannot be normalized or fail
// validation are recorded as skips and passed over; any other failure stops
// the pass with the cursor still pointing before the failed message.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	name := p.source.Name()
	cursor, err := p.cursors.LoadCursor(ctx, name)
	if err != nil {
		return 0, err
	}

	processed := 0
	for {
		batch, err := p.source.Fetch(ctx, cursor, p.batch)
		if err != nil && len(batch) == 0 {
			return processed, err
		}
		for _, item := range batch {
			if err := p.process(ctx, item); err != nil {
				return processed, err
			}
			if err := p.cursors.SaveCursor(ctx, name, item.Cursor); err != nil {
				return processed, err
			}
			cursor = item.Cursor
			processed++
		}
		if err != nil {
			return processed, err
		}
		if len(batch) < p.batch {
			return processed, nil
		}
	}
}

func (p *Poller) process(ctx context.Context, item ingest.Fetched) error {
	if item.Err != nil {
		return p.skip(ctx, item, item.Err)
	}
	result, err := p.ingester.Ingest(ctx, item.Message)
	if errors.Is(err, apperrors.ErrValidation) {
		return p.skip(ctx, item, err)
	}
	if err != nil {
		return err
	}
	p.logger.Debug("inbound message processed",
		zap.String("cursor", item.Cursor),
		zap.String("outcome", string(result.Outcome)),
		zap.String("case_number", result.CaseNumber))
	return nil
}

func (p *Poller) skip(ctx context.Context, item ingest.Fetched, cause error) error {
	p.logger.Warn("inbound message skipped", zap.String("cursor", item.Cursor), zap.Error(cause))
	if p.skips == nil {
		return nil
	}
	externalID := item.Message.ExternalMessageID
	if externalID == "" {
		externalID = "cursor:" + item.Cursor
	}
	return p.skips.RecordSkip(ctx, repository.SkipRecord{
		ExternalMessageID: externalID,
		SenderAddress:     item.Message.SenderAddress,
		Subject:           item.Message.Subject,
		Reason:            cause.Error(),
		RecordedAt:        p.now(),
	})
}

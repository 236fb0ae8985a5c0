package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/caseflow/internal/domain"
	"github.com/spec-kit/caseflow/internal/events"
	"github.com/spec-kit/caseflow/internal/sla"
)

type recordingHandler struct {
	mu     sync.Mutex
	ids    []string
	depths []int
	block  chan struct{}
}

func (h *recordingHandler) Handle(ctx context.Context, event events.Event) error {
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = append(h.ids, event.EventID())
	h.depths = append(h.depths, events.Depth(ctx))
	return nil
}

func (h *recordingHandler) snapshot() ([]string, []int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ids...), append([]int(nil), h.depths...)
}

func createdEvent(id string) events.Event {
	return events.NewCaseCreated(&domain.Case{ID: id, CreatedAt: time.Now()})
}

func TestWorkflowWorkerPreservesOrderAndDepth(t *testing.T) {
	dispatcher := events.NewInMemoryDispatcher()
	handler := &recordingHandler{}
	stop := StartWorkflowWorker(context.Background(), dispatcher, handler, 8, nil)

	require.NoError(t, dispatcher.Publish(context.Background(), createdEvent("a")))
	require.NoError(t, dispatcher.Publish(events.WithDepth(context.Background(), 2), createdEvent("b")))
	stop()

	ids, depths := handler.snapshot()
	assert.Equal(t, []string{"case-created:a", "case-created:b"}, ids)
	assert.Equal(t, []int{0, 2}, depths)
}

func TestWorkflowWorkerHandlesInlineWhenFull(t *testing.T) {
	handler := &recordingHandler{block: make(chan struct{})}
	w := NewWorkflowWorker(handler, 1, nil)

	require.NoError(t, w.Submit(context.Background(), createdEvent("queued")))
	close(handler.block)
	require.NoError(t, w.Submit(context.Background(), createdEvent("inline")))

	ids, _ := handler.snapshot()
	assert.Equal(t, []string{"case-created:inline"}, ids)

	w.Start(context.Background())
	w.Close()
	ids, _ = handler.snapshot()
	assert.Equal(t, []string{"case-created:inline", "case-created:queued"}, ids)

	require.NoError(t, w.Submit(context.Background(), createdEvent("after-close")))
	ids, _ = handler.snapshot()
	assert.Len(t, ids, 3)
}

func TestStartWorkflowWorkerInline(t *testing.T) {
	dispatcher := events.NewInMemoryDispatcher()
	handler := &recordingHandler{}
	stop := StartWorkflowWorker(context.Background(), dispatcher, handler, 0, nil)
	defer stop()

	require.NoError(t, dispatcher.Publish(context.Background(), createdEvent("a")))
	ids, _ := handler.snapshot()
	assert.Equal(t, []string{"case-created:a"}, ids)
}

type countingJobs struct {
	sweeps int
	closes int
}

func (c *countingJobs) Sweep(context.Context, time.Time) (sla.SweepResult, error) {
	c.sweeps++
	return sla.SweepResult{Scanned: 1}, nil
}

func (c *countingJobs) AutoClose(context.Context, time.Time) (int, error) {
	c.closes++
	return 0, nil
}

func TestSchedulerTickRunsBothJobs(t *testing.T) {
	jobs := &countingJobs{}
	NewScheduler(jobs, jobs, time.Minute, nil).Tick(context.Background())
	assert.Equal(t, 1, jobs.sweeps)
	assert.Equal(t, 1, jobs.closes)

	NewScheduler(nil, jobs, time.Minute, nil).Tick(context.Background())
	assert.Equal(t, 1, jobs.sweeps)
	assert.Equal(t, 2, jobs.closes)
}

package mailbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/harun/chatstate/internal/observability"
	"github.com/harun/chatstate/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrQueueFull is returned when a lane already holds MaxQueueSize tasks.
	ErrQueueFull = errors.New("mailbox lane is full")

	// ErrClosed is returned for tasks posted after Close.
	ErrClosed = errors.New("mailbox closed")
)

const defaultMaxQueueSize = 256

// Task is one unit of work delivered to a lane.
type Task func(ctx context.Context) (interface{}, error)

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	queue   []*taskRecord
	running bool
}

// Mailbox runs tasks one at a time per lane, in the order they were posted.
// Different lanes run independently.
type Mailbox struct {
	mu           sync.Mutex
	lanes        map[string]*laneState
	taskIDSeq    uint64
	maxQueueSize int
	closed       bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

// New creates a mailbox. maxQueueSize <= 0 selects the default.
func New(maxQueueSize int, logger zerolog.Logger) *Mailbox {
	observability.EnsureRegistered()

	if maxQueueSize <= 0 {
		maxQueueSize = defaultMaxQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Mailbox{
		lanes:        make(map[string]*laneState),
		maxQueueSize: maxQueueSize,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.With().Str("component", "mailbox").Logger(),
	}
}

// Post queues task on lane and returns without waiting for it to run.
func (m *Mailbox) Post(ctx context.Context, lane string, task Task) error {
	_, err := m.push(ctx, lane, task, true)
	return err
}

// PostFollowUp queues task on lane without applying the lane limit. It is
// meant for a task that continues work already admitted to the lane, which
// must not be refused once the work has started.
func (m *Mailbox) PostFollowUp(ctx context.Context, lane string, task Task) error {
	_, err := m.push(ctx, lane, task, false)
	return err
}

// Enqueue queues task on lane and waits for its result. If ctx ends first
// the task still runs; only the wait is abandoned.
func (m *Mailbox) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	ctx, span := tracing.StartSpan(ctx, "chatstate.mailbox", "mailbox.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	record, err := m.push(ctx, lane, task, true)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	select {
	case res := <-record.result:
		if res.err != nil {
			tracing.RecordError(span, res.err)
		}
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Mailbox) push(ctx context.Context, lane string, task Task, bounded bool) (*taskRecord, error) {
	if task == nil {
		return nil, fmt.Errorf("task is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}

	ls, ok := m.lanes[lane]
	if !ok {
		ls = &laneState{}
		m.lanes[lane] = ls
	}
	if bounded && len(ls.queue) >= m.maxQueueSize {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrQueueFull, lane)
	}

	m.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, m.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	ls.queue = append(ls.queue, record)
	depth := len(ls.queue)
	m.wg.Add(1)
	m.mu.Unlock()

	observability.SetMailboxDepth(lane, depth)
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("queueSize", depth).
		Msg("Task enqueued")

	m.processLane(lane)
	return record, nil
}

// processLane starts the head task of lane unless one is already running.
func (m *Mailbox) processLane(lane string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls, ok := m.lanes[lane]
	if !ok || ls.running {
		return
	}
	if len(ls.queue) == 0 {
		delete(m.lanes, lane)
		observability.ForgetMailboxLane(lane)
		return
	}

	record := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.running = true
	observability.SetMailboxDepth(lane, len(ls.queue))

	go m.executeTask(lane, record)
}

func (m *Mailbox) executeTask(lane string, record *taskRecord) {
	defer m.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, "chatstate.mailbox", "mailbox.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, m.logger).With().Str("lane", lane).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(m.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	start := time.Now()
	value, err := m.run(runCtx, record.task)
	duration := time.Since(start)

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		tracing.RecordError(span, err)
		logger.Error().
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}
	observability.RecordMailboxTask(duration, err == nil)

	m.mu.Lock()
	if ls, ok := m.lanes[lane]; ok {
		ls.running = false
	}
	m.mu.Unlock()

	m.processLane(lane)
}

func (m *Mailbox) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Task panicked")
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Depth returns the number of tasks waiting on lane, excluding the running one.
func (m *Mailbox) Depth(lane string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ls, ok := m.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// Busy reports whether lane has a running task.
func (m *Mailbox) Busy(lane string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls, ok := m.lanes[lane]
	return ok && ls.running
}

// Close stops accepting tasks and waits for queued tasks to finish. When ctx
// ends first, running tasks are cancelled and Close still waits for them.
func (m *Mailbox) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.logger.Warn().Msg("Mailbox drain timed out, cancelling tasks")
		m.cancel()
		<-done
		return ctx.Err()
	}
}

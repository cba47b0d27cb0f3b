package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/stepwise/internal/adapters/store"
	"github.com/hugo-lorenzo-mato/stepwise/internal/backoff"
	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
	"github.com/hugo-lorenzo-mato/stepwise/internal/events"
	"github.com/hugo-lorenzo-mato/stepwise/internal/graph"
	"github.com/hugo-lorenzo-mato/stepwise/internal/service/executor"
)

type recordingScheduler struct {
	mu  sync.Mutex
	got []core.Delivery
	err error
}

func (s *recordingScheduler) Schedule(_ context.Context, d core.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, d)
	return nil
}

func (s *recordingScheduler) deliveries() []core.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Delivery(nil), s.got...)
}

func seed(t *testing.T, s core.Store) (*core.Workflow, *core.Task) {
	t.Helper()
	wf := core.NewWorkflow("demo", nil)
	first := core.NewTask(wf, "start")
	require.NoError(t, s.StartWorkflow(context.Background(), wf, first))
	return wf, first
}

func receive(t *testing.T, ch <-chan core.Delivery, within time.Duration) core.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(within):
		t.Fatal("no delivery received")
		return core.Delivery{}
	}
}

func TestBroker_PublishesImmediately(t *testing.T) {
	t.Parallel()
	b := NewBroker(BrokerConfig{Topic: "t1"}, nil)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx)
	require.NoError(t, err)

	want := core.Delivery{TaskID: "task", WorkflowID: "wf", Retries: 2}
	require.NoError(t, b.Schedule(ctx, want))

	got := receive(t, ch, time.Second)
	assert.Equal(t, want, got)
}

func TestBroker_DelaysDelivery(t *testing.T) {
	t.Parallel()
	b := NewBroker(BrokerConfig{}, nil)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, b.Schedule(ctx, core.Delivery{TaskID: "task", WorkflowID: "wf", Delay: 50 * time.Millisecond}))
	assert.Equal(t, 1, b.Delayed())

	got := receive(t, ch, 2*time.Second)
	assert.Equal(t, core.TaskID("task"), got.TaskID)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, b.Delayed())
}

func TestBroker_CloseCancelsTimers(t *testing.T) {
	t.Parallel()
	b := NewBroker(BrokerConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, b.Schedule(ctx, core.Delivery{TaskID: "task", WorkflowID: "wf", Delay: time.Hour}))
	require.NoError(t, b.Close())
	assert.Equal(t, 0, b.Delayed())
	require.NoError(t, b.Close(), "close is idempotent")

	err := b.Schedule(ctx, core.Delivery{TaskID: "task", WorkflowID: "wf"})
	assert.True(t, core.IsCategory(err, core.ErrCatState))
}

func TestDecode(t *testing.T) {
	t.Parallel()
	payload, err := Encode(core.Delivery{TaskID: "a", WorkflowID: "b", Retries: 3, Reason: "busy"})
	require.NoError(t, err)
	d, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Retries)
	assert.Equal(t, "busy", d.Reason)

	_, err = Decode([]byte("{"))
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
	_, err = Decode([]byte(`{"task_id":"a"}`))
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}

func TestPolicy_DelayPerClass(t *testing.T) {
	t.Parallel()
	p := NewPolicy(
		WithTransientBackoff(backoff.NewConstant(1*time.Second)),
		WithBusyBackoff(backoff.NewLinear(10*time.Millisecond, time.Second)),
		WithSoftBackoff(backoff.NewConstant(3*time.Second)),
	)

	assert.Equal(t, time.Second, p.Delay(core.ErrTransient(core.CodeStorageTransient, "x"), 4))
	assert.Equal(t, 40*time.Millisecond, p.Delay(core.ErrWorkflowBusy("wf"), 4))
	assert.Equal(t, 3*time.Second, p.Delay(core.ErrRetryRequested("task"), 4))
	assert.Equal(t, DefaultMaxRetries, p.MaxRetries)
}

func TestRetrier_CustomShouldRetry(t *testing.T) {
	t.Parallel()
	sched := &recordingScheduler{}
	s := store.NewMemoryStore()
	r := NewRetrier(NewPolicy(WithShouldRetry(func(err error) bool {
		return !core.IsCategory(err, core.ErrCatBusy)
	})), sched, s, nil)

	res, err := r.Handle(context.Background(), core.Delivery{TaskID: "task", WorkflowID: "wf"}, core.ErrWorkflowBusy("wf"))
	require.NoError(t, err)
	assert.Equal(t, DeadLettered, res)
	assert.Empty(t, sched.deliveries())

	dls, err := s.ListDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Contains(t, dls[0].Reason, "not retryable")
}

func TestRetrier_Redelivers(t *testing.T) {
	t.Parallel()
	sched := &recordingScheduler{}
	r := NewRetrier(NewPolicy(WithBusyBackoff(backoff.NewConstant(time.Millisecond))), sched, store.NewMemoryStore(), nil)
	d := core.Delivery{TaskID: "task", WorkflowID: "wf", Retries: 1}

	res, err := r.Handle(context.Background(), d, core.ErrWorkflowBusy("wf"))
	require.NoError(t, err)
	assert.Equal(t, Redelivered, res)

	got := sched.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Retries)
	assert.Equal(t, 1, got[0].BusyRetries)
	assert.Equal(t, time.Millisecond, got[0].Delay)
	assert.Equal(t, string(core.ErrCatBusy), got[0].Reason)
}

func TestRetrier_BusyDoesNotConsumeCeiling(t *testing.T) {
	t.Parallel()
	sched := &recordingScheduler{}
	s := store.NewMemoryStore()
	r := NewRetrier(NewPolicy(WithMaxRetries(2), WithBusyBackoff(backoff.NewConstant(time.Millisecond))), sched, s, nil)
	d := core.Delivery{TaskID: "task", WorkflowID: "wf", Retries: 2}

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		res, err := r.Handle(ctx, d, core.ErrWorkflowBusy("wf"))
		require.NoError(t, err)
		require.Equal(t, Redelivered, res)
		got := sched.deliveries()
		d = got[len(got)-1]
	}
	assert.Equal(t, 2, d.Retries)
	assert.Equal(t, 50, d.BusyRetries)

	dls, err := s.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, dls)

	// A soft retry after the wait still hits the ceiling.
	res, err := r.Handle(ctx, d, core.ErrRetryRequested("task"))
	require.NoError(t, err)
	assert.Equal(t, DeadLettered, res)
}

func TestRetrier_DeadLettersWhenExhausted(t *testing.T) {
	t.Parallel()
	sched := &recordingScheduler{}
	s := store.NewMemoryStore()
	r := NewRetrier(NewPolicy(WithMaxRetries(2)), sched, s, nil)
	d := core.Delivery{TaskID: "task", WorkflowID: "wf", Retries: 2}

	res, err := r.Handle(context.Background(), d, core.ErrRetryRequested("task"))
	require.NoError(t, err)
	assert.Equal(t, DeadLettered, res)
	assert.Empty(t, sched.deliveries())

	dls, err := s.ListDeadLetters(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, core.TaskID("task"), dls[0].TaskID)
	assert.Contains(t, dls[0].Reason, core.CodeRetriesExceeded)
}

func TestRetrier_DeadLettersNonRetryable(t *testing.T) {
	t.Parallel()
	sched := &recordingScheduler{}
	s := store.NewMemoryStore()
	r := NewRetrier(nil, sched, s, nil)

	res, err := r.Handle(context.Background(), core.Delivery{TaskID: "task", WorkflowID: "wf"}, errors.New("plain"))
	require.NoError(t, err)
	assert.Equal(t, DeadLettered, res)
	assert.Empty(t, sched.deliveries())
}

func TestRetrier_PublishesEvents(t *testing.T) {
	t.Parallel()
	bus := events.New(10)
	defer bus.Close()
	ch := bus.Subscribe()

	r := NewRetrier(NewPolicy(WithMaxRetries(1), WithSoftBackoff(backoff.NewConstant(time.Millisecond))),
		&recordingScheduler{}, store.NewMemoryStore(), nil)
	r.SetPublisher(bus)

	ctx := context.Background()
	d := core.Delivery{TaskID: "task", WorkflowID: "wf"}
	_, err := r.Handle(ctx, d, core.ErrRetryRequested("task"))
	require.NoError(t, err)
	_, err = r.Handle(ctx, d.Redeliver(0, "retry"), core.ErrRetryRequested("task"))
	require.NoError(t, err)

	redelivered := (<-ch).(events.TaskRedeliveredEvent)
	assert.Equal(t, 1, redelivered.Retries)
	assert.Equal(t, time.Millisecond, redelivered.Delay)
	assert.Equal(t, "wf", redelivered.WorkflowID())

	dead := (<-ch).(events.TaskDeadLetteredEvent)
	assert.Equal(t, "task", dead.TaskID)
	assert.Contains(t, dead.Reason, core.CodeRetriesExceeded)
}

func TestRetrier_ScheduleFailure(t *testing.T) {
	t.Parallel()
	sched := &recordingScheduler{err: errors.New("closed")}
	r := NewRetrier(nil, sched, store.NewMemoryStore(), nil)

	_, err := r.Handle(context.Background(), core.Delivery{TaskID: "task", WorkflowID: "wf"}, core.ErrWorkflowBusy("wf"))
	assert.Error(t, err)
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()
	assert.Nil(t, NewRateLimiter(RateLimiterConfig{}))
	var none *RateLimiter
	assert.True(t, none.TryAcquire())
	require.NoError(t, none.Acquire(context.Background()))

	rl := NewRateLimiter(RateLimiterConfig{Burst: 2, Rate: 1000})
	assert.True(t, rl.TryAcquire())
	assert.True(t, rl.TryAcquire())
	require.NoError(t, rl.Acquire(context.Background()))

	slow := NewRateLimiter(RateLimiterConfig{Burst: 1, Rate: 0.001})
	require.True(t, slow.TryAcquire())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, slow.Acquire(ctx))
}

func TestSweeper_RedeliversStaleTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemoryStore()
	_, stale := seed(t, s)
	_, dead := seed(t, s)
	require.NoError(t, s.RecordDeadLetter(ctx, core.NewDeadLetter(core.DeliveryFor(dead), "exhausted")))
	time.Sleep(5 * time.Millisecond)

	sched := &recordingScheduler{}
	sw, err := NewSweeper(s, sched, SweeperConfig{StaleAfter: time.Millisecond}, nil)
	require.NoError(t, err)

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got := sched.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].TaskID)
	assert.Equal(t, "swept", got[0].Reason)
}

func TestTrackingScheduler_RecordsDueTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemoryStore()
	_, task := seed(t, s)
	time.Sleep(5 * time.Millisecond)

	next := &recordingScheduler{}
	sched := NewTrackingScheduler(next, s, nil)
	require.NoError(t, sched.Schedule(ctx, core.Delivery{TaskID: task.ID, WorkflowID: task.WorkflowID, Delay: time.Hour}))
	require.Len(t, next.deliveries(), 1)

	sw, err := NewSweeper(s, next, SweeperConfig{StaleAfter: time.Millisecond}, nil)
	require.NoError(t, err)
	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a delivery due in the future is not stale")
}

func TestSweeper_SkipsAttemptInFlight(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	g := graph.New("inflight").
		Add(&graph.Node{Name: "start", Run: func(ctx context.Context, _ graph.Input) core.Outcome {
			if runs.Add(1) == 1 {
				close(started)
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return core.Continue()
		}})

	reg := graph.NewRegistry().MustRegister(g)
	s := store.NewMemoryStore()
	broker := NewBroker(BrokerConfig{Topic: "inflight"}, nil)
	defer broker.Close()
	sched := NewTrackingScheduler(broker, s, nil)

	ctl := executor.NewController(s, reg, sched, executor.Config{DefaultTimeout: 5 * time.Second}, nil)
	pool := NewPool(broker, ctl, NewRetrier(nil, sched, s, nil), PoolConfig{Concurrency: 2}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		return broker.Subscribers() > 0
	}, time.Second, time.Millisecond)

	wf, _, err := ctl.StartWorkflow(ctx, "inflight", nil)
	require.NoError(t, err)
	<-started
	time.Sleep(20 * time.Millisecond)

	// Far shorter than the attempt has been running.
	sw, err := NewSweeper(s, sched, SweeperConfig{StaleAfter: time.Millisecond}, nil)
	require.NoError(t, err)
	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	close(release)
	require.Eventually(t, func() bool {
		tasks, err := s.ListTasks(ctx, wf.ID)
		return err == nil && core.StateOf(tasks) == core.WorkflowStateFinished
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	t.Parallel()
	_, err := NewSweeper(store.NewMemoryStore(), &recordingScheduler{}, SweeperConfig{Schedule: "every now and then"}, nil)
	assert.Error(t, err)
}

func TestSweeper_RunStopsWithContext(t *testing.T) {
	t.Parallel()
	sw, err := NewSweeper(store.NewMemoryStore(), &recordingScheduler{}, DefaultSweeperConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

type scriptedExecutor struct {
	calls atomic.Int32
	errs  []error
}

func (e *scriptedExecutor) Execute(context.Context, core.Delivery) error {
	n := int(e.calls.Add(1)) - 1
	if n < len(e.errs) {
		return e.errs[n]
	}
	return nil
}

type sliceSource struct{ ds []core.Delivery }

func (s sliceSource) Subscribe(context.Context) (<-chan core.Delivery, error) {
	ch := make(chan core.Delivery, len(s.ds))
	for _, d := range s.ds {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func TestPool_CountsResolutions(t *testing.T) {
	t.Parallel()
	exec := &scriptedExecutor{errs: []error{core.ErrWorkflowBusy("wf"), errors.New("fatal")}}
	sched := &recordingScheduler{}
	src := sliceSource{ds: []core.Delivery{
		{TaskID: "a", WorkflowID: "wf"},
		{TaskID: "b", WorkflowID: "wf"},
		{TaskID: "c", WorkflowID: "wf"},
	}}
	pool := NewPool(src, exec, NewRetrier(nil, sched, store.NewMemoryStore(), nil), PoolConfig{Concurrency: 1}, nil)

	require.NoError(t, pool.Run(context.Background()))

	stats := pool.Stats()
	assert.Equal(t, int64(3), stats.Attempts)
	assert.Equal(t, int64(1), stats.Resolved)
	assert.Equal(t, int64(1), stats.Redelivered)
	assert.Equal(t, int64(1), stats.DeadLettered)
	assert.Len(t, sched.deliveries(), 1)
}

func TestPool_DrivesWorkflowToCompletion(t *testing.T) {
	t.Parallel()
	var startCalls atomic.Int32
	g := graph.New("pipeline").
		Add(&graph.Node{Name: "start", Run: func(_ context.Context, in graph.Input) core.Outcome {
			in.Workflow.Set("visited", true)
			return core.FromBool(startCalls.Add(1) > 1)
		}},
			&graph.Node{Name: "left", Run: func(context.Context, graph.Input) core.Outcome { return core.Continue() }},
			&graph.Node{Name: "right", Run: func(context.Context, graph.Input) core.Outcome { return core.Success("join") }},
			&graph.Node{Name: "join", Run: func(context.Context, graph.Input) core.Outcome { return core.Continue() }}).
		Edge("start", "left", "right")

	reg := graph.NewRegistry().MustRegister(g)
	s := store.NewMemoryStore()
	broker := NewBroker(BrokerConfig{Topic: "pipeline"}, nil)
	defer broker.Close()

	ctl := executor.NewController(s, reg, broker, executor.Config{DefaultTimeout: time.Second}, nil)
	policy := NewPolicy(
		WithSoftBackoff(backoff.NewConstant(time.Millisecond)),
		WithBusyBackoff(backoff.NewConstant(time.Millisecond)),
		WithTransientBackoff(backoff.NewConstant(time.Millisecond)),
	)
	pool := NewPool(broker, ctl, NewRetrier(policy, broker, s, nil), PoolConfig{Concurrency: 4}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	// The subscription must exist before the first publish.
	require.Eventually(t, func() bool {
		return broker.Subscribers() > 0
	}, time.Second, time.Millisecond)

	wf, _, err := ctl.StartWorkflow(ctx, "pipeline", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tasks, err := s.ListTasks(ctx, wf.ID)
		return err == nil && core.StateOf(tasks) == core.WorkflowStateFinished && len(tasks) == 4
	}, 5*time.Second, 5*time.Millisecond)

	loaded, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, true, loaded.Data["visited"])
	assert.GreaterOrEqual(t, pool.Stats().Redelivered, int64(1))

	cancel()
	require.NoError(t, <-done)
}

func TestPool_SiblingWaitsOutLongRunningNode(t *testing.T) {
	t.Parallel()
	var calls sync.Map
	// Whichever sibling locks the workflow first holds it while the other
	// is redelivered as busy.
	long := func(name string) graph.Func {
		return func(ctx context.Context, _ graph.Input) core.Outcome {
			n, _ := calls.LoadOrStore(name, new(atomic.Int32))
			n.(*atomic.Int32).Add(1)
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
			}
			return core.Continue()
		}
	}
	g := graph.New("siblings").
		Add(&graph.Node{Name: "start", Run: func(context.Context, graph.Input) core.Outcome { return core.Continue() }},
			&graph.Node{Name: "left", Run: long("left")},
			&graph.Node{Name: "right", Run: long("right")}).
		Edge("start", "left", "right")

	reg := graph.NewRegistry().MustRegister(g)
	s := store.NewMemoryStore()
	broker := NewBroker(BrokerConfig{Topic: "siblings"}, nil)
	defer broker.Close()

	ctl := executor.NewController(s, reg, broker, executor.Config{DefaultTimeout: 5 * time.Second}, nil)
	// Far fewer retries than the busy redeliveries needed to outlast a sibling.
	policy := NewPolicy(
		WithMaxRetries(2),
		WithBusyBackoff(backoff.NewConstant(2*time.Millisecond)),
	)
	pool := NewPool(broker, ctl, NewRetrier(policy, broker, s, nil), PoolConfig{Concurrency: 2}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		return broker.Subscribers() > 0
	}, time.Second, time.Millisecond)

	wf, _, err := ctl.StartWorkflow(ctx, "siblings", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tasks, err := s.ListTasks(ctx, wf.ID)
		return err == nil && core.StateOf(tasks) == core.WorkflowStateFinished && len(tasks) == 3
	}, 5*time.Second, 5*time.Millisecond)

	dls, err := s.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, dls)
	for _, name := range []string{"left", "right"} {
		n, ok := calls.Load(name)
		require.True(t, ok, name)
		assert.Equal(t, int32(1), n.(*atomic.Int32).Load(), name)
	}
	assert.Greater(t, pool.Stats().Redelivered, int64(2))

	cancel()
	require.NoError(t, <-done)
}

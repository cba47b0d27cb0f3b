package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
)

func seed(t *testing.T, s core.Store) (*core.Workflow, *core.Task) {
	t.Helper()
	wf := core.NewWorkflow("demo", map[string]any{"n": 1})
	first := core.NewTask(wf, "start")
	require.NoError(t, s.StartWorkflow(context.Background(), wf, first))
	return wf, first
}

func TestMemoryStore_TaskLockBlocksUntilCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	_, task := seed(t, s)

	tx1, err := s.Begin(ctx)
	require.NoError(t, err)
	locked, err := tx1.LockPendingTask(ctx, task.ID)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		tx2, err := s.Begin(ctx)
		if err != nil {
			result <- err
			return
		}
		defer func() { _ = tx2.Rollback() }()
		_, err = tx2.LockPendingTask(ctx, task.ID)
		result <- err
	}()

	select {
	case err := <-result:
		t.Fatalf("second lock returned before commit: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, locked.Finish())
	require.NoError(t, tx1.UpdateTask(ctx, locked))
	require.NoError(t, tx1.Commit())

	select {
	case err := <-result:
		assert.True(t, errors.Is(err, core.ErrNoPendingTask), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("second lock never returned")
	}
}

func TestMemoryStore_TaskLockHonoursContext(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	_, task := seed(t, s)

	tx1, err := s.Begin(context.Background())
	require.NoError(t, err)
	_, err = tx1.LockPendingTask(context.Background(), task.ID)
	require.NoError(t, err)
	defer func() { _ = tx1.Rollback() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	tx2, err := s.Begin(context.Background())
	require.NoError(t, err)
	_, err = tx2.LockPendingTask(ctx, task.ID)
	assert.True(t, core.IsTransient(err), "got %v", err)
}

func TestMemoryStore_WorkflowLockIsNoWait(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	wf, _ := seed(t, s)

	tx1, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx1.LockWorkflowNoWait(ctx, wf.Type, wf.ID)
	require.NoError(t, err)

	tx2, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx2.LockWorkflowNoWait(ctx, wf.Type, wf.ID)
	assert.True(t, errors.Is(err, core.ErrBusy), "got %v", err)
	require.NoError(t, tx2.Rollback())

	require.NoError(t, tx1.Rollback())

	tx3, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx3.LockWorkflowNoWait(ctx, wf.Type, wf.ID)
	assert.NoError(t, err, "lock must be free after rollback")
	require.NoError(t, tx3.Rollback())
}

func TestMemoryStore_WorkflowTypeMustMatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	wf, _ := seed(t, s)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.LockWorkflowNoWait(ctx, "other", wf.ID)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
	require.NoError(t, tx.Rollback())

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.LockWorkflowNoWait(ctx, wf.Type, wf.ID)
	assert.NoError(t, err, "failed lookup must not leak the lock")
	require.NoError(t, tx.Rollback())
}

func TestMemoryStore_StagedWritesApplyOnCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	wf, task := seed(t, s)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	lockedTask, err := tx.LockPendingTask(ctx, task.ID)
	require.NoError(t, err)
	lockedWf, err := tx.LockWorkflowNoWait(ctx, wf.Type, wf.ID)
	require.NoError(t, err)

	lockedWf.Set("n", 2)
	require.NoError(t, tx.SaveWorkflow(ctx, lockedWf))
	next := lockedTask.Successor("next")
	require.NoError(t, tx.CreateTask(ctx, next))
	require.NoError(t, lockedTask.Finish())
	require.NoError(t, tx.UpdateTask(ctx, lockedTask))

	before, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, before.Data["n"], "uncommitted write visible")
	tasks, err := s.ListTasks(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback(), "rollback after commit is a no-op")

	after, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.Data["n"])
	tasks, err = s.ListTasks(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, core.TaskStatusCompleted, tasks[0].Status)
	assert.Equal(t, task.ID, tasks[1].ParentID)
}

func TestMemoryStore_RollbackDiscards(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	_, task := seed(t, s)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	locked, err := tx.LockPendingTask(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, locked.Fail())
	require.NoError(t, tx.UpdateTask(ctx, locked))
	require.NoError(t, tx.CreateTask(ctx, locked.Successor("x")))
	require.NoError(t, tx.Rollback())

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPending())
}

func TestMemoryStore_ConcurrentAtMostOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	_, task := seed(t, s)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := s.Begin(ctx)
			if err != nil {
				return
			}
			defer func() { _ = tx.Rollback() }()
			locked, err := tx.LockPendingTask(ctx, task.ID)
			if err != nil {
				return
			}
			_ = locked.Finish()
			if tx.UpdateTask(ctx, locked) == nil && tx.Commit() == nil {
				mu.Lock()
				completed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, completed)
}

func TestMemoryStore_StaleAndDeadLetters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	_, a := seed(t, s)
	_, b := seed(t, s)

	stale, err := s.StalePendingTasks(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 2)

	require.NoError(t, s.RecordDeadLetter(ctx, core.NewDeadLetter(core.DeliveryFor(a), "exhausted")))
	stale, err = s.StalePendingTasks(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, b.ID, stale[0].ID)

	dls, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, a.ID, dls[0].TaskID)

	require.NoError(t, s.ClearDeadLetters(ctx, a.ID))
	dls, err = s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dls)

	stale, err = s.StalePendingTasks(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestMemoryStore_TouchTaskDefersStaleness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	_, a := seed(t, s)
	_, b := seed(t, s)
	cutoff := time.Now().Add(time.Minute)

	require.NoError(t, s.TouchTask(ctx, a.ID, cutoff.Add(time.Minute)))
	// An earlier due time never replaces a later one.
	require.NoError(t, s.TouchTask(ctx, a.ID, cutoff.Add(-time.Hour)))

	stale, err := s.StalePendingTasks(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, b.ID, stale[0].ID)

	stale, err = s.StalePendingTasks(ctx, cutoff.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 2)
}

func TestMemoryStore_StartWorkflowConflicts(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	wf, first := seed(t, s)
	err := s.StartWorkflow(context.Background(), wf, first)
	assert.True(t, core.IsCategory(err, core.ErrCatConflict))
}

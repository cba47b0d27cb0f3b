package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
)

// MemoryStore is an in-process core.Store. Task locks block until released
// or ctx ends; workflow locks fail immediately when held. Mutations are
// staged per transaction and applied on commit.
type MemoryStore struct {
	mu          sync.Mutex
	workflows   map[core.WorkflowID]*core.Workflow
	tasks       map[core.TaskID]*core.Task
	order       []core.TaskID
	deadLetters []*core.DeadLetter
	dueAt       map[core.TaskID]time.Time
	taskLocks   map[core.TaskID]chan struct{}
	wfLocks     map[core.WorkflowID]chan struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[core.WorkflowID]*core.Workflow),
		tasks:     make(map[core.TaskID]*core.Task),
		dueAt:     make(map[core.TaskID]time.Time),
		taskLocks: make(map[core.TaskID]chan struct{}),
		wfLocks:   make(map[core.WorkflowID]chan struct{}),
	}
}

func (m *MemoryStore) taskLock(id core.TaskID) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.taskLocks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		m.taskLocks[id] = ch
	}
	return ch
}

func (m *MemoryStore) workflowLock(id core.WorkflowID) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.wfLocks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		m.wfLocks[id] = ch
	}
	return ch
}

// Begin opens a transaction.
func (m *MemoryStore) Begin(ctx context.Context) (core.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, attemptCancelled(err)
	}
	return &memTx{
		store:     m,
		taskLocks: make(map[core.TaskID]chan struct{}),
		wfLocks:   make(map[core.WorkflowID]chan struct{}),
		workflows: make(map[core.WorkflowID]*core.Workflow),
	}, nil
}

// StartWorkflow inserts a workflow and its first task.
func (m *MemoryStore) StartWorkflow(_ context.Context, wf *core.Workflow, first *core.Task) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	if err := first.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workflows[wf.ID]; exists {
		return core.ErrConflict("WORKFLOW_EXISTS", fmt.Sprintf("workflow %s already exists", wf.ID))
	}
	if _, exists := m.tasks[first.ID]; exists {
		return core.ErrConflict("TASK_EXISTS", fmt.Sprintf("task %s already exists", first.ID))
	}
	m.workflows[wf.ID] = wf.Clone()
	m.insertTaskLocked(first)
	return nil
}

func (m *MemoryStore) insertTaskLocked(t *core.Task) {
	m.tasks[t.ID] = t.Clone()
	m.order = append(m.order, t.ID)
}

// GetWorkflow returns a copy of a workflow.
func (m *MemoryStore) GetWorkflow(_ context.Context, id core.WorkflowID) (*core.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf, ok := m.workflows[id]
	if !ok {
		return nil, workflowNotFound(id)
	}
	return wf.Clone(), nil
}

// GetTask returns a copy of a task.
func (m *MemoryStore) GetTask(_ context.Context, id core.TaskID) (*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, taskNotFound(id)
	}
	return t.Clone(), nil
}

// ListTasks returns a workflow's tasks in creation order.
func (m *MemoryStore) ListTasks(_ context.Context, id core.WorkflowID) ([]*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*core.Task
	for _, tid := range m.order {
		if t := m.tasks[tid]; t.WorkflowID == id {
			out = append(out, t.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// TouchTask records the due time of the latest delivery of a task.
func (m *MemoryStore) TouchTask(_ context.Context, id core.TaskID, due time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if due.After(m.dueAt[id]) {
		m.dueAt[id] = due
	}
	return nil
}

// StalePendingTasks returns pending tasks last due before the cutoff that have
// not been dead-lettered.
func (m *MemoryStore) StalePendingTasks(_ context.Context, before time.Time, limit int) ([]*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dead := make(map[core.TaskID]bool, len(m.deadLetters))
	for _, dl := range m.deadLetters {
		dead[dl.TaskID] = true
	}

	var out []*core.Task
	for _, tid := range m.order {
		t := m.tasks[tid]
		last := t.CreatedAt
		if due, ok := m.dueAt[tid]; ok {
			last = due
		}
		if t.IsPending() && last.Before(before) && !dead[t.ID] {
			out = append(out, t.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordDeadLetter stores a dead letter.
func (m *MemoryStore) RecordDeadLetter(_ context.Context, dl *core.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *dl
	m.deadLetters = append(m.deadLetters, &c)
	return nil
}

// ListDeadLetters returns dead letters, newest first.
func (m *MemoryStore) ListDeadLetters(_ context.Context, limit int) ([]*core.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*core.DeadLetter, 0, len(m.deadLetters))
	for i := len(m.deadLetters) - 1; i >= 0; i-- {
		c := *m.deadLetters[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ClearDeadLetters removes dead letters for a task.
func (m *MemoryStore) ClearDeadLetters(_ context.Context, id core.TaskID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.deadLetters[:0]
	for _, dl := range m.deadLetters {
		if dl.TaskID != id {
			kept = append(kept, dl)
		}
	}
	m.deadLetters = kept
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

type memTx struct {
	store     *MemoryStore
	taskLocks map[core.TaskID]chan struct{}
	wfLocks   map[core.WorkflowID]chan struct{}
	workflows map[core.WorkflowID]*core.Workflow
	created   []*core.Task
	updated   []*core.Task
	done      bool
}

func (tx *memTx) LockPendingTask(ctx context.Context, id core.TaskID) (*core.Task, error) {
	if tx.done {
		return nil, errTxDone()
	}
	ch := tx.store.taskLock(id)
	if _, held := tx.taskLocks[id]; !held {
		select {
		case ch <- struct{}{}:
		case <-ctx.Done():
			return nil, attemptCancelled(ctx.Err())
		}
		tx.taskLocks[id] = ch
	}

	tx.store.mu.Lock()
	t, ok := tx.store.tasks[id]
	var task *core.Task
	if ok && t.IsPending() {
		task = t.Clone()
	}
	tx.store.mu.Unlock()

	if task == nil {
		delete(tx.taskLocks, id)
		<-ch
		return nil, core.ErrState(core.CodeTaskNotPending, fmt.Sprintf("task %s is not pending", id))
	}
	return task, nil
}

func (tx *memTx) LockWorkflowNoWait(_ context.Context, workflowType string, id core.WorkflowID) (*core.Workflow, error) {
	if tx.done {
		return nil, errTxDone()
	}
	ch := tx.store.workflowLock(id)
	if _, held := tx.wfLocks[id]; !held {
		select {
		case ch <- struct{}{}:
		default:
			return nil, core.ErrWorkflowBusy(id)
		}
		tx.wfLocks[id] = ch
	}

	tx.store.mu.Lock()
	wf, ok := tx.store.workflows[id]
	var out *core.Workflow
	if ok && wf.Type == workflowType {
		out = wf.Clone()
	}
	tx.store.mu.Unlock()

	if out == nil {
		delete(tx.wfLocks, id)
		<-ch
		return nil, workflowNotFound(id)
	}
	return out, nil
}

func (tx *memTx) SaveWorkflow(_ context.Context, wf *core.Workflow) error {
	if tx.done {
		return errTxDone()
	}
	if _, held := tx.wfLocks[wf.ID]; !held {
		return core.ErrState(core.CodeInvalidState, fmt.Sprintf("workflow %s is not locked by this transaction", wf.ID))
	}
	tx.workflows[wf.ID] = wf.Clone()
	return nil
}

func (tx *memTx) CreateTask(_ context.Context, t *core.Task) error {
	if tx.done {
		return errTxDone()
	}
	if err := t.Validate(); err != nil {
		return err
	}
	tx.created = append(tx.created, t.Clone())
	return nil
}

func (tx *memTx) UpdateTask(_ context.Context, t *core.Task) error {
	if tx.done {
		return errTxDone()
	}
	if _, held := tx.taskLocks[t.ID]; !held {
		return core.ErrState(core.CodeInvalidState, fmt.Sprintf("task %s is not locked by this transaction", t.ID))
	}
	tx.updated = append(tx.updated, t.Clone())
	return nil
}

func (tx *memTx) Commit() error {
	if tx.done {
		return errTxDone()
	}
	s := tx.store
	s.mu.Lock()
	for id, wf := range tx.workflows {
		s.workflows[id] = wf
	}
	for _, t := range tx.updated {
		s.tasks[t.ID] = t
	}
	for _, t := range tx.created {
		s.insertTaskLocked(t)
	}
	s.mu.Unlock()

	tx.release()
	return nil
}

func (tx *memTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.release()
	return nil
}

func (tx *memTx) release() {
	tx.done = true
	for id, ch := range tx.taskLocks {
		<-ch
		delete(tx.taskLocks, id)
	}
	for id, ch := range tx.wfLocks {
		<-ch
		delete(tx.wfLocks, id)
	}
}

func errTxDone() error {
	return core.ErrState(core.CodeInvalidState, "transaction already finished")
}

func attemptCancelled(cause error) error {
	return core.ErrTransient(core.CodeAttemptCancelled, "attempt cancelled while waiting for a lock").WithCause(cause)
}

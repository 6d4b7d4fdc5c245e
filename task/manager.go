package task

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager runs tasks on a bounded worker pool. Task bodies occupy a pool
// slot; waiting for dependent subtasks does not.
type Manager struct {
	log   *zap.Logger
	pool  errgroup.Group
	wg    sync.WaitGroup
	mu    sync.Mutex
	tasks map[*Task]struct{}
}

func NewManager(workers int, log *zap.Logger) *Manager {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{log: log, tasks: make(map[*Task]struct{})}
	m.pool.SetLimit(workers)
	return m
}

// Submit schedules t and its subtasks. It returns immediately; use
// t.Wait or t.OnFinished for the outcome.
func (m *Manager) Submit(t *Task) {
	if !t.start() {
		return
	}
	m.mu.Lock()
	m.tasks[t] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.tasks, t)
			m.mu.Unlock()
		}()
		m.execute(t)
	}()
}

func (m *Manager) execute(t *Task) {
	start := time.Now()

	for _, sub := range t.subTasksOf(SubTaskIndependent) {
		m.Submit(sub)
	}

	dependent := t.subTasksOf(ParentDependsOnSubTask)
	for _, sub := range dependent {
		m.Submit(sub)
	}
	depsOK := true
	for _, sub := range dependent {
		if !sub.Wait() {
			depsOK = false
		}
	}

	done := make(chan bool, 1)
	m.pool.Go(func() error {
		done <- t.Run()
		return nil
	})
	ok := <-done && depsOK
	t.finish(ok)

	m.log.Debug("task finished",
		zap.String("task", t.Description()),
		zap.Bool("ok", ok),
		zap.Stringer("status", t.Status()),
		zap.Int("errors", len(t.Errors())),
		zap.Duration("duration", time.Since(start)),
	)
}

// Active returns the number of tasks submitted and not yet finished.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// CancelAll cancels every active task.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	active := make([]*Task, 0, len(m.tasks))
	for t := range m.tasks {
		active = append(active, t)
	}
	m.mu.Unlock()
	for _, t := range active {
		t.Cancel()
	}
}

// Wait blocks until all submitted tasks finished or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

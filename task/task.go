// Package task provides cooperative background tasks with subtask
// composition, progress reporting and cancellation.
package task

import (
	"context"
	"sync"
)

type Dependency int

const (
	// SubTaskIndependent subtasks run alongside their parent.
	SubTaskIndependent Dependency = iota
	// ParentDependsOnSubTask subtasks finish before the parent body starts
	// and a false result from one makes the parent result false.
	ParentDependsOnSubTask
)

type Status int

const (
	Queued Status = iota
	Running
	Complete
	Canceled
	Failed
)

func (s Status) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Complete:
		return "complete"
	case Canceled:
		return "canceled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// RunFunc is a task body. It returns false when it was cancelled or hit an
// unrecoverable error. Bodies poll ctx between units of work.
type RunFunc func(ctx context.Context, t *Task) bool

type subTask struct {
	task *Task
	dep  Dependency
}

type Task struct {
	description string
	body        RunFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	subTasks   []subTask
	progress   float64
	status     Status
	result     bool
	errs       []error
	onProgress []func(float64)
	onFinished []func(bool)
	done       bool

	started  sync.Once
	finished chan struct{}
}

func New(description string, body RunFunc) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		description: description,
		body:        body,
		ctx:         ctx,
		cancel:      cancel,
		finished:    make(chan struct{}),
	}
}

func (t *Task) Description() string {
	return t.description
}

// AddSubTask composes sub into t. Cancelling t cancels sub.
func (t *Task) AddSubTask(sub *Task, dep Dependency) {
	t.mu.Lock()
	t.subTasks = append(t.subTasks, subTask{task: sub, dep: dep})
	t.mu.Unlock()
	if t.IsCanceled() {
		sub.Cancel()
	}
}

func (t *Task) SubTasks() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Task, len(t.subTasks))
	for i, st := range t.subTasks {
		out[i] = st.task
	}
	return out
}

func (t *Task) subTasksOf(dep Dependency) []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Task
	for _, st := range t.subTasks {
		if st.dep == dep {
			out = append(out, st.task)
		}
	}
	return out
}

// SetProgress clamps p to 0..100 and notifies listeners on change.
func (t *Task) SetProgress(p float64) {
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}
	t.mu.Lock()
	if p == t.progress {
		t.mu.Unlock()
		return
	}
	t.progress = p
	listeners := append([]func(float64){}, t.onProgress...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(p)
	}
}

func (t *Task) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

func (t *Task) OnProgressChanged(fn func(progress float64)) {
	t.mu.Lock()
	t.onProgress = append(t.onProgress, fn)
	t.mu.Unlock()
}

// OnFinished registers fn to be called once with the task result, before
// Wait returns. A listener added after completion is called immediately.
func (t *Task) OnFinished(fn func(ok bool)) {
	t.mu.Lock()
	if t.done {
		ok := t.result
		t.mu.Unlock()
		fn(ok)
		return
	}
	t.onFinished = append(t.onFinished, fn)
	t.mu.Unlock()
}

func (t *Task) Cancel() {
	t.cancel()
	for _, sub := range t.SubTasks() {
		sub.Cancel()
	}
}

func (t *Task) IsCanceled() bool {
	return t.ctx.Err() != nil
}

func (t *Task) Context() context.Context {
	return t.ctx
}

// AddError records a non fatal error; it is safe to call from any
// goroutine.
func (t *Task) AddError(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	t.errs = append(t.errs, err)
	t.mu.Unlock()
}

// Errors returns the errors collected by the task and all of its subtasks.
func (t *Task) Errors() []error {
	t.mu.Lock()
	errs := append([]error(nil), t.errs...)
	t.mu.Unlock()
	for _, sub := range t.SubTasks() {
		errs = append(errs, sub.Errors()...)
	}
	return errs
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// Result is only meaningful once Done is closed.
func (t *Task) Result() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

func (t *Task) Done() <-chan struct{} {
	return t.finished
}

// Wait blocks until the task finished and returns its result.
func (t *Task) Wait() bool {
	<-t.finished
	return t.Result()
}

// Run executes the task body on the calling goroutine without touching
// subtasks or the finished notification.
func (t *Task) Run() bool {
	if t.IsCanceled() {
		return false
	}
	t.setStatus(Running)
	if t.body == nil {
		return true
	}
	return t.body(t.ctx, t) && !t.IsCanceled()
}

// RunSerial executes all subtasks, then the body, on the calling goroutine
// and fires the finished notification. The body runs even when a dependent
// subtask failed; the result is false in that case.
func (t *Task) RunSerial() bool {
	if !t.start() {
		return t.Wait()
	}
	t.mu.Lock()
	subs := append([]subTask(nil), t.subTasks...)
	t.mu.Unlock()

	depsOK := true
	for _, st := range subs {
		if !st.task.RunSerial() && st.dep == ParentDependsOnSubTask {
			depsOK = false
		}
	}
	ok := t.Run() && depsOK
	t.finish(ok)
	return ok
}

func (t *Task) start() bool {
	first := false
	t.started.Do(func() { first = true })
	return first
}

func (t *Task) finish(ok bool) {
	t.mu.Lock()
	t.result = ok
	switch {
	case ok:
		t.status = Complete
		t.progress = 100
	case t.ctx.Err() != nil:
		t.status = Canceled
	default:
		t.status = Failed
	}
	listeners := t.onFinished
	t.onFinished = nil
	t.done = true
	t.mu.Unlock()

	// listeners run before waiters are released
	for _, fn := range listeners {
		fn(ok)
	}
	close(t.finished)
}

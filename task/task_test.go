package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSerialOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) RunFunc {
		return func(ctx context.Context, tk *Task) bool {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return true
		}
	}

	parent := New("parent", record("parent"))
	parent.AddSubTask(New("a", record("a")), ParentDependsOnSubTask)
	parent.AddSubTask(New("b", record("b")), SubTaskIndependent)

	var finished []bool
	parent.OnFinished(func(ok bool) { finished = append(finished, ok) })

	assert.True(t, parent.RunSerial())
	assert.Equal(t, []string{"a", "b", "parent"}, order)
	assert.Equal(t, []bool{true}, finished)
	assert.Equal(t, Complete, parent.Status())
	assert.Equal(t, 100.0, parent.Progress())

	// a second run is a no-op and finished does not fire again
	assert.True(t, parent.RunSerial())
	assert.Len(t, finished, 1)
}

func TestProgress(t *testing.T) {
	tk := New("progress", func(ctx context.Context, tk *Task) bool {
		tk.SetProgress(10)
		tk.SetProgress(10)
		tk.SetProgress(150)
		return true
	})
	var seen []float64
	tk.OnProgressChanged(func(p float64) { seen = append(seen, p) })
	require.True(t, tk.RunSerial())
	assert.Equal(t, []float64{10, 100}, seen)
}

func TestCancelPropagates(t *testing.T) {
	sub := New("sub", func(ctx context.Context, tk *Task) bool { return true })
	parent := New("parent", func(ctx context.Context, tk *Task) bool { return true })
	parent.AddSubTask(sub, ParentDependsOnSubTask)

	parent.Cancel()
	assert.True(t, parent.IsCanceled())
	assert.True(t, sub.IsCanceled())

	var got *bool
	parent.OnFinished(func(ok bool) { got = &ok })
	assert.False(t, parent.RunSerial())
	require.NotNil(t, got)
	assert.False(t, *got)
	assert.Equal(t, Canceled, parent.Status())
	assert.Equal(t, Canceled, sub.Status())

	late := New("late", nil)
	parent.AddSubTask(late, SubTaskIndependent)
	assert.True(t, late.IsCanceled())
}

func TestErrorsAggregate(t *testing.T) {
	sub := New("sub", func(ctx context.Context, tk *Task) bool {
		tk.AddError(errors.New("sub failure"))
		return true
	})
	parent := New("parent", func(ctx context.Context, tk *Task) bool {
		tk.AddError(errors.New("parent failure"))
		tk.AddError(nil)
		return false
	})
	parent.AddSubTask(sub, ParentDependsOnSubTask)

	assert.False(t, parent.RunSerial())
	assert.Equal(t, Failed, parent.Status())
	assert.Len(t, parent.Errors(), 2)
}

func TestDependentSubTaskFailure(t *testing.T) {
	failing := func() *Task {
		return New("worker", func(ctx context.Context, tk *Task) bool { return false })
	}

	parent := New("parent", nil)
	parent.AddSubTask(failing(), ParentDependsOnSubTask)
	assert.False(t, parent.RunSerial())
	assert.Equal(t, Failed, parent.Status())

	// independent subtasks do not decide the parent result
	parent = New("parent", nil)
	parent.AddSubTask(failing(), SubTaskIndependent)
	assert.True(t, parent.RunSerial())

	m := NewManager(2, nil)
	ran := false
	parent = New("parent", func(ctx context.Context, tk *Task) bool {
		ran = true
		return true
	})
	parent.AddSubTask(New("worker", func(ctx context.Context, tk *Task) bool { return true }), ParentDependsOnSubTask)
	parent.AddSubTask(failing(), ParentDependsOnSubTask)
	m.Submit(parent)
	assert.False(t, parent.Wait())
	assert.True(t, ran)
	assert.Equal(t, Failed, parent.Status())
}

func TestManagerDependencies(t *testing.T) {
	m := NewManager(2, nil)

	var subsDone int32
	parent := New("parent", func(ctx context.Context, tk *Task) bool {
		return atomic.LoadInt32(&subsDone) == 4
	})
	for i := 0; i < 4; i++ {
		parent.AddSubTask(New("sub", func(ctx context.Context, tk *Task) bool {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&subsDone, 1)
			return true
		}), ParentDependsOnSubTask)
	}

	m.Submit(parent)
	assert.True(t, parent.Wait())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx))
	assert.Equal(t, 0, m.Active())
}

func TestManagerCancel(t *testing.T) {
	m := NewManager(1, nil)
	started := make(chan struct{})
	tk := New("blocking", func(ctx context.Context, tk *Task) bool {
		close(started)
		<-ctx.Done()
		return false
	})

	finished := make(chan bool, 1)
	tk.OnFinished(func(ok bool) { finished <- ok })
	m.Submit(tk)
	<-started
	m.CancelAll()

	select {
	case ok := <-finished:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish after cancel")
	}
	assert.Equal(t, Canceled, tk.Status())
}

package timeseries

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nci/eotsv/metrics"
	"github.com/nci/eotsv/task"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type LoadOptions struct {
	Threads   int
	BlockSize int
	Log       *zap.Logger
	Metrics   *metrics.PipelineMetrics
	// Collector receives the loader sub document of the task metrics.
	Collector *metrics.MetricsCollector
}

func (o *LoadOptions) normalise() {
	if o.Threads < 1 {
		o.Threads = 1
	}
	if o.BlockSize < 1 {
		o.BlockSize = 1
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
}

// splitBadges splits items into n contiguous runs of near equal length.
func splitBadges[T any](items []T, n int) [][]T {
	if n > len(items) {
		n = len(items)
	}
	if n < 1 {
		return nil
	}
	badges := make([][]T, 0, n)
	size, rest := len(items)/n, len(items)%n
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < rest {
			end++
		}
		badges = append(badges, items[start:end])
		start = end
	}
	return badges
}

// progressThrottle forwards progress to a task at most once per second and
// always lets the final value through.
type progressThrottle struct {
	limiter *rate.Limiter
	t       *task.Task
	total   int64
	done    atomic.Int64
}

func newProgressThrottle(t *task.Task, total int) *progressThrottle {
	return &progressThrottle{
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		t:       t,
		total:   int64(total),
	}
}

func (p *progressThrottle) step() {
	n := p.done.Add(1)
	if n == p.total || p.limiter.Allow() {
		p.t.SetProgress(100 * float64(n) / float64(p.total))
	}
}

// batchApplier hands worker batches to a single goroutine that owns the
// consumer. Workers only send.
type batchApplier struct {
	ch    chan []*Source
	apply func([]*Source)
	once  sync.Once
	done  chan struct{}
}

func newBatchApplier(capacity int, apply func([]*Source)) *batchApplier {
	return &batchApplier{
		ch:    make(chan []*Source, capacity),
		apply: apply,
		done:  make(chan struct{}),
	}
}

func (a *batchApplier) start() {
	go func() {
		defer close(a.done)
		for batch := range a.ch {
			if a.apply != nil {
				a.apply(batch)
			}
		}
	}()
}

func (a *batchApplier) send(batch []*Source) {
	a.once.Do(a.start)
	a.ch <- batch
}

// close waits for every sent batch to be applied.
func (a *batchApplier) close() {
	a.once.Do(a.start)
	close(a.ch)
	<-a.done
}

// NewLoadSourcesTask creates the loading pipeline over files. Worker
// subtasks create sources and send them in batches of at most BlockSize
// to one applier goroutine, which calls onBatch in arrival order. onBatch
// is never called from a worker and calls never overlap; all of them
// return before the task finishes. Failures are collected as *SourceError
// values on the subtasks.
func NewLoadSourcesTask(factory *SourceFactory, files []string, opts LoadOptions, onBatch func([]*Source)) *task.Task {
	opts.normalise()
	start := time.Now()

	var valid, batches atomic.Int64
	applier := newBatchApplier(len(files)/opts.BlockSize+opts.Threads, onBatch)
	emit := func(batch []*Source) {
		if len(batch) == 0 {
			return
		}
		batches.Add(1)
		applier.send(batch)
	}

	parent := task.New(fmt.Sprintf("load %d sources", len(files)), nil)
	parent.OnFinished(func(bool) { applier.close() })
	progress := newProgressThrottle(parent, len(files))

	for i, badge := range splitBadges(files, opts.Threads) {
		badge := badge
		worker := task.New(fmt.Sprintf("load badge %d", i), func(ctx context.Context, t *task.Task) bool {
			buffer := make([]*Source, 0, opts.BlockSize)
			for _, uri := range badge {
				if ctx.Err() != nil {
					emit(buffer)
					return false
				}
				src, err := factory.Create(uri)
				if err != nil {
					t.AddError(err)
					opts.Metrics.SourceLoaded(false)
					if se, ok := err.(*SourceError); ok {
						opts.Metrics.SourceError(se.Kind.Error())
					}
					opts.Log.Debug("skipping source", zap.String("uri", uri), zap.Error(err))
				} else {
					valid.Add(1)
					opts.Metrics.SourceLoaded(true)
					buffer = append(buffer, src)
					if len(buffer) >= opts.BlockSize {
						emit(buffer)
						buffer = make([]*Source, 0, opts.BlockSize)
					}
				}
				progress.step()
			}
			emit(buffer)
			return true
		})
		parent.AddSubTask(worker, task.ParentDependsOnSubTask)
	}

	parent.OnFinished(func(ok bool) {
		errs := parent.Errors()
		counts := SummarizeErrors(errs)
		status := "complete"
		if !ok {
			status = "canceled"
		}
		opts.Log.Info("loaded sources",
			zap.Int("files", len(files)),
			zap.Int64("valid", valid.Load()),
			zap.Int("invalid", len(errs)),
			zap.String("errors", summaryString(counts)),
			zap.Bool("ok", ok),
		)
		opts.Metrics.TaskFinished("load", status, time.Since(start))
		opts.Collector.Update(func(info *metrics.MetricsInfo) {
			info.Loader = &metrics.LoaderInfo{
				Duration:   time.Since(start),
				NumFiles:   len(files),
				NumValid:   int(valid.Load()),
				NumInvalid: len(errs),
				Errors:     counts,
				Threads:    opts.Threads,
				BlockSize:  opts.BlockSize,
				NumBatches: int(batches.Load()),
			}
		})
	})
	return parent
}

// LoadSources runs the loading pipeline on the calling goroutine and
// returns the valid sources in arrival order along with the failures.
func LoadSources(factory *SourceFactory, files []string, opts LoadOptions) ([]*Source, []error) {
	var sources []*Source
	t := NewLoadSourcesTask(factory, files, opts, func(batch []*Source) {
		sources = append(sources, batch...)
	})
	t.RunSerial()
	return sources, t.Errors()
}

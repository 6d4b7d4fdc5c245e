package worker

import (
	"fmt"
	"sync"

	"github.com/nci/eotsv/processor"
	"go.uber.org/zap"
	"golang.org/x/net/context"
)

const defaultQueueSize = 400

// Job is one queued sampling request. Exactly one of Resp or Error
// receives the outcome.
type Job struct {
	Ctx     context.Context
	Payload *processor.SampleRequest
	Resp    chan *processor.SampleResult
	Error   chan error
}

// SamplerPool runs queued jobs on a fixed number of goroutines.
type SamplerPool struct {
	TaskQueue chan *Job
	sampler   processor.Sampler
	log       *zap.Logger
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (p *SamplerPool) AddQueue(job *Job) error {
	if len(p.TaskQueue) >= cap(p.TaskQueue)-cap(p.TaskQueue)/40 {
		return fmt.Errorf("pool task queue is full")
	}
	p.TaskQueue <- job
	return nil
}

func (p *SamplerPool) run(id int) {
	defer p.wg.Done()
	for job := range p.TaskQueue {
		if job.Ctx.Err() != nil {
			job.Error <- job.Ctx.Err()
			continue
		}
		res, err := p.sampler.Sample(job.Ctx, job.Payload)
		if err != nil {
			p.log.Debug("sample failed", zap.Int("worker", id), zap.String("uri", job.Payload.URI), zap.Error(err))
			job.Error <- err
			continue
		}
		job.Resp <- res
	}
}

// Close stops the workers once the queue is drained.
func (p *SamplerPool) Close() {
	p.closeOnce.Do(func() {
		close(p.TaskQueue)
	})
	p.wg.Wait()
}

func CreateSamplerPool(n int, sampler processor.Sampler, log *zap.Logger) *SamplerPool {
	if n < 1 {
		n = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &SamplerPool{
		TaskQueue: make(chan *Job, defaultQueueSize),
		sampler:   sampler,
		log:       log,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	return p
}

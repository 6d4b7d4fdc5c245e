package processor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nci/eotsv/geo"
	"github.com/nci/eotsv/metrics"
	"github.com/nci/eotsv/profile"
	"github.com/nci/eotsv/task"
	"go.uber.org/zap"
)

type ProfileLoaderOptions struct {
	Sampler Sampler
	// Threads is the number of sources sampled at once. Observations are
	// appended in source order regardless.
	Threads int
	Cache   *IdentityCache
	// Layer receives one feature per point with observations once all
	// sources are sampled.
	Layer     *profile.Layer
	Field     string
	Log       *zap.Logger
	Metrics   *metrics.PipelineMetrics
	Collector *metrics.MetricsCollector
}

// PointRecord is the profile collected for one input point.
type PointRecord struct {
	Index  int
	Point  geo.Point
	Record *profile.Record
	FID    uint64
}

type ProfileResult struct {
	mu      sync.Mutex
	records []PointRecord
	timings PhaseTimings
}

// Records returns the profiles of points with at least one observation,
// in point order.
func (r *ProfileResult) Records() []PointRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PointRecord(nil), r.records...)
}

func (r *ProfileResult) Timings() PhaseTimings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timings
}

type sampled struct {
	res *SampleResult
	err error
}

// NewProfileLoaderTask samples sources at points given in crs. Failed
// sources are recorded as task errors and skipped.
func NewProfileLoaderTask(sources []string, points []geo.Point, crs string, opts ProfileLoaderOptions) (*task.Task, *ProfileResult) {
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	result := &ProfileResult{}

	t := task.New(fmt.Sprintf("load profiles of %d points from %d sources", len(points), len(sources)), func(ctx context.Context, t *task.Task) bool {
		start := time.Now()
		results := make([]sampled, len(sources))
		limiter := NewConcLimiter(opts.Threads)
		progress := newProgress(t, len(sources))

		canceled := false
		for i, uri := range sources {
			if err := limiter.Increase(ctx); err != nil {
				canceled = true
				break
			}
			go func(i int, uri string) {
				defer limiter.Decrease()
				defer progress.step()
				results[i] = sampleSource(ctx, uri, points, crs, opts)
			}(i, uri)
		}
		limiter.Wait()

		records := make([]*profile.Record, len(points))
		var timings PhaseTimings
		var bytes int64
		numErrors := 0
		for i, s := range results {
			if s.res == nil && s.err == nil {
				continue
			}
			if s.err != nil {
				if ctx.Err() != nil && s.err == ctx.Err() {
					continue
				}
				numErrors++
				t.AddError(s.err)
				opts.Log.Debug("profile source failed", zap.String("uri", sources[i]), zap.Error(s.err))
				continue
			}
			timings.add(s.res.Timings)
			bytes += s.res.Bytes
			for p, values := range s.res.Values {
				if values == nil {
					continue
				}
				if records[p] == nil {
					records[p] = &profile.Record{}
				}
				if err := records[p].Append(s.res.Identity.SID, s.res.Identity.DateTime, values, sources[i]); err != nil {
					opts.Log.Debug("observation skipped", zap.String("uri", sources[i]), zap.Int("point", p), zap.Error(err))
				}
			}
		}

		var out []PointRecord
		observations := 0
		for p, rec := range records {
			if rec == nil || rec.Len() == 0 {
				continue
			}
			observations += rec.Len()
			out = append(out, PointRecord{Index: p, Point: points[p], Record: rec})
		}

		if opts.Layer != nil && len(out) > 0 && !canceled && ctx.Err() == nil {
			if err := writeFeatures(opts.Layer, opts.Field, out); err != nil {
				t.AddError(err)
				opts.Log.Error("failed to write profiles", zap.Error(err))
				return false
			}
		}

		result.mu.Lock()
		result.records = out
		result.timings = timings
		result.mu.Unlock()

		opts.Metrics.ProfileRecords(len(out), observations)
		opts.Metrics.ProfilePhase("initLayer", timings.InitLayer)
		opts.Metrics.ProfilePhase("sid_dtg", timings.SidDtg)
		opts.Metrics.ProfilePhase("sample", timings.Sample)
		opts.Collector.Update(func(info *metrics.MetricsInfo) {
			info.Profile = &metrics.ProfileInfo{
				Duration:   time.Since(start),
				NumSources: len(sources),
				NumPoints:  len(points),
				NumRecords: len(out),
				NumErrors:  numErrors,
				InitLayer:  timings.InitLayer,
				SidDtg:     timings.SidDtg,
				Sample:     timings.Sample,
				BytesRPC:   bytes,
			}
		})
		opts.Log.Info("loaded profiles",
			zap.Int("points", len(points)),
			zap.Int("records", len(out)),
			zap.Int("errors", numErrors),
			zap.Duration("initLayer", timings.InitLayer),
			zap.Duration("sid_dtg", timings.SidDtg),
			zap.Duration("sample", timings.Sample),
		)
		return !canceled && ctx.Err() == nil
	})
	return t, result
}

func sampleSource(ctx context.Context, uri string, points []geo.Point, crs string, opts ProfileLoaderOptions) sampled {
	if ctx.Err() != nil {
		return sampled{err: ctx.Err()}
	}
	req := &SampleRequest{URI: uri, Points: points, CRS: crs}
	if id, ok := opts.Cache.Get(uri); ok {
		req.Identity = &id
	}
	res, err := opts.Sampler.Sample(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return sampled{err: ctx.Err()}
		}
		return sampled{err: err}
	}
	opts.Cache.Put(uri, res.Identity)
	return sampled{res: res}
}

func writeFeatures(layer *profile.Layer, field string, records []PointRecord) error {
	if field == "" {
		fields := layer.ProfileFields()
		if len(fields) == 0 {
			return profile.ErrNoProfileField
		}
		field = fields[0].Name
	}
	return layer.Edit(func(e *profile.Editor) error {
		for i := range records {
			f := &profile.Feature{
				Point:    records[i].Point,
				Profiles: map[string]*profile.Record{field: records[i].Record},
			}
			fid, err := e.AddFeature(f)
			if err != nil {
				return err
			}
			records[i].FID = fid
		}
		return nil
	})
}

// LoadProfiles runs a profile loader in the calling goroutine.
func LoadProfiles(sources []string, points []geo.Point, crs string, opts ProfileLoaderOptions) ([]PointRecord, []error) {
	t, result := NewProfileLoaderTask(sources, points, crs, opts)
	t.RunSerial()
	return result.Records(), t.Errors()
}

type progress struct {
	mu    sync.Mutex
	t     *task.Task
	total int
	done  int
}

func newProgress(t *task.Task, total int) *progress {
	return &progress{t: t, total: total}
}

func (p *progress) step() {
	p.mu.Lock()
	p.done++
	v := 100 * float64(p.done) / math.Max(1, float64(p.total))
	p.mu.Unlock()
	p.t.SetProgress(v)
}

var _ Sampler = (*LocalSampler)(nil)

package timeseries

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nci/eotsv/geo"
	"github.com/nci/eotsv/metrics"
	"github.com/nci/eotsv/raster"
	"github.com/nci/eotsv/task"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type OverlapOptions struct {
	Threads    int
	SampleSize int
	// Pivot, when set, makes workers resolve the sources nearest in time
	// first.
	Pivot     *time.Time
	Opener    raster.Opener
	Transform geo.TransformContext
	Log       *zap.Logger
	Metrics   *metrics.PipelineMetrics
	Collector *metrics.MetricsCollector
}

// OverlapResult holds the outcome for every source tested so far.
type OverlapResult struct {
	mu      sync.Mutex
	visible map[string]bool
}

func (r *OverlapResult) set(uri string, v bool) {
	r.mu.Lock()
	r.visible[uri] = v
	r.mu.Unlock()
}

// Tested returns uri -> has valid pixel for the sources tested.
func (r *OverlapResult) Tested() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.visible))
	for k, v := range r.visible {
		out[k] = v
	}
	return out
}

// orderByPivot sorts sources by absolute time distance to pivot.
func orderByPivot(sources []*Source, pivot time.Time) []*Source {
	ordered := append([]*Source(nil), sources...)
	dist := func(s *Source) time.Duration {
		d := s.dtg.Sub(pivot)
		if d < 0 {
			return -d
		}
		return d
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return dist(ordered[i]) < dist(ordered[j])
	})
	return ordered
}

// roundRobin deals items to n badges so that every badge starts with the
// items that come first.
func roundRobin(sources []*Source, n int) [][]*Source {
	if n > len(sources) {
		n = len(sources)
	}
	if n < 1 {
		return nil
	}
	badges := make([][]*Source, n)
	for i, s := range sources {
		badges[i%n] = append(badges[i%n], s)
	}
	return badges
}

// NewOverlapTask tests for every source whether a valid pixel of band 1
// lies inside extent (given in crs). Results are written to the returned
// OverlapResult as they are found; source visibility is not touched.
func NewOverlapTask(sources []*Source, extent geo.Rect, crs string, opts OverlapOptions) (*task.Task, *OverlapResult) {
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	if opts.SampleSize < 1 {
		opts.SampleSize = 1
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Transform == nil {
		opts.Transform = geo.BuiltinContext{}
	}
	result := &OverlapResult{visible: make(map[string]bool)}
	start := time.Now()

	ordered := sources
	if opts.Pivot != nil {
		ordered = orderByPivot(sources, *opts.Pivot)
	}

	var nVisible, nErrors atomic.Int64
	parent := task.New(fmt.Sprintf("overlap %d sources", len(sources)), nil)
	progress := newProgressThrottle(parent, len(sources))

	for i, badge := range roundRobin(ordered, opts.Threads) {
		badge := badge
		worker := task.New(fmt.Sprintf("overlap badge %d", i), func(ctx context.Context, t *task.Task) bool {
			for _, src := range badge {
				if ctx.Err() != nil {
					return false
				}
				ok, reads, err := testOverlap(src, extent, crs, opts)
				if err != nil {
					t.AddError(err)
					nErrors.Add(1)
					opts.Log.Debug("overlap test failed", zap.String("uri", src.uri), zap.Error(err))
				}
				label := "hidden"
				if ok {
					label = "visible"
					nVisible.Add(1)
				}
				opts.Metrics.OverlapTested(label, reads)
				result.set(src.uri, ok)
				progress.step()
			}
			return true
		})
		parent.AddSubTask(worker, task.ParentDependsOnSubTask)
	}

	parent.OnFinished(func(ok bool) {
		tested := len(result.Tested())
		opts.Log.Info("overlap tested",
			zap.Int("sources", len(sources)),
			zap.Int("tested", tested),
			zap.Int64("visible", nVisible.Load()),
			zap.Int64("errors", nErrors.Load()),
			zap.Bool("ok", ok),
		)
		status := "complete"
		if !ok {
			status = "canceled"
		}
		opts.Metrics.TaskFinished("overlap", status, time.Since(start))
		opts.Collector.Update(func(info *metrics.MetricsInfo) {
			info.Overlap = &metrics.OverlapInfo{
				Duration:   time.Since(start),
				Extent:     extent.Polygon().MarshalWKT(),
				CRS:        crs,
				SampleSize: opts.SampleSize,
				NumSources: len(sources),
				NumTested:  tested,
				NumVisible: int(nVisible.Load()),
				NumErrors:  int(nErrors.Load()),
			}
		})
	})
	return parent, result
}

func testOverlap(src *Source, extent geo.Rect, crs string, opts OverlapOptions) (bool, int, error) {
	query, err := geo.TransformRect(opts.Transform, extent, crs, src.crs)
	if err != nil {
		return false, 0, newSourceError(src.uri, ErrTransformFailed, "%v", err)
	}
	area := query.Intersect(src.extent.Envelope())
	if area.IsEmpty() {
		return false, 0, nil
	}

	ds, err := opts.Opener.Open(src.uri)
	if err != nil {
		return false, 0, newSourceError(src.uri, ErrUnreadableSource, "%v", err)
	}
	defer ds.Close()

	found, reads, err := HasValidPixel(ds, area, opts.SampleSize)
	if err != nil {
		return false, reads, newSourceError(src.uri, ErrUnreadableSource, "%v", err)
	}
	return found, reads, nil
}

// HasValidPixel samples band 1 of ds on a floor(sqrt(sampleSize)) square
// grid over area (in the dataset CRS) and reports whether any sample is
// not nodata. A band without nodata always has valid pixels.
func HasValidPixel(ds raster.Dataset, area geo.Rect, sampleSize int) (bool, int, error) {
	band, err := ds.Band(1)
	if err != nil {
		return false, 0, err
	}
	nodata, hasNoData := band.NoData()
	if !hasNoData {
		return true, 0, nil
	}
	inv, ok := ds.GeoTransform().Invert()
	if !ok {
		return false, 0, errors.New("geotransform is not invertible")
	}

	n := int(math.Floor(math.Sqrt(float64(sampleSize))))
	if n < 1 {
		n = 1
	}
	dx, dy := area.Width()/float64(n), area.Height()/float64(n)
	xSize, ySize := ds.XSize(), ds.YSize()
	reads := 0
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			p := geo.Point{X: area.MinX + (float64(i)+0.5)*dx, Y: area.MaxY - (float64(j)+0.5)*dy}
			px := inv.Apply(p.X, p.Y)
			col, row := clampIndex(px.X, xSize), clampIndex(px.Y, ySize)
			v, err := band.ReadPixel(col, row)
			reads++
			if err != nil {
				return false, reads, err
			}
			if isValid(v, nodata) {
				return true, reads, nil
			}
		}
	}
	return false, reads, nil
}

func clampIndex(v float64, size int) int {
	i := int(math.Floor(v))
	if i < 0 {
		return 0
	}
	if i >= size {
		return size - 1
	}
	return i
}

func isValid(v, nodata float64) bool {
	if math.IsNaN(nodata) {
		return !math.IsNaN(v)
	}
	return v != nodata && !math.IsNaN(v)
}

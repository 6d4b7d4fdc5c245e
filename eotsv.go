package main

/* eotsv builds an Earth observation time series from raster sources,
   focuses it on an area of interest and extracts temporal profiles at
   point locations. Sources come from a saved definition, the command
   line or the metadata index. Profiles are stored in a profile layer,
   evaluated with tpval/tptime expressions and rendered through a jet
   template, as CSV or as JSON. */

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nci/eotsv/geo"
	"github.com/nci/eotsv/mas"
	"github.com/nci/eotsv/metrics"
	"github.com/nci/eotsv/processor"
	"github.com/nci/eotsv/profile"
	"github.com/nci/eotsv/raster/gdal"
	"github.com/nci/eotsv/task"
	"github.com/nci/eotsv/timeseries"
	"github.com/nci/eotsv/utils"
	"github.com/nci/eotsv/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh/terminal"
)

var (
	configFile  = flag.String("conf", "", "Config file (yaml or json).")
	etcDir      = flag.String("etc", utils.EtcDir, "Colon separated search path for definitions and templates.")
	seriesFile  = flag.String("series", "", "Time series definition to load (.json, .txt or .csv).")
	saveFile    = flag.String("save", "", "Write the time series definition (JSON) here.")
	relative    = flag.Bool("relative", false, "Save local paths relative to the definition.")
	precision   = flag.String("precision", "", "Date precision, overrides timeseries.precision.")
	masWKT      = flag.String("mas_wkt", "", "Seed sources from the metadata index intersecting this WKT.")
	masSRS      = flag.String("mas_srs", "EPSG:4326", "CRS of -mas_wkt.")
	masStart    = flag.String("mas_start", "", "Earliest source date for -mas_wkt.")
	masEnd      = flag.String("mas_end", "", "Latest source date (exclusive) for -mas_wkt.")
	focusExtent = flag.String("focus", "", "Focus on extent xmin,ymin,xmax,ymax; sources without valid pixels are hidden.")
	focusCRS    = flag.String("focus_crs", geo.WGS84, "CRS of -focus.")
	focusPivot  = flag.String("pivot", "", "Test sources nearest to this date first.")
	pointsArg   = flag.String("points", "", "GeoJSON point features or inline x,y;x,y.")
	pointsCRS   = flag.String("points_crs", geo.WGS84, "CRS of -points.")
	nameProp    = flag.String("name_prop", "name", "GeoJSON property naming each point.")
	band        = flag.String("band", "1", "Band index, band identifier or spectral index to export.")
	dateFilter  = flag.String("dates", "", "Comma separated date prefixes to export.")
	expression  = flag.String("expr", "", "tpval/tptime expression evaluated for every profile.")
	outFormat   = flag.String("fmt", "text", "Output format: text, csv or json.")
	templateArg = flag.String("template", "", "jet template for text output.")
	metricsAddr = flag.String("metrics_addr", "", "Serve prometheus metrics on this address while running.")
	verbose     = flag.Bool("v", false, "Verbose logging.")
)

type app struct {
	config   *utils.Config
	log      *zap.Logger
	ts       *timeseries.TimeSeries
	tasks    *task.Manager
	pm       *metrics.PipelineMetrics
	ml       metrics.Logger
	resolver *utils.RuntimeFileResolver
	progress bool
}

func main() {
	flag.Parse()

	config, err := utils.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	level := config.Logging.Level
	if *verbose {
		level = "debug"
	}
	log, err := utils.NewLogger(level, config.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(config, log, os.Stdout); err != nil {
		log.Error("eotsv failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(config *utils.Config, log *zap.Logger, out io.Writer) error {
	p, err := config.Precision()
	if err != nil {
		return err
	}
	if *precision != "" {
		if p, err = timeseries.ParsePrecision(*precision); err != nil {
			return err
		}
	}
	matching, err := config.SensorMatching()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	pm := metrics.NewPipelineMetrics(reg)
	if *metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(*metricsAddr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})); err != nil {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}
	ml, err := utils.NewMetricsLogger(config.Logging, log)
	if err != nil {
		return err
	}

	gdal.InitGdal(config.GDALEnv())
	tasks := task.NewManager(config.Tasks.Workers, log)
	a := &app{
		config: config,
		log:    log,
		tasks:  tasks,
		pm:     pm,
		ml:     ml,
		ts: timeseries.New(timeseries.Options{
			Precision:      p,
			Matching:       matching,
			LoadThreads:    config.Loading.Threads,
			BlockSize:      config.Loading.BlockSize,
			OverlapThreads: config.Overlap.Threads,
			SampleSize:     config.Overlap.SampleSize,
			Opener:         gdal.Opener{},
			Transform:      gdal.TransformContext{},
			Tasks:          tasks,
			Log:            log,
			Metrics:        pm,
			MetricsLogger:  ml,
		}),
		resolver: utils.NewRuntimeFileResolver(*etcDir, log),
		progress: terminal.IsTerminal(int(os.Stderr.Fd())),
	}

	if err := a.loadSources(); err != nil {
		return err
	}
	if err := a.focus(); err != nil {
		return err
	}
	a.summary()

	if *saveFile != "" {
		if err := a.ts.Save(*saveFile, *relative); err != nil {
			return err
		}
		log.Info("saved time series", zap.String("file", *saveFile))
	}
	if *pointsArg != "" {
		return a.extract(out)
	}
	return nil
}

// wait blocks until t finishes, drawing a progress bar on terminals, and
// logs the errors the task collected.
func (a *app) wait(t *task.Task, what string) bool {
	if a.progress {
		bar := progressbar.NewOptions(100,
			progressbar.OptionSetDescription(what),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
		t.OnProgressChanged(func(p float64) { bar.Set(int(p)) })
		defer bar.Finish()
	}
	ok := t.Wait()
	for _, err := range t.Errors() {
		a.log.Debug(what, zap.Error(err))
	}
	if n := len(t.Errors()); n > 0 {
		a.log.Warn(what+" finished with errors", zap.Int("errors", n))
	}
	return ok
}

func (a *app) loadSources() error {
	if *seriesFile != "" {
		path, err := a.resolver.Lookup(*seriesFile)
		if err != nil {
			return err
		}
		t, err := a.ts.Load(path, true)
		if err != nil {
			return err
		}
		a.wait(t, "loading "+path)
	}
	if flag.NArg() > 0 {
		a.wait(a.ts.AddSources(flag.Args(), true), "loading sources")
	}
	if *masWKT != "" {
		uris, err := a.seedFromIndex()
		if err != nil {
			return err
		}
		a.log.Info("metadata index sources", zap.Int("sources", len(uris)))
		a.wait(a.ts.AddSources(uris, true), "loading indexed sources")
	}
	return nil
}

func (a *app) seedFromIndex() ([]string, error) {
	if a.config.MAS.DSN == "" {
		return nil, fmt.Errorf("-mas_wkt needs mas.dsn")
	}
	store, err := mas.OpenPostgres(a.config.MAS.DSN, a.config.Loading.Threads)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	var cache mas.Cache
	if a.config.MAS.Memcache != "" {
		cache = mas.NewMemcacheCache(a.config.MAS.Memcache, time.Hour)
	}
	q := mas.Query{Collection: a.config.MAS.Collection, SRS: *masSRS, WKT: *masWKT}
	if q.Start, err = parseDate(*masStart); err != nil {
		return nil, err
	}
	if q.End, err = parseDate(*masEnd); err != nil {
		return nil, err
	}
	return mas.NewSourceIndex(store, cache, a.log).Intersects(context.Background(), q)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, utils.ISOFormat, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse date %q", s)
}

func parseRect(s string) (geo.Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return geo.Rect{}, fmt.Errorf("extent %q is not xmin,ymin,xmax,ymax", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geo.Rect{}, fmt.Errorf("extent %q: %v", s, err)
		}
		v[i] = f
	}
	if v[0] > v[2] || v[1] > v[3] {
		return geo.Rect{}, fmt.Errorf("extent %q is inverted", s)
	}
	return geo.Rect{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]}, nil
}

func (a *app) focus() error {
	if *focusExtent == "" {
		return nil
	}
	rect, err := parseRect(*focusExtent)
	if err != nil {
		return err
	}
	var pivot *time.Time
	if *focusPivot != "" {
		t, err := parseDate(*focusPivot)
		if err != nil {
			return err
		}
		pivot = &t
	}
	a.wait(a.ts.FocusVisibility(rect, *focusCRS, pivot, true), "focusing")
	return nil
}

func (a *app) summary() {
	visible := 0
	for _, src := range a.ts.Sources() {
		if src.IsVisible() {
			visible++
		}
	}
	a.log.Info("time series",
		zap.Int("dates", len(a.ts.Dates())),
		zap.Int("sources", a.ts.Len()),
		zap.Int("visible", visible),
		zap.Int("sensors", len(a.ts.Sensors())),
	)
	for _, d := range a.ts.Dates() {
		a.log.Debug("date",
			zap.Time("begin", d.Range.Begin),
			zap.String("sensor", a.ts.SensorName(d.SID)),
			zap.Int("sources", len(d.Sources)),
		)
	}
}

func (a *app) sampler() (processor.Sampler, func(), error) {
	if len(a.config.WorkerNodes) == 0 {
		return &processor.LocalSampler{
			Opener:    gdal.Opener{},
			Transform: gdal.TransformContext{},
			Dates:     a.ts.Factory().Dates,
		}, func() {}, nil
	}
	client, err := worker.Dial(a.config.WorkerNodes, a.log)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { client.Close() }, nil
}

func (a *app) extract(out io.Writer) error {
	points, err := readPoints(*pointsArg, *nameProp)
	if err != nil {
		return err
	}

	field := a.config.Profile.Field
	layer, err := profile.OpenLayer(profile.LayerOptions{
		Dir: a.config.Profile.LayerDir,
		Fields: []profile.Field{
			profile.NewProfileField(field),
			{Name: "name", Type: profile.String},
		},
		Log: a.log,
	})
	if err != nil {
		return err
	}
	defer layer.Close()

	sampler, closeSampler, err := a.sampler()
	if err != nil {
		return err
	}
	defer closeSampler()

	var uris []string
	for _, src := range a.ts.Sources() {
		if src.IsVisible() {
			uris = append(uris, src.URI())
		}
	}
	pts := make([]geo.Point, len(points))
	for i := range points {
		pts[i] = points[i].Point
	}

	t, result := processor.NewProfileLoaderTask(uris, pts, *pointsCRS, processor.ProfileLoaderOptions{
		Sampler:   sampler,
		Threads:   a.config.Profile.Threads,
		Cache:     processor.CacheFromSources(a.ts.Sources()),
		Layer:     layer,
		Field:     field,
		Log:       a.log,
		Metrics:   a.pm,
		Collector: metrics.NewMetricsCollector("profile", a.ml),
	})
	a.tasks.Submit(t)
	if !a.wait(t, "extracting profiles") {
		return fmt.Errorf("profile extraction did not complete")
	}

	records := result.Records()
	err = layer.Edit(func(e *profile.Editor) error {
		for _, r := range records {
			f := &profile.Feature{
				ID:         r.FID,
				Point:      r.Point,
				Attributes: map[string]interface{}{"name": points[r.Index].Name},
				Profiles:   map[string]*profile.Record{field: r.Record},
			}
			if err := e.UpdateFeature(f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	series, err := a.evaluate(layer, records, field)
	if err != nil {
		return err
	}
	return a.render(out, series)
}

func bandArg(s string) interface{} {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}

func (a *app) evaluate(layer *profile.Layer, records []processor.PointRecord, field string) ([]*utils.ProfileSeries, error) {
	engine := profile.NewEngine(nil, layer.ProfileFields(), a.log)
	var dates []string
	if *dateFilter != "" {
		dates = strings.Split(*dateFilter, ",")
	}

	var series []*utils.ProfileSeries
	for _, r := range records {
		f, err := layer.Feature(r.FID)
		if err != nil {
			return nil, err
		}
		name, _ := f.Attributes["name"].(string)
		x, y, err := engine.Profile(f.Profile(field), bandArg(*band), dates)
		if err != nil {
			return nil, err
		}
		s := utils.NewProfileSeries(f.ID, name, f.Point.X, f.Point.Y, *band, x, y)
		if *expression != "" {
			v, err := engine.Evaluate(*expression, f)
			if err != nil {
				return nil, err
			}
			s.Expression = *expression
			s.Result = utils.FormatResult(v)
		}
		series = append(series, s)
	}
	return series, nil
}

func (a *app) render(out io.Writer, series []*utils.ProfileSeries) error {
	switch *outFormat {
	case "csv":
		return utils.EncodeProfilesCSV(out, series)
	case "json":
		return utils.EncodeProfilesJSON(out, series)
	case "text":
		path := *templateArg
		if path != "" {
			var err error
			if path, err = a.resolver.Lookup(path); err != nil {
				return err
			}
		}
		tmpl, err := utils.LoadProfileTemplate(path)
		if err != nil {
			return err
		}
		return utils.RenderProfiles(out, tmpl, series)
	}
	return fmt.Errorf("unknown output format %q", *outFormat)
}

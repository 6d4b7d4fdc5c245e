package profile

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
	goeval "github.com/edisonguo/govaluate"
	"github.com/nci/eotsv/spectral"
	"github.com/nci/eotsv/timeseries"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Engine evaluates expressions over the profile fields of a feature. Two
// functions are available:
//
//	tpval(band [, field [, date]])
//	tptime([field [, date]])
//
// band is a 1-based band index, a band identifier such as "NIR" or a
// spectral index short name such as "NDVI". date filters observations by
// ISO prefix and may be a single string or a list.
//
// The expression language reads numbers as float32 and its operators work
// on float32 only; tpval results and spectral index formulas are float64.
// Per-sensor band tables and compiled index formulas are cached for the
// lifetime of the engine.
type Engine struct {
	cat    *spectral.Catalogue
	fields []Field
	log    *zap.Logger

	mu       sync.Mutex
	tables   map[string]map[string]int
	formulas map[string]*govaluate.EvaluableExpression
}

// NewEngine creates an engine for a layer schema. A nil catalogue selects
// the shipped one.
func NewEngine(cat *spectral.Catalogue, fields []Field, log *zap.Logger) *Engine {
	if cat == nil {
		cat = spectral.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cat:      cat,
		fields:   ProfileFields(fields),
		log:      log,
		tables:   make(map[string]map[string]int),
		formulas: make(map[string]*govaluate.EvaluableExpression),
	}
}

// Evaluate evaluates expression with f as the current feature.
func (e *Engine) Evaluate(expression string, f *Feature) (interface{}, error) {
	functions := map[string]goeval.ExpressionFunction{
		"tpval": func(args ...interface{}) (interface{}, error) {
			return e.tpval(f, args)
		},
		"tptime": func(args ...interface{}) (interface{}, error) {
			return e.tptime(f, args)
		},
	}
	expr, err := goeval.NewEvaluableExpressionWithFunctions(expression, functions)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid expression %q", expression)
	}
	res, err := expr.Evaluate(nil)
	if err != nil {
		return nil, err
	}
	return widen(res), nil
}

// widen converts float32 results of the expression language to float64.
func widen(v interface{}) interface{} {
	switch t := v.(type) {
	case float32:
		return float64(t)
	case []float32:
		out := make([]float64, len(t))
		for i, f := range t {
			out[i] = float64(f)
		}
		return out
	}
	return v
}

func (e *Engine) tpval(f *Feature, args []interface{}) (interface{}, error) {
	if len(args) < 1 || len(args) > 3 {
		return nil, fmt.Errorf("tpval: expected 1 to 3 arguments, got %d", len(args))
	}
	rec, err := e.record(f, args[1:])
	if err != nil {
		return nil, err
	}
	dates, err := dateArg(args, 2)
	if err != nil {
		return nil, err
	}
	band, err := bandArg(args[0])
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	_, y, err := e.Profile(rec, band, dates)
	if err != nil {
		return nil, err
	}
	switch len(y) {
	case 0:
		return nil, nil
	case 1:
		return y[0], nil
	}
	return y, nil
}

func (e *Engine) tptime(f *Feature, args []interface{}) (interface{}, error) {
	if len(args) > 2 {
		return nil, fmt.Errorf("tptime: expected at most 2 arguments, got %d", len(args))
	}
	rec, err := e.record(f, args)
	if err != nil {
		return nil, err
	}
	dates, err := dateArg(args, 1)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	var out []string
	for _, d := range rec.Date {
		if matchDate(d, dates) {
			out = append(out, d)
		}
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	}
	return out, nil
}

// record picks the profile named by the optional first element of args,
// defaulting to the first profile field of the schema.
func (e *Engine) record(f *Feature, args []interface{}) (*Record, error) {
	if f == nil {
		return nil, nil
	}
	if len(args) > 0 {
		name, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("field name must be a string, got %v", args[0])
		}
		for _, fd := range e.fields {
			if fd.Name == name {
				return f.Profile(name), nil
			}
		}
		return nil, errors.Wrapf(ErrUnknownField, "%q is not a profile field", name)
	}
	if len(e.fields) == 0 {
		return nil, ErrNoProfileField
	}
	return f.Profile(e.fields[0].Name), nil
}

// number reports whether v is a numeric literal of either expression
// language.
func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func bandArg(arg interface{}) (interface{}, error) {
	if v, ok := number(arg); ok {
		if v != math.Trunc(v) || v < 1 {
			return nil, errors.Wrapf(ErrUnknownBand, "band %v", v)
		}
		return int(v), nil
	}
	if v, ok := arg.(string); ok {
		s := strings.TrimSpace(v)
		if n, err := strconv.Atoi(s); err == nil {
			return bandArg(n)
		}
		return s, nil
	}
	return nil, errors.Wrapf(ErrUnknownBand, "band %v", arg)
}

// datePrefix accepts a date string or a bare year such as 2014.
func datePrefix(v interface{}) (string, bool) {
	if s, ok := v.(string); ok {
		return s, true
	}
	if n, ok := number(v); ok && n == math.Trunc(n) && n >= 0 {
		return strconv.Itoa(int(n)), true
	}
	return "", false
}

func dateArg(args []interface{}, i int) ([]string, error) {
	if len(args) <= i {
		return nil, nil
	}
	switch v := args[i].(type) {
	case nil:
		return nil, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, d := range v {
			s, ok := datePrefix(d)
			if !ok {
				return nil, fmt.Errorf("date filter must hold strings, got %v", d)
			}
			out = append(out, s)
		}
		return out, nil
	}
	if s, ok := datePrefix(args[i]); ok {
		return []string{s}, nil
	}
	return nil, fmt.Errorf("date filter must be a string or list, got %v", args[i])
}

func matchDate(date string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(date, p) {
			return true
		}
	}
	return false
}

// Profile extracts the observations of rec for band, which is either an
// int band index or a band identifier / spectral index name. Observations
// a sensor cannot resolve are omitted. A sensor id in rec that does not
// parse fails the whole profile with timeseries.ErrInvalidSensorID.
func (e *Engine) Profile(rec *Record, band interface{}, dates []string) ([]string, []float64, error) {
	value, err := e.resolver(band)
	if err != nil || rec == nil {
		return nil, nil, err
	}
	var x []string
	var y []float64
	warned := false
	for i := range rec.Date {
		if !matchDate(rec.Date[i], dates) {
			continue
		}
		s := rec.Sensor[i]
		if s < 0 || s >= len(rec.SensorIDs) {
			return nil, nil, errors.Wrapf(ErrInvalidRecord, "observation %d: sensor index %d", i, s)
		}
		v, ok, err := value(rec.SensorIDs[s], rec.Values[i])
		if errors.Is(err, timeseries.ErrInvalidSensorID) {
			return nil, nil, errors.Wrapf(err, "observation %d", i)
		}
		if err != nil {
			if !warned {
				e.log.Warn("profile value", zap.Error(err))
				warned = true
			}
			v, ok = math.NaN(), true
		}
		if !ok {
			continue
		}
		x = append(x, rec.Date[i])
		y = append(y, v)
	}
	return x, y, nil
}

type valueFunc func(sid string, values Values) (float64, bool, error)

func (e *Engine) resolver(band interface{}) (valueFunc, error) {
	switch b := band.(type) {
	case int:
		if b < 1 {
			return nil, errors.Wrapf(ErrUnknownBand, "band %d", b)
		}
		return func(_ string, values Values) (float64, bool, error) {
			if b > len(values) {
				return math.NaN(), true, fmt.Errorf("band %d exceeds %d bands", b, len(values))
			}
			return values[b-1], true, nil
		}, nil
	case string:
		if key, _, ok := e.cat.LookupBand(b); ok {
			return func(sid string, values Values) (float64, bool, error) {
				idx, err := e.bandIndex(sid, key)
				if err != nil || idx < 0 {
					return 0, false, err
				}
				if idx >= len(values) {
					return math.NaN(), true, fmt.Errorf("band %s resolves past %d values", key, len(values))
				}
				return values[idx], true, nil
			}, nil
		}
		if idx, ok := e.cat.LookupIndex(b); ok {
			return e.indexResolver(idx)
		}
	}
	return nil, errors.Wrapf(ErrUnknownBand, "%v", band)
}

func (e *Engine) indexResolver(idx spectral.Index) (valueFunc, error) {
	expr, err := e.formula(idx)
	if err != nil {
		return nil, err
	}
	required := e.cat.RequiredBands(idx)
	params := make(map[string]interface{}, len(idx.Bands))
	for _, name := range idx.Bands {
		if v, ok := e.cat.ConstantValue(idx, name); ok {
			params[name] = v
		}
	}
	return func(sid string, values Values) (float64, bool, error) {
		p := make(map[string]interface{}, len(params)+len(required))
		for k, v := range params {
			p[k] = v
		}
		for _, name := range required {
			key, _, ok := e.cat.LookupBand(name)
			if !ok {
				return 0, false, errors.Wrapf(ErrUnknownBand, "%s requires %s", idx.ShortName, name)
			}
			bi, err := e.bandIndex(sid, key)
			if err != nil || bi < 0 {
				return 0, false, err
			}
			if bi >= len(values) {
				return math.NaN(), true, nil
			}
			p[name] = values[bi]
		}
		res, err := expr.Evaluate(p)
		if err != nil {
			return math.NaN(), true, err
		}
		v, ok := number(res)
		if !ok || math.IsInf(v, 0) {
			return math.NaN(), true, nil
		}
		return v, true, nil
	}, nil
}

func (e *Engine) formula(idx spectral.Index) (*govaluate.EvaluableExpression, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if expr, ok := e.formulas[idx.ShortName]; ok {
		return expr, nil
	}
	expr, err := govaluate.NewEvaluableExpression(idx.Formula)
	if err != nil {
		return nil, errors.Wrapf(err, "spectral index %s", idx.ShortName)
	}
	e.formulas[idx.ShortName] = expr
	return expr, nil
}

// bandIndex returns the 0-based band of sensor sid nearest to the centre
// of a band identifier, or -1 when the centre is outside the sensor's
// wavelength range or the sensor has no wavelengths.
func (e *Engine) bandIndex(sid, key string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	table, ok := e.tables[sid]
	if !ok {
		id, err := timeseries.ParseSensorID(sid)
		if err != nil {
			return -1, err
		}
		table = e.bandTable(id)
		e.tables[sid] = table
	}
	idx, ok := table[key]
	if !ok {
		return -1, nil
	}
	return idx, nil
}

func (e *Engine) bandTable(sid timeseries.SensorID) map[string]int {
	table := make(map[string]int)
	wl := sid.WavelengthsNM()
	if len(wl) == 0 {
		return table
	}
	lo, hi := wl[0], wl[0]
	for _, w := range wl {
		lo, hi = math.Min(lo, w), math.Max(hi, w)
	}
	for key, info := range e.cat.Bands {
		center := info.Center()
		if center < lo || center > hi {
			continue
		}
		best := 0
		for i, w := range wl {
			if math.Abs(w-center) < math.Abs(wl[best]-center) {
				best = i
			}
		}
		table[key] = best
	}
	return table
}

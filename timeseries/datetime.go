package timeseries

import (
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nci/eotsv/raster"
	yaml "gopkg.in/yaml.v2"
)

// DatePattern matches a date inside a file or directory name. Named groups
// year, month, day, julian_day, hour, minute, second and decimal_year are
// recognised.
type DatePattern struct {
	Name    string
	Pattern *regexp.Regexp
}

var DatePatterns = []DatePattern{
	{"landsat_product", regexp.MustCompile(`L[COTEM]0[1-9]_L\w{3}_\d{6}_(?P<year>\d{4})(?P<month>\d{2})(?P<day>\d{2})_\d{8}_\d{2}_(T1|T2|RT)`)},
	{"landsat_scene", regexp.MustCompile(`L[COTEM][1-9]\d{6}(?P<year>\d{4})(?P<julian_day>\d{3})[A-Z]{3}\d{2}`)},
	{"sentinel2", regexp.MustCompile(`S2[ABCD]_MSI\w{3}_(?P<year>\d{4})(?P<month>\d{2})(?P<day>\d{2})T(?P<hour>\d{2})(?P<minute>\d{2})(?P<second>\d{2})`)},
	{"force", regexp.MustCompile(`(?P<year>\d{4})(?P<month>\d{2})(?P<day>\d{2})_LEVEL\d_[A-Za-z0-9]+_(BOA|QAI|TOA|CLD|HOT|VZN|DST|AOD|WVP|IMP)`)},
	{"pleiades_spot", regexp.MustCompile(`DS_(PHR|SPOT)\w*?_(?P<year>\d{4})(?P<month>\d{2})(?P<day>\d{2})(?P<hour>\d{2})(?P<minute>\d{2})(?P<second>\d{2})`)},
	{"iso_datetime", regexp.MustCompile(`(?P<year>\d{4})-(?P<month>\d{2})-(?P<day>\d{2})T(?P<hour>\d{2}):?(?P<minute>\d{2}):?(?P<second>\d{2})`)},
	{"yyyy-mm-dd", regexp.MustCompile(`(?:^|\D)(?P<year>(?:19|20)\d{2})[-_.](?P<month>[01]\d)[-_.](?P<day>[0-3]\d)(?:\D|$)`)},
	{"yyyy/mm/dd", regexp.MustCompile(`(?:^|\D)(?P<year>(?:19|20)\d{2})/(?P<month>[01]\d)/(?P<day>[0-3]\d)(?:\D|$)`)},
	{"yyyymmdd", regexp.MustCompile(`(?:^|\D)(?P<year>(?:19|20)\d{2})(?P<month>[01]\d)(?P<day>[0-3]\d)(?:\D|$)`)},
	{"yyyy-doy", regexp.MustCompile(`(?:^|\D)(?P<year>(?:19|20)\d{2})[-_](?P<julian_day>[0-3]\d{2})(?:\D|$)`)},
	{"decimal_year", regexp.MustCompile(`(?:^|[^\d.])(?P<decimal_year>(?:19|20)\d{2}\.\d+)(?:\D|$)`)},
}

// ParseName applies DatePatterns to name in order and returns the first
// valid date.
func ParseName(name string) (time.Time, bool) {
	for _, dp := range DatePatterns {
		match := dp.Pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		fields := make(map[string]string)
		for i, group := range dp.Pattern.SubexpNames() {
			if i != 0 && group != "" {
				fields[group] = match[i]
			}
		}
		if t, ok := parseTime(fields); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseTime(nameFields map[string]string) (time.Time, bool) {
	if dec, ok := nameFields["decimal_year"]; ok {
		v, err := strconv.ParseFloat(dec, 64)
		if err != nil {
			return time.Time{}, false
		}
		year := int(math.Floor(v))
		start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(year+1, 1, 1, 0, 0, 0, 0, time.UTC)
		offset := time.Duration((v - float64(year)) * float64(end.Sub(start)))
		return start.Add(offset).Truncate(time.Second), true
	}

	yearStr, ok := nameFields["year"]
	if !ok {
		return time.Time{}, false
	}
	year, err := strconv.Atoi(yearStr)
	if err != nil {
		return time.Time{}, false
	}
	t := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)

	if jd, ok := nameFields["julian_day"]; ok {
		julianDay, _ := strconv.Atoi(jd)
		if julianDay < 1 || julianDay > 366 {
			return time.Time{}, false
		}
		t = t.AddDate(0, 0, julianDay-1)
		if t.Year() != year {
			return time.Time{}, false
		}
	}

	if _, ok := nameFields["month"]; ok {
		if _, ok := nameFields["day"]; ok {
			month, _ := strconv.Atoi(nameFields["month"])
			day, _ := strconv.Atoi(nameFields["day"])
			t = time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
			if int(t.Month()) != month || t.Day() != day {
				return time.Time{}, false
			}
		}
	}

	clock := []struct {
		field string
		unit  time.Duration
		max   int
	}{{"hour", time.Hour, 23}, {"minute", time.Minute, 59}, {"second", time.Second, 60}}
	for _, c := range clock {
		if s, ok := nameFields[c.field]; ok {
			v, _ := strconv.Atoi(s)
			if v < 0 || v > c.max {
				return time.Time{}, false
			}
			t = t.Add(c.unit * time.Duration(v))
		}
	}
	return t, true
}

var reAcquisitionKey = regexp.MustCompile(`(?i)^acquisition[ _]*(time|date|datetime)`)

var metadataDateFormats = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006:01:02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseDateTime parses a date-time value as found in metadata items and
// sidecar files.
func ParseDateTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range metadataDateFormats {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return ParseName(value)
}

// DateReader resolves the acquisition date-time of a raster. Strategies
// are tried in a fixed order and the first success wins:
//
//	cached value, fixed temporal range, acquisition metadata items, file
//	name, parent directory name, XML sidecars, YAML sidecars.
type DateReader struct {
	cache sync.Map
}

func NewDateReader() *DateReader {
	return &DateReader{}
}

// Read returns the date-time of ds. path defaults to ds.URI().
func (r *DateReader) Read(ds raster.Dataset, path string) (time.Time, bool) {
	if path == "" && ds != nil {
		path = ds.URI()
	}
	if v, ok := r.cache.Load(path); ok {
		return v.(time.Time), true
	}

	strategies := []func(raster.Dataset, string) (time.Time, bool){
		fromTemporalRange,
		fromMetadata,
		fromBaseName,
		fromDirectoryName,
		fromXMLSidecar,
		fromYAMLSidecar,
	}
	for _, strategy := range strategies {
		if t, ok := strategy(ds, path); ok {
			r.cache.Store(path, t)
			return t, true
		}
	}
	return time.Time{}, false
}

// Remember caches t for path, as done for sources restored from a saved
// definition.
func (r *DateReader) Remember(path string, t time.Time) {
	r.cache.Store(path, t.UTC())
}

func fromTemporalRange(ds raster.Dataset, _ string) (time.Time, bool) {
	td, ok := ds.(raster.TemporalDataset)
	if !ok {
		return time.Time{}, false
	}
	begin, _, ok := td.TemporalRange()
	if !ok || begin.IsZero() {
		return time.Time{}, false
	}
	return begin.UTC(), true
}

func fromMetadata(ds raster.Dataset, _ string) (time.Time, bool) {
	if ds == nil {
		return time.Time{}, false
	}
	for _, domain := range []string{"", "IMAGERY"} {
		md := ds.Metadata(domain)
		for _, key := range sortedKeys(md) {
			if !reAcquisitionKey.MatchString(key) {
				continue
			}
			if t, ok := ParseDateTime(md[key]); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func fromBaseName(_ raster.Dataset, path string) (time.Time, bool) {
	return ParseName(filepath.Base(path))
}

func fromDirectoryName(_ raster.Dataset, path string) (time.Time, bool) {
	dir := filepath.Dir(path)
	if t, ok := ParseName(filepath.Base(dir)); ok {
		return t, true
	}
	// nested year/month/day directories
	parts := strings.Split(filepath.ToSlash(dir), "/")
	if len(parts) >= 3 {
		return ParseName(strings.Join(parts[len(parts)-3:], "/"))
	}
	return time.Time{}, false
}

var (
	reDimapDate      = regexp.MustCompile(`<IMAGING_DATE>\s*([0-9-]+)\s*</IMAGING_DATE>`)
	reDimapTime      = regexp.MustCompile(`<IMAGING_TIME>\s*([0-9:.]+)Z?\s*</IMAGING_TIME>`)
	reRapidEyeDate   = regexp.MustCompile(`<(?:re|eop):acquisitionDate(?:Time)?>\s*([^<]+?)\s*</(?:re|eop):acquisitionDate(?:Time)?>`)
	reXMLSidecarName = regexp.MustCompile(`(?i)(\.dim|_metadata\.xml|^metadata\.xml|dim_.*\.xml)$`)
)

func fromXMLSidecar(ds raster.Dataset, _ string) (time.Time, bool) {
	if ds == nil {
		return time.Time{}, false
	}
	for _, f := range ds.FileList() {
		if !reXMLSidecarName.MatchString(filepath.Base(f)) {
			continue
		}
		data, err := ioutil.ReadFile(f)
		if err != nil {
			continue
		}
		if t, ok := parseXMLDate(string(data)); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseXMLDate(doc string) (time.Time, bool) {
	if m := reDimapDate.FindStringSubmatch(doc); m != nil {
		value := m[1]
		if tm := reDimapTime.FindStringSubmatch(doc); tm != nil {
			value += "T" + tm[1]
		}
		return ParseDateTime(value)
	}
	if m := reRapidEyeDate.FindStringSubmatch(doc); m != nil {
		return ParseDateTime(m[1])
	}
	return time.Time{}, false
}

type ardMetadata struct {
	Extent struct {
		CenterDT string `yaml:"center_dt"`
	} `yaml:"extent"`
	Properties map[string]interface{} `yaml:"properties"`
}

func fromYAMLSidecar(_ raster.Dataset, path string) (time.Time, bool) {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	dir := filepath.Dir(path)
	candidates := []string{
		base + ".yaml",
		base + ".odc-metadata.yaml",
		filepath.Join(dir, "ga-metadata.yaml"),
		filepath.Join(dir, "agdc-metadata.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err != nil {
			continue
		}
		data, err := ioutil.ReadFile(c)
		if err != nil {
			continue
		}
		if t, ok := parseYAMLDate(data); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseYAMLDate(data []byte) (time.Time, bool) {
	var md ardMetadata
	if err := yaml.Unmarshal(data, &md); err != nil {
		return time.Time{}, false
	}
	if md.Extent.CenterDT != "" {
		if t, ok := ParseDateTime(md.Extent.CenterDT); ok {
			return t, true
		}
	}
	if v, ok := md.Properties["datetime"]; ok {
		switch dt := v.(type) {
		case string:
			return ParseDateTime(dt)
		case time.Time:
			return dt.UTC(), true
		}
	}
	return time.Time{}, false
}

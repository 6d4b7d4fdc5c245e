package extractor

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nci/eotsv/timeseries"
	"github.com/pkg/errors"
)

// Output formats understood by NewWriter.
const (
	FormatPath     = "path"
	FormatJSON     = "json"
	FormatTSV      = "tsv"
	FormatSeries   = "series"
	FormatIdentify = "identify"
)

// Writer receives crawled files. Flush must be called once the crawl is
// complete.
type Writer interface {
	Write(info *PosixInfo) error
	Flush() error
}

// NewWriter returns a writer for format. The identify format needs a
// source factory; baseDir makes series entries relative when set.
func NewWriter(format string, w io.Writer, factory *timeseries.SourceFactory, baseDir string) (Writer, error) {
	switch format {
	case FormatPath, "":
		return &lineWriter{w: w, line: func(info *PosixInfo) (string, error) { return info.FilePath, nil }}, nil
	case FormatJSON:
		return &lineWriter{w: w, line: func(info *PosixInfo) (string, error) {
			out, err := json.Marshal(info)
			return string(out), err
		}}, nil
	case FormatTSV:
		return &lineWriter{w: w, line: func(info *PosixInfo) (string, error) {
			out, err := json.Marshal(info)
			return fmt.Sprintf("%s\tposix\t%s", info.FilePath, out), err
		}}, nil
	case FormatSeries:
		return &seriesWriter{w: w, baseDir: baseDir}, nil
	case FormatIdentify:
		if factory == nil {
			return nil, errors.New("identify output needs a source factory")
		}
		return &lineWriter{w: w, line: func(info *PosixInfo) (string, error) {
			out, err := json.Marshal(Identify(factory, info.FilePath))
			return string(out), err
		}}, nil
	}
	return nil, errors.Errorf("unknown output format %q", format)
}

type lineWriter struct {
	w    io.Writer
	line func(*PosixInfo) (string, error)
}

func (lw *lineWriter) Write(info *PosixInfo) error {
	rec, err := lw.line(info)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(lw.w, rec)
	return err
}

func (lw *lineWriter) Flush() error { return nil }

// seriesWriter buffers paths and writes a sorted time series text
// definition on Flush.
type seriesWriter struct {
	w       io.Writer
	baseDir string
	mu      sync.Mutex
	paths   []string
}

func (sw *seriesWriter) Write(info *PosixInfo) error {
	p := info.FilePath
	if sw.baseDir != "" {
		if rel, err := filepath.Rel(sw.baseDir, p); err == nil {
			p = rel
		}
	}
	sw.mu.Lock()
	sw.paths = append(sw.paths, p)
	sw.mu.Unlock()
	return nil
}

func (sw *seriesWriter) Flush() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sort.Strings(sw.paths)
	if _, err := fmt.Fprintf(sw.w, "# eotsv time series, %d sources, crawled %s\n",
		len(sw.paths), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	for _, p := range sw.paths {
		if _, err := fmt.Fprintln(sw.w, p); err != nil {
			return err
		}
	}
	return nil
}

// Identify describes path the way the time series catalogue would.
func Identify(factory *timeseries.SourceFactory, path string) *SourceInfo {
	info := &SourceInfo{FilePath: path}
	src, err := factory.Create(path)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	dtg := src.DateTime()
	nb, nl, ns := src.Dims()
	info.Provider = src.Provider()
	info.DateTime = &dtg
	info.SID = src.SensorID().String()
	info.Dims = []int{nb, nl, ns}
	return info
}

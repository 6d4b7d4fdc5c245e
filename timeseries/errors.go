package timeseries

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

var (
	ErrUnreadableSource   = errors.New("unreadable source")
	ErrNoValidDate        = errors.New("no valid date")
	ErrNoSensorID         = errors.New("no sensor id")
	ErrInvalidSensorID    = errors.New("invalid sensor id")
	ErrIncompatibleExtent = errors.New("incompatible extent")
	ErrTransformFailed    = errors.New("transform failed")
)

// SourceError records why a single source could not be used. Pipelines
// collect these instead of failing.
type SourceError struct {
	URI     string
	Kind    error
	Message string
}

func newSourceError(uri string, kind error, format string, args ...interface{}) *SourceError {
	return &SourceError{URI: uri, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *SourceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.URI, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.URI, e.Kind, e.Message)
}

func (e *SourceError) Unwrap() error {
	return e.Kind
}

// SummarizeErrors counts errors by kind.
func SummarizeErrors(errs []error) map[string]int {
	counts := make(map[string]int)
	for _, err := range errs {
		kind := "other"
		var se *SourceError
		if errors.As(err, &se) && se.Kind != nil {
			kind = se.Kind.Error()
		}
		counts[kind]++
	}
	return counts
}

func summaryString(counts map[string]int) string {
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	s := ""
	for i, k := range kinds {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s=%d", k, counts[k])
	}
	return s
}

package mas

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Spit out a simple JSON-formatted error message for Content-Type: application/json
func httpJSONError(w http.ResponseWriter, err error, status int) {
	http.Error(w, fmt.Sprintf(`{ "error": %q }`, err.Error()), status)
}

// ParseQuery builds a query from the request path (the collection) and
// the srs, wkt, time, until and namespace parameters.
func ParseQuery(r *http.Request) (Query, error) {
	q := Query{
		Collection: r.URL.Path,
		SRS:        r.FormValue("srs"),
		WKT:        r.FormValue("wkt"),
	}
	var err error
	if q.Start, err = parseTime(r.FormValue("time")); err != nil {
		return q, errors.Wrap(err, "invalid time")
	}
	if q.End, err = parseTime(r.FormValue("until")); err != nil {
		return q, errors.Wrap(err, "invalid until")
	}
	if ns := r.FormValue("namespace"); ns != "" {
		q.Namespaces = strings.Split(ns, ",")
	}
	return q, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("cannot parse %q", s)
}

// Handler serves ?intersects queries, answering with the raw index
// response, or ?sources queries answering with the filtered URI list.
func Handler(idx *SourceIndex) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		query := r.URL.Query()
		_, intersects := query["intersects"]
		_, sources := query["sources"]
		if !intersects && !sources {
			httpJSONError(w, errors.New("unknown operation; currently supported: ?intersects, ?sources"), http.StatusBadRequest)
			return
		}

		q, err := ParseQuery(r)
		if err != nil {
			httpJSONError(w, err, http.StatusBadRequest)
			return
		}

		var out interface{}
		if intersects {
			out, err = idx.Query(r.Context(), q)
		} else {
			var uris []string
			uris, err = idx.Intersects(r.Context(), q)
			out = map[string][]string{"sources": uris}
		}
		if err != nil {
			httpJSONError(w, err, http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(out)
	})
}

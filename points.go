package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nci/eotsv/geo"
	geom "github.com/nci/geometry"
	"github.com/pkg/errors"
)

// namedPoint is a profile location with the label it is reported under.
type namedPoint struct {
	Name  string
	Point geo.Point
}

type pointCoords struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

type featureProps struct {
	Features []struct {
		ID         interface{}            `json:"id"`
		Properties map[string]interface{} `json:"properties"`
	} `json:"features"`
}

// readPoints accepts a GeoJSON feature collection file or an inline list
// "x,y;x,y". Non-point geometries are rejected.
func readPoints(arg, nameProp string) ([]namedPoint, error) {
	if _, err := os.Stat(arg); err != nil {
		return parseInlinePoints(arg)
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, errors.Wrap(err, "read points")
	}
	return parseGeoJSONPoints(data, nameProp)
}

func parseInlinePoints(arg string) ([]namedPoint, error) {
	var pts []namedPoint
	for i, pair := range strings.Split(arg, ";") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		xy := strings.Split(pair, ",")
		if len(xy) != 2 {
			return nil, fmt.Errorf("point %q is not x,y", pair)
		}
		x, errX := strconv.ParseFloat(strings.TrimSpace(xy[0]), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(xy[1]), 64)
		if errX != nil || errY != nil {
			return nil, fmt.Errorf("point %q is not numeric", pair)
		}
		pts = append(pts, namedPoint{Name: fmt.Sprintf("p%d", i+1), Point: geo.Point{X: x, Y: y}})
	}
	if len(pts) == 0 {
		return nil, errors.New("no points given")
	}
	return pts, nil
}

func parseGeoJSONPoints(data []byte, nameProp string) ([]namedPoint, error) {
	var fc geom.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, errors.Wrap(err, "problem unmarshalling GeoJSON feature collection")
	}
	var props featureProps
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, errors.Wrap(err, "problem unmarshalling GeoJSON properties")
	}

	var pts []namedPoint
	for i, feat := range fc.Features {
		switch g := feat.Geometry.(type) {
		case *geom.Point:
			raw, err := json.Marshal(g)
			if err != nil {
				return nil, errors.Wrapf(err, "feature %d", i)
			}
			var c pointCoords
			if err := json.Unmarshal(raw, &c); err != nil || len(c.Coordinates) < 2 {
				return nil, fmt.Errorf("feature %d: invalid point %s", i, raw)
			}
			pts = append(pts, namedPoint{
				Name:  featureName(props, i, nameProp),
				Point: geo.Point{X: c.Coordinates[0], Y: c.Coordinates[1]},
			})
		default:
			return nil, fmt.Errorf("feature %d: only point geometries can be profiled", i)
		}
	}
	if len(pts) == 0 {
		return nil, errors.New("feature collection has no points")
	}
	return pts, nil
}

func featureName(props featureProps, i int, nameProp string) string {
	if i < len(props.Features) {
		f := props.Features[i]
		if v, ok := f.Properties[nameProp]; ok && v != nil {
			return fmt.Sprint(v)
		}
		if f.ID != nil {
			return fmt.Sprint(f.ID)
		}
	}
	return fmt.Sprintf("p%d", i+1)
}

package worker

import (
	"math"
	"time"

	"github.com/nci/eotsv/geo"
	"github.com/nci/eotsv/processor"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

const timeFormat = time.RFC3339Nano

func EncodeRequest(req *processor.SampleRequest) (*structpb.Struct, error) {
	points := make([]interface{}, len(req.Points))
	for i, p := range req.Points {
		points[i] = []interface{}{p.X, p.Y}
	}
	m := map[string]interface{}{
		"uri":    req.URI,
		"crs":    req.CRS,
		"points": points,
	}
	if req.Identity != nil {
		m["sid"] = req.Identity.SID
		m["datetime"] = req.Identity.DateTime.Format(timeFormat)
	}
	return structpb.NewStruct(m)
}

func DecodeRequest(s *structpb.Struct) (*processor.SampleRequest, error) {
	m := s.AsMap()
	uri, _ := m["uri"].(string)
	if uri == "" {
		return nil, errors.New("sample request without uri")
	}
	req := &processor.SampleRequest{URI: uri}
	req.CRS, _ = m["crs"].(string)

	raw, _ := m["points"].([]interface{})
	for i, p := range raw {
		xy, ok := p.([]interface{})
		if !ok || len(xy) != 2 {
			return nil, errors.Errorf("point %d: expected [x, y]", i)
		}
		x, okx := xy[0].(float64)
		y, oky := xy[1].(float64)
		if !okx || !oky {
			return nil, errors.Errorf("point %d: coordinates must be numbers", i)
		}
		req.Points = append(req.Points, geo.Point{X: x, Y: y})
	}

	if sid, ok := m["sid"].(string); ok && sid != "" {
		dt, err := time.Parse(timeFormat, stringOf(m["datetime"]))
		if err != nil {
			return nil, errors.Wrap(err, "sample request datetime")
		}
		req.Identity = &processor.Identity{SID: sid, DateTime: dt}
	}
	return req, nil
}

// EncodeResult writes masked values and points without values as nulls.
func EncodeResult(res *processor.SampleResult) (*structpb.Struct, error) {
	values := make([]interface{}, len(res.Values))
	for i, row := range res.Values {
		if row == nil {
			continue
		}
		out := make([]interface{}, len(row))
		for j, v := range row {
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				out[j] = v
			}
		}
		values[i] = out
	}
	return structpb.NewStruct(map[string]interface{}{
		"sid":      res.Identity.SID,
		"datetime": res.Identity.DateTime.Format(timeFormat),
		"values":   values,
		"timings": map[string]interface{}{
			"init_layer": res.Timings.InitLayer.Seconds(),
			"sid_dtg":    res.Timings.SidDtg.Seconds(),
			"sample":     res.Timings.Sample.Seconds(),
		},
	})
}

func DecodeResult(s *structpb.Struct) (*processor.SampleResult, error) {
	m := s.AsMap()
	dt, err := time.Parse(timeFormat, stringOf(m["datetime"]))
	if err != nil {
		return nil, errors.Wrap(err, "sample result datetime")
	}
	res := &processor.SampleResult{Identity: processor.Identity{SID: stringOf(m["sid"]), DateTime: dt}}

	raw, _ := m["values"].([]interface{})
	res.Values = make([][]float64, len(raw))
	for i, r := range raw {
		row, ok := r.([]interface{})
		if !ok {
			continue
		}
		values := make([]float64, len(row))
		for j, v := range row {
			if f, ok := v.(float64); ok {
				values[j] = f
			} else {
				values[j] = math.NaN()
			}
		}
		res.Values[i] = values
	}

	if t, ok := m["timings"].(map[string]interface{}); ok {
		res.Timings.InitLayer = seconds(t["init_layer"])
		res.Timings.SidDtg = seconds(t["sid_dtg"])
		res.Timings.Sample = seconds(t["sample"])
	}
	return res, nil
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}

func seconds(v interface{}) time.Duration {
	f, _ := v.(float64)
	return time.Duration(f * float64(time.Second))
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package artifact assembles the live JSON document and its gzip encoding.
package artifact

import (
	"bytes"
	"encoding/json"
	"math"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/errs"

	"storj.io/datasleigh/sleigh/aggregate"
	"storj.io/datasleigh/sleigh/season"
	"storj.io/datasleigh/sleigh/segment"
)

// Error is the default error class for the artifact package.
var Error = errs.Class("artifact")

// timeLayout is ISO-8601 UTC with millisecond precision.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Time marshals as ISO-8601 UTC with millisecond precision.
type Time time.Time

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).UTC().Format(timeLayout) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return Error.Wrap(err)
	}
	parsed, err := time.Parse(timeLayout, text)
	if err != nil {
		return Error.Wrap(err)
	}
	*t = Time(parsed)
	return nil
}

// Document is the complete live artifact.
type Document struct {
	GeneratedAt        Time          `json:"generated_at"`
	Season             Season        `json:"season"`
	ReplayDelaySeconds int           `json:"replay_delay_seconds"`
	MinutesOfData      int           `json:"minutes_of_data"`
	Measurements       []Measurement `json:"measurements"`
	Agg1m              Aggregation   `json:"agg_1m"`
	Agg5m              Aggregation   `json:"agg_5m"`
	Agg1h              Aggregation   `json:"agg_1h"`
	Analysis           Analysis      `json:"analysis"`
}

// Season describes the configured window relative to generation time.
type Season struct {
	Start    Time `json:"start"`
	End      Time `json:"end"`
	IsActive bool `json:"is_active"`
}

// Measurement is one raw reading.
type Measurement struct {
	T Time    `json:"t"`
	V float64 `json:"v"`
}

// Aggregation is one resolution block. LookbackHours is omitted for the
// full-history series.
type Aggregation struct {
	IntervalMinutes int      `json:"interval_minutes"`
	LookbackHours   float64  `json:"lookback_hours,omitempty"`
	Data            []Bucket `json:"data"`
}

// Bucket is the wire form of one aggregated interval.
type Bucket struct {
	T   Time    `json:"t"`
	M   float64 `json:"m"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	C   int64   `json:"c"`
	S   float64 `json:"s"`
}

// Analysis carries the consumption segments and the refill prediction.
type Analysis struct {
	Segments          []Segment   `json:"segments"`
	CurrentPrediction *Prediction `json:"current_prediction,omitempty"`
}

// Segment is the wire form of one fitted interval.
type Segment struct {
	ID         int     `json:"id"`
	Start      Time    `json:"start"`
	End        Time    `json:"end"`
	StartValue float64 `json:"start_value"`
	EndValue   float64 `json:"end_value"`
	Slope      float64 `json:"slope"`
	R2         float64 `json:"r2"`
	Points     int     `json:"points"`
	IsCurrent  bool    `json:"is_current"`
}

// Prediction is the wire form of the refill extrapolation.
type Prediction struct {
	Slope               float64 `json:"slope"`
	PredictedRefillTime Time    `json:"predicted_refill_time"`
}

// Params collects everything one artifact needs.
type Params struct {
	GeneratedAt   time.Time
	Season        season.Window
	ReplayDelay   time.Duration
	MinutesOfData int
	Measurements  []aggregate.Measurement
	Minutely      []aggregate.Bucket
	FiveMinutely  []aggregate.Bucket
	Hourly        []aggregate.Bucket
	Analysis      segment.Result
}

// Build assembles the document. Elements carrying non-finite numbers are
// omitted so the output always serializes as standard JSON. Collections are
// never nil, keeping empty arrays as [] on the wire.
func Build(params Params) Document {
	doc := Document{
		GeneratedAt: Time(params.GeneratedAt),
		Season: Season{
			Start:    Time(params.Season.Start),
			End:      Time(params.Season.End),
			IsActive: params.Season.Active(params.GeneratedAt),
		},
		ReplayDelaySeconds: int(params.ReplayDelay / time.Second),
		MinutesOfData:      params.MinutesOfData,
		Measurements:       make([]Measurement, 0, len(params.Measurements)),
		Agg1m: Aggregation{
			IntervalMinutes: 1,
			LookbackHours:   float64(params.MinutesOfData) / 60,
			Data:            buckets(params.Minutely),
		},
		Agg5m: Aggregation{
			IntervalMinutes: 5,
			LookbackHours:   24,
			Data:            buckets(params.FiveMinutely),
		},
		Agg1h: Aggregation{
			IntervalMinutes: 60,
			Data:            buckets(params.Hourly),
		},
		Analysis: Analysis{
			Segments: make([]Segment, 0, len(params.Analysis.Segments)),
		},
	}

	for _, m := range params.Measurements {
		if !finite(m.Value) {
			continue
		}
		doc.Measurements = append(doc.Measurements, Measurement{T: Time(m.Time), V: m.Value})
	}

	for _, seg := range params.Analysis.Segments {
		if !finite(seg.StartValue, seg.EndValue, seg.Slope, seg.R2) {
			continue
		}
		doc.Analysis.Segments = append(doc.Analysis.Segments, Segment{
			ID:         seg.ID,
			Start:      Time(seg.Start),
			End:        Time(seg.End),
			StartValue: seg.StartValue,
			EndValue:   seg.EndValue,
			Slope:      seg.Slope,
			R2:         seg.R2,
			Points:     seg.Points,
			IsCurrent:  seg.IsCurrent,
		})
	}

	if p := params.Analysis.Prediction; p != nil && finite(p.Slope) {
		doc.Analysis.CurrentPrediction = &Prediction{
			Slope:               p.Slope,
			PredictedRefillTime: Time(p.PredictedRefillTime),
		}
	}
	return doc
}

func buckets(in []aggregate.Bucket) []Bucket {
	out := make([]Bucket, 0, len(in))
	for _, b := range in {
		if !finite(b.Mean, b.Min, b.Max, b.Stddev) {
			continue
		}
		out = append(out, Bucket{
			T:   Time(b.Start),
			M:   b.Mean,
			Min: b.Min,
			Max: b.Max,
			C:   b.Count,
			S:   b.Stddev,
		})
	}
	return out
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// EncodeGzip serializes the document into buf at BestCompression. The buffer
// is reset first so it can be reused across publish cycles.
func EncodeGzip(doc Document, buf *bytes.Buffer) error {
	buf.Reset()
	gz, err := gzip.NewWriterLevel(buf, gzip.BestCompression)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := json.NewEncoder(gz).Encode(doc); err != nil {
		_ = gz.Close()
		return Error.Wrap(err)
	}
	return Error.Wrap(gz.Close())
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package segment fits piecewise-linear consumption segments to the hourly
// mean series and predicts the next refill.
//
// Measurements are distances, so consumption raises the reading and a refill
// drops it sharply. Refill jumps partition the series; each interval is
// fitted with ordinary least squares and recursively split at the worst
// residual until the fit quality bound is met or the piece becomes too short
// to matter.
package segment

import (
	"math"
	"sort"
	"time"
)

// ssTotEpsilon separates a genuinely constant interval from rounding noise.
const ssTotEpsilon = 1e-12

// Config holds the analysis bounds.
type Config struct {
	Table            string  `help:"observation table the consumption analysis reads" default:""`
	Topic            string  `help:"topic the consumption analysis reads" default:""`
	EmptyThreshold   float64 `help:"reading at which the container counts as empty" default:"400"`
	RefillThreshold  float64 `help:"drop between consecutive hourly means that counts as a refill" default:"5"`
	MinR2            float64 `help:"minimum r-squared for a segment to be kept" default:"0.4"`
	MinPoints        int     `help:"minimum hourly points before any analysis runs" default:"5"`
	MinSegmentPoints int     `help:"minimum points per segment, also the refill quiet window" default:"3"`
}

// Enabled reports whether the analysis has a data source configured.
func (config Config) Enabled() bool {
	return config.Table != "" && config.Topic != ""
}

// Point is one hourly mean sample.
type Point struct {
	Time  time.Time
	Value float64
}

// Segment is one fitted consumption interval. Ids are dense in time order,
// oldest zero. Start and end values are the fitted line evaluated at the
// interval bounds.
type Segment struct {
	ID         int
	Start      time.Time
	End        time.Time
	StartValue float64
	EndValue   float64
	Slope      float64 // units per hour
	R2         float64
	Points     int
	IsCurrent  bool
}

// Prediction extrapolates the current segment to the empty threshold.
type Prediction struct {
	Slope               float64
	PredictedRefillTime time.Time
}

// Result is the analysis output. Prediction is nil unless the current
// segment has positive slope.
type Result struct {
	Segments   []Segment
	Prediction *Prediction
}

// Analyze fits segments to the hourly series. Series shorter than MinPoints
// yield an empty result, as do series where no interval meets the fit bound.
func Analyze(points []Point, now time.Time, config Config) Result {
	if len(points) < config.MinPoints {
		return Result{}
	}

	sorted := append([]Point(nil), points...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	intervals, refills := partition(sorted, config.RefillThreshold)

	var fits []fit
	for _, iv := range intervals {
		fitInterval(sorted, iv.lo, iv.hi, config, &fits)
	}
	if len(fits) == 0 {
		return Result{}
	}

	// A refill in the quiet window before now means the container was just
	// refilled; the trailing points are too fresh to extrapolate.
	quiet := true
	for _, r := range refills {
		if r >= len(sorted)-config.MinSegmentPoints {
			quiet = false
			break
		}
	}

	result := Result{Segments: make([]Segment, 0, len(fits))}
	for i, f := range fits {
		seg := Segment{
			ID:         i,
			Start:      sorted[f.lo].Time,
			End:        sorted[f.hi].Time,
			StartValue: f.intercept,
			EndValue:   f.at(sorted, f.hi),
			Slope:      f.slope,
			R2:         f.r2,
			Points:     f.hi - f.lo + 1,
		}
		if i == len(fits)-1 && quiet {
			seg.IsCurrent = true
		}
		result.Segments = append(result.Segments, seg)
	}

	last := result.Segments[len(result.Segments)-1]
	if last.IsCurrent && last.Slope > 0 {
		hours := (config.EmptyThreshold - last.EndValue) / last.Slope
		// A nearly flat slope extrapolates beyond any useful horizon and
		// would overflow the duration conversion.
		if hours*float64(time.Hour) < float64(math.MaxInt64) {
			predicted := last.End.Add(time.Duration(hours * float64(time.Hour)))
			if predicted.Before(now) {
				predicted = now
			}
			result.Prediction = &Prediction{
				Slope:               last.Slope,
				PredictedRefillTime: predicted,
			}
		}
	}
	return result
}

type interval struct{ lo, hi int }

// partition splits the series at refill jumps and returns the intervals
// along with the index of the first point after each refill.
func partition(points []Point, refillThreshold float64) ([]interval, []int) {
	var intervals []interval
	var refills []int
	lo := 0
	for i := 1; i < len(points); i++ {
		if points[i-1].Value-points[i].Value > refillThreshold {
			intervals = append(intervals, interval{lo: lo, hi: i - 1})
			refills = append(refills, i)
			lo = i
		}
	}
	intervals = append(intervals, interval{lo: lo, hi: len(points) - 1})
	return intervals, refills
}

// fitInterval emits fits for [lo, hi], splitting at the worst residual while
// the quality bound is unmet. Pieces shorter than MinSegmentPoints are
// dropped as noise.
func fitInterval(points []Point, lo, hi int, config Config, out *[]fit) {
	if hi-lo+1 < config.MinSegmentPoints {
		return
	}
	f := fitOLS(points, lo, hi)
	if f.r2 >= config.MinR2 {
		*out = append(*out, f)
		return
	}
	if hi-lo+1 <= config.MinSegmentPoints {
		return
	}
	k := f.worstResidual(points)
	if k >= hi {
		k = hi - 1 // splitting must shrink both sides
	}
	fitInterval(points, lo, k, config, out)
	fitInterval(points, k+1, hi, config, out)
}

type fit struct {
	lo, hi    int
	slope     float64
	intercept float64
	r2        float64
}

// at evaluates the fitted line at the i-th point's elapsed time.
func (f fit) at(points []Point, i int) float64 {
	x := points[i].Time.Sub(points[f.lo].Time).Hours()
	return f.intercept + f.slope*x
}

// fitOLS computes the least-squares line over [lo, hi] against elapsed hours.
// A zero-variance interval counts as perfectly fit.
func fitOLS(points []Point, lo, hi int) fit {
	n := float64(hi - lo + 1)
	start := points[lo].Time

	var sumX, sumY, sumXY, sumXX float64
	for i := lo; i <= hi; i++ {
		x := points[i].Time.Sub(start).Hours()
		y := points[i].Value
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	f := fit{lo: lo, hi: hi}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		f.intercept = sumY / n
		f.r2 = 1
		return f
	}
	f.slope = (n*sumXY - sumX*sumY) / denom
	f.intercept = (sumY - f.slope*sumX) / n

	meanY := sumY / n
	var ssTot, ssRes float64
	for i := lo; i <= hi; i++ {
		y := points[i].Value
		residual := y - f.at(points, i)
		ssRes += residual * residual
		dev := y - meanY
		ssTot += dev * dev
	}
	if ssTot < ssTotEpsilon {
		f.r2 = 1
		return f
	}
	f.r2 = 1 - ssRes/ssTot
	return f
}

// worstResidual returns the index with the largest absolute residual.
func (f fit) worstResidual(points []Point) int {
	worst := f.lo
	worstAbs := -1.0
	for i := f.lo; i <= f.hi; i++ {
		abs := math.Abs(points[i].Value - f.at(points, i))
		if abs > worstAbs {
			worstAbs = abs
			worst = i
		}
	}
	return worst
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package aggregate computes multi-resolution statistics over snapshot data.
// It is pure: all reads go through a store snapshot and the reference time
// is a parameter.
package aggregate

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/datasleigh/sleigh/sleighdb"
)

// Error is the default error class for the aggregate package.
var Error = errs.Class("aggregate")

var mon = monkit.Package()

// Request describes one aggregation pass over a topic.
type Request struct {
	Table      string
	Topic      string
	Resolution time.Duration
	Since      time.Time // zero means from the earliest observation
	Now        time.Time
}

// Bucket is one aggregated interval. Stddev is the sample form and zero when
// the bucket holds fewer than two samples.
type Bucket struct {
	Start  time.Time
	Mean   float64
	Min    float64
	Max    float64
	Count  int64
	Stddev float64
}

// Measurement is one parsed raw observation.
type Measurement struct {
	Time  time.Time
	Value float64
}

// Diagnostics counts records excluded from statistics.
type Diagnostics struct {
	ParseFailures int
}

// Series computes ordered buckets over [since, now]. Bucket starts align to
// epoch multiples of the resolution; resolutions that divide a day keep that
// alignment under time.Truncate. Buckets without samples are omitted.
// Payloads that do not parse as finite floats are excluded and counted.
func Series(ctx context.Context, snap *sleighdb.Snapshot, req Request) (_ []Bucket, diag Diagnostics, err error) {
	defer mon.Task()(&ctx)(&err)

	if req.Resolution <= 0 {
		return nil, diag, Error.New("resolution must be positive, got %v", req.Resolution)
	}

	rows, err := snap.Observations(ctx, req.Table, req.Topic, req.Since, req.Now)
	if err != nil {
		return nil, diag, err
	}

	var buckets []Bucket
	var acc accumulator
	for _, row := range rows {
		value, ok := parsePayload(row.Payload)
		if !ok {
			diag.ParseFailures++
			continue
		}
		start := row.Time.UTC().Truncate(req.Resolution)
		if acc.count > 0 && !start.Equal(acc.start) {
			buckets = append(buckets, acc.bucket())
			acc = accumulator{}
		}
		acc.start = start
		acc.add(value)
	}
	if acc.count > 0 {
		buckets = append(buckets, acc.bucket())
	}

	if diag.ParseFailures > 0 {
		mon.Counter("aggregate_parse_failures").Inc(int64(diag.ParseFailures))
	}
	return buckets, diag, nil
}

// Measurements returns the parsed raw observations in [since, now], in time
// order.
func Measurements(ctx context.Context, snap *sleighdb.Snapshot, table, topic string, since, now time.Time) (_ []Measurement, diag Diagnostics, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := snap.Observations(ctx, table, topic, since, now)
	if err != nil {
		return nil, diag, err
	}

	measurements := make([]Measurement, 0, len(rows))
	for _, row := range rows {
		value, ok := parsePayload(row.Payload)
		if !ok {
			diag.ParseFailures++
			continue
		}
		measurements = append(measurements, Measurement{Time: row.Time.UTC(), Value: value})
	}

	if diag.ParseFailures > 0 {
		mon.Counter("aggregate_parse_failures").Inc(int64(diag.ParseFailures))
	}
	return measurements, diag, nil
}

func parsePayload(payload string) (float64, bool) {
	value, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}

// accumulator implements Welford's online mean and variance, which stays
// stable for large per-bucket counts.
type accumulator struct {
	start time.Time
	count int64
	mean  float64
	m2    float64
	min   float64
	max   float64
}

func (acc *accumulator) add(value float64) {
	acc.count++
	delta := value - acc.mean
	acc.mean += delta / float64(acc.count)
	acc.m2 += delta * (value - acc.mean)
	if acc.count == 1 || value < acc.min {
		acc.min = value
	}
	if acc.count == 1 || value > acc.max {
		acc.max = value
	}
}

func (acc *accumulator) bucket() Bucket {
	bucket := Bucket{
		Start: acc.start,
		Mean:  acc.mean,
		Min:   acc.min,
		Max:   acc.max,
		Count: acc.count,
	}
	if acc.count >= 2 {
		bucket.Stddev = math.Sqrt(acc.m2 / float64(acc.count-1))
	}
	return bucket
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package cloudsub

import (
	"encoding/json"
	"time"

	"github.com/zeebo/errs"

	"storj.io/datasleigh/sleigh/sleighdb"
)

// Parse failure kinds. Drops are logged once per kind, so each class is one
// operator-facing bucket.
var (
	errMalformedEvent = errs.Class("malformed event")
	errUnknownDevice  = errs.Class("unknown device")
	errEventTime      = errs.Class("bad event time")
)

// ParseEvent normalizes one raw report into a DeviceEvent. The registry
// decides the device class; humidity is kept for air devices only. Optional
// payload fields stay nil so they persist as NULL.
func ParseEvent(raw []byte, registry map[string]sleighdb.DeviceClass) (sleighdb.DeviceEvent, error) {
	var wire struct {
		Time     json.RawMessage `json:"time"`
		DeviceID string          `json:"deviceId"`
		Payload  struct {
			Temperature *float64 `json:"temperature"`
			Humidity    *float64 `json:"humidity"`
			Battery     *int     `json:"battery"`
			Signal      *int     `json:"signal"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return sleighdb.DeviceEvent{}, errMalformedEvent.Wrap(err)
	}
	if wire.DeviceID == "" {
		return sleighdb.DeviceEvent{}, errMalformedEvent.New("missing deviceId")
	}
	class, ok := registry[wire.DeviceID]
	if !ok {
		return sleighdb.DeviceEvent{}, errUnknownDevice.New("%q", wire.DeviceID)
	}
	when, err := parseEventTime(wire.Time)
	if err != nil {
		return sleighdb.DeviceEvent{}, err
	}

	event := sleighdb.DeviceEvent{
		Time:        when,
		DeviceID:    wire.DeviceID,
		Class:       class,
		Temperature: wire.Payload.Temperature,
		Battery:     wire.Payload.Battery,
		Signal:      wire.Payload.Signal,
		Raw:         string(raw),
	}
	if class == sleighdb.DeviceAir {
		event.Humidity = wire.Payload.Humidity
	}
	return event, nil
}

// parseEventTime accepts epoch milliseconds or an RFC 3339 string.
func parseEventTime(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, errEventTime.New("missing")
	}
	var millis int64
	if err := json.Unmarshal(raw, &millis); err == nil {
		return time.UnixMilli(millis).UTC(), nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		when, err := time.Parse(time.RFC3339, text)
		if err != nil {
			return time.Time{}, errEventTime.New("%q: %v", text, err)
		}
		return when.UTC(), nil
	}
	return time.Time{}, errEventTime.New("%s", string(raw))
}

// parseFailureKind buckets ParseEvent errors for once-per-kind logging.
func parseFailureKind(err error) string {
	switch {
	case errUnknownDevice.Has(err):
		return "unknown device"
	case errEventTime.Has(err):
		return "bad event time"
	default:
		return "malformed event"
	}
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package cloudsub_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"storj.io/datasleigh/sleigh/cloudsub"
	"storj.io/datasleigh/sleigh/sleighdb"
)

type fakeIngest struct {
	events []sleighdb.DeviceEvent
}

func (ingest *fakeIngest) EnqueueDeviceEvent(event sleighdb.DeviceEvent) {
	ingest.events = append(ingest.events, event)
}

func TestHandleMessageWarnsOncePerKind(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	ingest := &fakeIngest{}
	service := cloudsub.New(zap.New(core), ingest, nil, cloudsub.Config{
		AirDevices: cloudsub.DeviceList{"dev-air"},
	})

	service.HandleMessage([]byte(`garbage`))
	service.HandleMessage([]byte(`more garbage`))
	service.HandleMessage([]byte(`{"time": 1733401800000, "deviceId": "stranger", "payload": {}}`))
	service.HandleMessage([]byte(`{"time": 1733401800000, "deviceId": "dev-air", "payload": {"temperature": 20}}`))

	require.Len(t, ingest.events, 1)
	require.Equal(t, "dev-air", ingest.events[0].DeviceID)

	var warned, repeated []any
	for _, entry := range logs.All() {
		require.Equal(t, "dropping unparseable event", entry.Message)
		switch entry.Level {
		case zap.WarnLevel:
			warned = append(warned, entry.ContextMap()["kind"])
		case zap.DebugLevel:
			repeated = append(repeated, entry.ContextMap()["kind"])
		}
	}
	require.Equal(t, []any{"malformed event", "unknown device"}, warned)
	require.Equal(t, []any{"malformed event"}, repeated)
}

package aggregator

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwhai/sts-gateway/internal/message"
	"github.com/wwhai/sts-gateway/internal/modbus"
)

func newTestAggregator() (*Aggregator, chan message.AggregatorAction, chan message.StorageAction, chan message.TransportAction) {
	in := make(chan message.AggregatorAction, 4)
	storageTx := make(chan message.StorageAction, 4)
	transportTx := make(chan message.TransportAction, 4)
	log := logrus.New()
	log.SetOutput(io.Discard)
	a := &Aggregator{In: in, StorageTx: storageTx, TransportTx: transportTx, Log: log.WithField("component", "aggregator")}
	return a, in, storageTx, transportTx
}

// E2: message fan-out. One SendBoth produces exactly one storage insert
// and exactly two transport publishes, storage first.
func TestSendBothFanOut(t *testing.T) {
	a, in, storageTx, transportTx := newTestAggregator()
	go a.Run()

	in <- message.NewSendBoth(
		message.AttributeBatch{DeviceName: "dev1", Values: []modbus.DataPoint{{Key: "serial", Value: "42"}}},
		message.TimeseriesBatch{DeviceName: "dev1", Frames: []message.Frame{
			{TsMillis: 1700000000000, Values: []modbus.DataPoint{{Key: "power", Value: "120.5"}}},
		}},
	)
	close(in)

	insert := <-storageTx
	require.Equal(t, message.StorageInsertBoth, insert.Kind)
	assert.Equal(t, "dev1", insert.Insert.DeviceName)

	var seriesEnvelope map[string][]telemetryFrame
	require.NoError(t, json.Unmarshal([]byte(insert.Insert.TimeseriesJSON), &seriesEnvelope))
	assert.Len(t, seriesEnvelope, 1)
	assert.Equal(t, "120.5", seriesEnvelope["dev1"][0].Values["power"])

	first := <-transportTx
	assert.Equal(t, message.TransportSendTimeseries, first.Kind)
	second := <-transportTx
	assert.Equal(t, message.TransportSendAttributes, second.Kind)

	select {
	case extra := <-transportTx:
		t.Fatalf("expected exactly two transport publishes, got a third: %+v", extra)
	default:
	}
}

// Envelope keying: the top-level JSON object has exactly one key equal to
// the device name.
func TestEnvelopeKeying(t *testing.T) {
	a, in, storageTx, _ := newTestAggregator()
	go a.Run()

	in <- message.NewSendBoth(
		message.AttributeBatch{DeviceName: "dev2", Values: []modbus.DataPoint{{Key: "k", Value: "v"}}},
		message.TimeseriesBatch{DeviceName: "dev2"},
	)
	close(in)

	insert := <-storageTx
	var attrsEnvelope map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(insert.Insert.AttributesJSON), &attrsEnvelope))
	require.Len(t, attrsEnvelope, 1)
	_, ok := attrsEnvelope["dev2"]
	assert.True(t, ok)
}

func TestDeviceNameFallsBackToAttributes(t *testing.T) {
	action := message.NewSendBoth(
		message.AttributeBatch{DeviceName: "attrs-only"},
		message.TimeseriesBatch{},
	)
	assert.Equal(t, "attrs-only", action.Both.DeviceName())
}

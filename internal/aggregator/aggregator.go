// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.

// Package aggregator implements the gateway's single aggregator worker:
// it stamps every batch with a wall-clock timestamp, serializes both
// envelope kinds to JSON, and fans the result out to storage and
// transport in the order spec.md §4.2 requires — storage first, so a
// mid-flight crash never leaves the broker ahead of local durability.
package aggregator

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wwhai/sts-gateway/internal/message"
)

// telemetryFrame is the wire shape of one entry in a timeseries envelope.
type telemetryFrame struct {
	Ts     int64             `json:"ts"`
	Values map[string]string `json:"values"`
}

// Aggregator owns the aggregator worker's queue and downstream fan-out
// targets.
type Aggregator struct {
	In          <-chan message.AggregatorAction
	StorageTx   chan<- message.StorageAction
	TransportTx chan<- message.TransportAction
	Log         *logrus.Entry
}

// Run drains In until it is closed, dispatching each accepted action.
// Exhaustive dispatch is expected; the SendStatistics variant is declared
// per spec.md §9 design notes but never emitted by any poller.
func (a *Aggregator) Run() {
	for action := range a.In {
		switch action.Kind {
		case message.ActionSendBoth:
			a.handleSendBoth(action.Both)
		case message.ActionSendStatistics:
			a.Log.Debug("SendStatistics received; not part of the core pipeline")
		default:
			a.Log.WithField("kind", action.Kind).Error("unknown aggregator action")
		}
	}
	a.Log.Info("aggregator input closed, exiting")
}

func (a *Aggregator) handleSendBoth(batch message.SendBothAction) {
	ts := time.Now().UnixMilli()
	device := batch.DeviceName()

	attrsMap := make(map[string]string, len(batch.Attrs.Values))
	for _, dp := range batch.Attrs.Values {
		attrsMap[dp.Key] = dp.Value
	}
	attrsEnvelope := map[string]map[string]string{device: attrsMap}
	attrsJSON, err := json.Marshal(attrsEnvelope)
	if err != nil {
		a.Log.WithError(err).Error("marshal attributes envelope failed")
		return
	}

	frames := make([]telemetryFrame, 0, len(batch.Series.Frames))
	for _, f := range batch.Series.Frames {
		values := make(map[string]string, len(f.Values))
		for _, dp := range f.Values {
			values[dp.Key] = dp.Value
		}
		frames = append(frames, telemetryFrame{Ts: f.TsMillis, Values: values})
	}
	seriesEnvelope := map[string][]telemetryFrame{device: frames}
	seriesJSON, err := json.Marshal(seriesEnvelope)
	if err != nil {
		a.Log.WithError(err).Error("marshal timeseries envelope failed")
		return
	}

	rec := message.InsertRecord{
		TsMillis:       ts,
		DeviceName:     device,
		TimeseriesJSON: string(seriesJSON),
		HasTimeseries:  true,
		AttributesJSON: string(attrsJSON),
		HasAttributes:  true,
	}

	a.send(func() { a.StorageTx <- message.NewInsertBoth(rec) }, "storage insert")
	a.send(func() { a.TransportTx <- message.NewSendTimeseries(device, seriesJSON) }, "transport timeseries")
	a.send(func() { a.TransportTx <- message.NewSendAttributes(device, attrsJSON) }, "transport attributes")
}

// send recovers a send-on-closed-channel panic and logs it, matching
// spec.md §4.2's "any send failure is logged, not retried" rule — a
// closed downstream queue is a process-level fault the aggregator itself
// does not escalate.
func (a *Aggregator) send(do func(), what string) {
	defer func() {
		if r := recover(); r != nil {
			a.Log.WithField("target", what).WithField("panic", r).Error("send to closed channel")
		}
	}()
	do()
}

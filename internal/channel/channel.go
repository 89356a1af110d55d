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

// Package channel implements the Modbus channel pollers: one long-lived
// goroutine per configured endpoint, each owning its own wire transport
// (a TCP socket or a serial port) and a set of slave devices, running the
// periodic read-cycle described by the register map and dispatching
// decoded batches to the aggregator.
package channel

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wwhai/sts-gateway/internal/message"
	"github.com/wwhai/sts-gateway/internal/modbus"
)

// pollPeriod is the inter-cycle sleep. spec.md's open question (a) leaves
// this a hard-coded constant; implementations should expose it later but
// default to 10s.
const pollPeriod = 10 * time.Second

// Channel is the shared poller contract: own a transport, run forever.
type Channel interface {
	Run(ctx context.Context)
}

// SlaveBinding pairs a slave's identity with its resolved register map.
type SlaveBinding struct {
	DeviceName string
	ModbusID   uint8
	Registers  modbus.RegisterMap
}

// reader abstracts the wire-level Read Holding Registers exchange so the
// shared cycle algorithm in runCycle is transport-independent; TCPChannel
// and RTUChannel each supply one.
type reader interface {
	// readGroup issues one Read Holding Registers request against unitID
	// for the given group and returns the raw register words, or an error
	// if the group must be skipped (protocol fault, transport fault).
	readGroup(unitID uint8, group modbus.RegisterGroup) (modbus.RawRead, error)
}

// runCycle executes one full poll cycle over slaves using r, dispatching
// one SendBoth action per slave to aggregatorTx. It implements spec.md
// §4.1's cycle algorithm verbatim: attributes groups, then timeseries
// groups, skipping any group whose read fails.
func runCycle(log *logrus.Entry, r reader, slaves []SlaveBinding, aggregatorTx chan<- message.AggregatorAction) {
	for _, slave := range slaves {
		attrs := message.AttributeBatch{DeviceName: slave.DeviceName}
		series := message.TimeseriesBatch{DeviceName: slave.DeviceName}

		for _, group := range slave.Registers.Attributes {
			raw, err := r.readGroup(slave.ModbusID, group)
			if err != nil {
				log.WithError(err).WithField("device", slave.DeviceName).Warn("skipping attribute group")
				continue
			}
			points, err := group.DecodeGroup(raw)
			if err != nil {
				log.WithError(err).WithField("device", slave.DeviceName).Warn("skipping attribute group: decode failed")
				continue
			}
			attrs.Values = append(attrs.Values, points...)
		}

		for _, group := range slave.Registers.Timeseries {
			raw, err := r.readGroup(slave.ModbusID, group)
			if err != nil {
				log.WithError(err).WithField("device", slave.DeviceName).Warn("skipping timeseries group")
				continue
			}
			points, err := group.DecodeGroup(raw)
			if err != nil {
				log.WithError(err).WithField("device", slave.DeviceName).Warn("skipping timeseries group: decode failed")
				continue
			}
			series.Frames = append(series.Frames, message.Frame{TsMillis: nowMillis(), Values: points})
		}

		// A blocking send here only ever stalls this poller's own cycle;
		// each poller owns its transport exclusively, so it never holds up
		// another poller.
		aggregatorTx <- message.NewSendBoth(attrs, series)
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// sleepOrDone sleeps for d unless ctx is cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

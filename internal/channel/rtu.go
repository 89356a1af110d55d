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

package channel

import (
	"context"
	"fmt"
	"io"
	"time"

	goserial "github.com/hootrhino/goserial"
	"github.com/sirupsen/logrus"

	"github.com/wwhai/sts-gateway/internal/message"
	"github.com/wwhai/sts-gateway/internal/modbus"
)

const rtuReadTimeout = 1 * time.Second

// SerialParams carries the RTU channel's wire parameters as configured.
type SerialParams struct {
	Port     string
	BaudRate uint32
	DataBits uint8
	StopBits uint8
	Parity   string // "N", "E", "O"
}

// Normalize replaces each value the serial library would reject with a
// default, field by field: parity falls back to None, data bits to 8 and
// stop bits to 1; valid fields are left as configured. Returns whether a
// fallback was applied, for the caller to log.
func (p *SerialParams) Normalize() bool {
	fellBack := false
	switch p.Parity {
	case "N", "E", "O":
	default:
		p.Parity = "N"
		fellBack = true
	}
	switch p.DataBits {
	case 5, 6, 7, 8:
	default:
		p.DataBits = 8
		fellBack = true
	}
	switch p.StopBits {
	case 1, 2:
	default:
		p.StopBits = 1
		fellBack = true
	}
	return fellBack
}

// RTUChannel polls a set of slaves over one shared serial port, opened at
// startup and reused across cycles until a request write fails, after
// which it is closed and reopened.
type RTUChannel struct {
	Name         string
	Params       SerialParams
	Slaves       []SlaveBinding
	AggregatorTx chan<- message.AggregatorAction
	Log          *logrus.Entry
}

func (c *RTUChannel) Run(ctx context.Context) {
	log := c.Log.WithField("channel", c.Name)

	if c.Params.Normalize() {
		log.Warn("serial parameters fell back to None parity / 8 data bits / 1 stop bit")
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		port, err := goserial.Open(&goserial.Config{
			Address:  c.Params.Port,
			BaudRate: int(c.Params.BaudRate),
			DataBits: int(c.Params.DataBits),
			StopBits: int(c.Params.StopBits),
			Parity:   c.Params.Parity,
			Timeout:  rtuReadTimeout,
		})
		if err != nil {
			log.WithError(err).Warn("serial open failed, retrying")
			sleepOrDone(ctx, 1*time.Second)
			continue
		}

		c.runUntilDisconnect(ctx, log, port)
		port.Close()
	}
}

// runUntilDisconnect runs cycles against one open serial port until a
// request write fails, suggesting the port has gone away, then returns so
// Run can reopen it at the top of the loop. Read failures (timeouts, bad
// replies) only skip the affected group.
func (c *RTUChannel) runUntilDisconnect(ctx context.Context, log *logrus.Entry, port io.ReadWriteCloser) {
	r := &rtuReader{port: port}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		runCycle(log, r, c.Slaves, c.AggregatorTx)
		if r.disconnected {
			log.Warn("serial port disconnected, reopening")
			return
		}
		sleepOrDone(ctx, pollPeriod)
	}
}

// rtuReader issues one RTU request/response exchange per group over an
// already-open serial port, clearing stale bytes before and after every
// request per spec.md §4.1.
type rtuReader struct {
	port         io.ReadWriteCloser
	disconnected bool
}

func (r *rtuReader) readGroup(unitID uint8, group modbus.RegisterGroup) (modbus.RawRead, error) {
	discardStale(r.port)

	req := modbus.EncodeRTURequest(unitID, group.StartingAddress, group.ElementsCount)
	if _, err := r.port.Write(req); err != nil {
		r.disconnected = true
		return nil, fmt.Errorf("channel: rtu: write request: %w", err)
	}

	raw, err := modbus.ReadRTUResponse(r.port, unitID)
	discardStale(r.port)
	if err != nil {
		return nil, fmt.Errorf("channel: rtu: %w", err)
	}
	return raw, nil
}

// discardStale drains any bytes currently sitting in the port's read
// buffer, so an aborted prior cycle can never bleed into the next request.
// When nothing is pending, the read waits up to the port's read timeout
// before returning.
func discardStale(port io.ReadWriteCloser) {
	buf := make([]byte, 64)
	for {
		n, err := port.Read(buf)
		if err != nil || n == 0 {
			return
		}
		if n < len(buf) {
			return
		}
	}
}

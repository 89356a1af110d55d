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
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wwhai/sts-gateway/internal/message"
	"github.com/wwhai/sts-gateway/internal/modbus"
)

const (
	tcpResponseTimeout = 1 * time.Second
	tcpDialTimeout     = 2 * time.Second
)

// TCPChannel polls a set of slaves reachable over one Modbus TCP endpoint.
// It opens a fresh connection at the top of every cycle and closes it at
// the end, per spec.md §4.1's "open per-cycle-or-until-error" rule.
type TCPChannel struct {
	Name         string
	Addr         string // host:port
	Slaves       []SlaveBinding
	AggregatorTx chan<- message.AggregatorAction
	Log          *logrus.Entry

	transactionID uint16
}

func (c *TCPChannel) Run(ctx context.Context) {
	log := c.Log.WithField("channel", c.Name)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", c.Addr, tcpDialTimeout)
		if err != nil {
			log.WithError(err).Warn("tcp connect failed, retrying")
			sleepOrDone(ctx, 1*time.Second)
			continue
		}

		runCycle(log, &tcpReader{conn: conn, timeout: tcpResponseTimeout, nextTxID: &c.transactionID}, c.Slaves, c.AggregatorTx)

		conn.Close()
		sleepOrDone(ctx, pollPeriod)
	}
}

// tcpReader issues one Read Holding Registers request per group over an
// already-open net.Conn.
type tcpReader struct {
	conn     net.Conn
	timeout  time.Duration
	nextTxID *uint16
}

func (r *tcpReader) readGroup(unitID uint8, group modbus.RegisterGroup) (modbus.RawRead, error) {
	*r.nextTxID++
	txID := *r.nextTxID

	req := modbus.EncodeTCPRequest(txID, unitID, group.StartingAddress, group.ElementsCount)
	if err := r.conn.SetWriteDeadline(time.Now().Add(r.timeout)); err != nil {
		return nil, fmt.Errorf("channel: tcp: set write deadline: %w", err)
	}
	if _, err := r.conn.Write(req); err != nil {
		return nil, fmt.Errorf("channel: tcp: write request: %w", err)
	}

	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return nil, fmt.Errorf("channel: tcp: set read deadline: %w", err)
	}
	return modbus.ReadTCPResponse(r.conn, txID, unitID)
}

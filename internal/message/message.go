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

// Package message declares the typed, one-way action queues that tie the
// five gateway workers together. Every cross-worker communication travels
// as one of these sum types; no worker reaches into another's state.
package message

import "github.com/wwhai/sts-gateway/internal/modbus"

// Frame is one sampled instant of a timeseries group: a timestamp and the
// key/value pairs decoded for that group on that cycle.
type Frame struct {
	TsMillis int64
	Values   []modbus.DataPoint
}

// AttributeBatch is one slave's decoded attribute groups for a cycle.
type AttributeBatch struct {
	DeviceName string
	Values     []modbus.DataPoint
}

// TimeseriesBatch is one slave's decoded timeseries groups for a cycle,
// one Frame per register group.
type TimeseriesBatch struct {
	DeviceName string
	Frames     []Frame
}

// AggregatorAction is the sum type accepted by the aggregator's queue.
// Exhaustive dispatch at the receiver is expected; SendStatistics is
// declared per the source's design notes but never emitted by any poller.
type AggregatorAction struct {
	Kind  AggregatorActionKind
	Both  SendBothAction
	Stats SendStatisticsAction
}

type AggregatorActionKind int

const (
	ActionSendBoth AggregatorActionKind = iota
	ActionSendStatistics
)

// SendBothAction pairs one slave's attribute and timeseries batches from a
// single poll cycle. Device name is taken from the timeseries batch,
// falling back to the attribute batch when absent.
type SendBothAction struct {
	Attrs  AttributeBatch
	Series TimeseriesBatch
}

// DeviceName resolves the batch's correlation id per the aggregator's
// tie-break rule: timeseries device name wins, attributes is the fallback.
func (a SendBothAction) DeviceName() string {
	if a.Series.DeviceName != "" {
		return a.Series.DeviceName
	}
	return a.Attrs.DeviceName
}

// SendStatisticsAction exists for interface completeness; the core never
// constructs one.
type SendStatisticsAction struct{}

// NewSendBoth builds the AggregatorAction wrapper for a SendBoth dispatch.
func NewSendBoth(attrs AttributeBatch, series TimeseriesBatch) AggregatorAction {
	return AggregatorAction{Kind: ActionSendBoth, Both: SendBothAction{Attrs: attrs, Series: series}}
}

// InsertRecord is the unit of database insertion: a timestamped row
// carrying both envelope bodies already serialized to JSON text.
type InsertRecord struct {
	TsMillis       int64
	DeviceName     string
	TimeseriesJSON string
	HasTimeseries  bool
	AttributesJSON string
	HasAttributes  bool
}

// RetentionWindow describes a storage truncation policy. FixedWindow is
// the only variant the core implements.
type RetentionWindow struct {
	FixedWindowHours float64
}

// StorageActionKind enumerates the five commands the storage worker
// accepts on its single command queue.
type StorageActionKind int

const (
	StorageInsertBoth StorageActionKind = iota
	StorageBackupDB
	StorageTruncate
	StorageCloseDB
	StorageTimeout
)

// StorageAction is the sum type accepted by the storage worker's queue.
type StorageAction struct {
	Kind     StorageActionKind
	Insert   InsertRecord
	BackupTo string
	Window   RetentionWindow
}

func NewInsertBoth(rec InsertRecord) StorageAction {
	return StorageAction{Kind: StorageInsertBoth, Insert: rec}
}

func NewBackupDB(path string) StorageAction {
	return StorageAction{Kind: StorageBackupDB, BackupTo: path}
}

func NewTruncate(window RetentionWindow) StorageAction {
	return StorageAction{Kind: StorageTruncate, Window: window}
}

func NewCloseDB() StorageAction {
	return StorageAction{Kind: StorageCloseDB}
}

// TransportActionKind enumerates the commands the transport worker
// accepts: one publish per envelope kind.
type TransportActionKind int

const (
	TransportSendTimeseries TransportActionKind = iota
	TransportSendAttributes
)

// TransportAction is the sum type accepted by the transport worker's
// queue: a device name, the JSON envelope body, and which topic it binds.
type TransportAction struct {
	Kind       TransportActionKind
	DeviceName string
	Payload    []byte
}

func NewSendTimeseries(deviceName string, payload []byte) TransportAction {
	return TransportAction{Kind: TransportSendTimeseries, DeviceName: deviceName, Payload: payload}
}

func NewSendAttributes(deviceName string, payload []byte) TransportAction {
	return TransportAction{Kind: TransportSendAttributes, DeviceName: deviceName, Payload: payload}
}

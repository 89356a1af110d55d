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

// Package storage implements the gateway's single-writer SQLite storage
// worker: every insert, backup and truncate is serialized through one
// command queue so exactly one goroutine ever mutates the database file.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/wwhai/sts-gateway/internal/message"
)

const createMessagesTable = `CREATE TABLE IF NOT EXISTS
	messages(ts INTEGER, device_name TEXT, timeseries_message TEXT, attributes_message TEXT)`

const backupStepPages = 5
const backupStepInterval = 250 * time.Millisecond

// Storage owns the database connection and drains the single command
// queue the rest of the gateway sends to.
type Storage struct {
	In      <-chan message.StorageAction
	Log     *logrus.Entry
	DataDir string

	db      *sql.DB
	rawConn *sqlite3.SQLiteConn
	dbPath  string
}

// Open creates or opens the database at dataFolder (per spec.md §4.3:
// if the path ends in .db it is used directly, otherwise data.db is
// appended as if the path were a directory) and ensures the messages
// table exists.
func Open(dataFolder string, in <-chan message.StorageAction, log *logrus.Entry) (*Storage, error) {
	dbPath := dataFolder
	if !strings.HasSuffix(dbPath, ".db") {
		dbPath = filepath.Join(dataFolder, "data.db")
	}
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: creating data dir: %w", err)
	}

	var rawConn *sqlite3.SQLiteConn
	sql.Register("sqlite3_storage_"+dbPath, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			rawConn = conn
			return nil
		},
	})

	db, err := sql.Open("sqlite3_storage_"+dbPath, dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline: one physical connection

	// Force the connect hook to fire and capture the raw driver conn.
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("storage: pinging %s: %w", dbPath, err)
	}

	if _, err := db.Exec(createMessagesTable); err != nil {
		return nil, fmt.Errorf("storage: creating messages table: %w", err)
	}

	return &Storage{
		In:      in,
		Log:     log,
		DataDir: dataDir,
		db:      db,
		rawConn: rawConn,
		dbPath:  dbPath,
	}, nil
}

// Run drains In until it is closed, dispatching each command in arrival
// order. This is the only goroutine that ever touches the database file.
func (s *Storage) Run() {
	for action := range s.In {
		switch action.Kind {
		case message.StorageInsertBoth:
			s.insertBoth(action.Insert)
		case message.StorageBackupDB:
			s.backupDB(action.BackupTo)
		case message.StorageTruncate:
			s.truncate(action.Window)
		case message.StorageCloseDB:
			s.Log.Info("closing database")
			if err := s.db.Close(); err != nil {
				s.Log.WithError(err).Error("error closing database")
			}
		case message.StorageTimeout:
			s.Log.Trace("storage timeout heartbeat")
		default:
			s.Log.WithField("kind", action.Kind).Error("unknown storage action")
		}
	}
	s.Log.Info("storage input closed, exiting")
}

func (s *Storage) insertBoth(rec message.InsertRecord) {
	s.Log.WithField("device", rec.DeviceName).Debug("inserting message")

	tx, err := s.db.Begin()
	if err != nil {
		s.Log.WithError(err).Error("begin transaction failed")
		return
	}

	_, err = tx.Exec(
		`INSERT INTO messages (ts, device_name, timeseries_message, attributes_message) VALUES (?, ?, ?, ?)`,
		rec.TsMillis, rec.DeviceName, rec.TimeseriesJSON, rec.AttributesJSON,
	)
	if err != nil {
		s.Log.WithError(err).Error("insert failed")
		if rbErr := tx.Rollback(); rbErr != nil {
			s.Log.WithError(rbErr).Error("rollback failed after insert error")
		}
		return
	}

	// The happy path commits here; the only rollback is the insert-failure
	// branch above, since a failed Begin leaves no transaction to undo.
	if err := tx.Commit(); err != nil {
		s.Log.WithError(err).Error("commit failed")
	}
}

func (s *Storage) truncate(window message.RetentionWindow) {
	s.Log.Info("starting truncation process")
	now := time.Now()
	old := now.Add(-time.Duration(window.FixedWindowHours * float64(time.Hour)))

	res, err := s.db.Exec(
		`DELETE FROM messages WHERE ts NOT BETWEEN ? AND ?`,
		old.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		s.Log.WithError(err).Error("truncate failed")
		return
	}
	n, _ := res.RowsAffected()
	s.Log.WithField("deleted", n).Info("truncation complete")
}

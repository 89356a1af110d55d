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

package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// backupDB performs an online page-copy of the live database to path,
// 5 pages at a time with a 250ms pause between steps, logging percent
// progress, then spawns a detached goroutine that zstd-compresses the
// result into <data_dir>/backup/<name>.db.zst and removes the plain
// backup file. The compression goroutine does not signal the storage
// worker back, per spec.md §4.3.
func (s *Storage) backupDB(path string) {
	s.Log.Info("starting database backup")

	var destConn *sqlite3.SQLiteConn
	driverName := "sqlite3_backup_dest_" + path
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			destConn = conn
			return nil
		},
	})

	destDB, err := sql.Open(driverName, path)
	if err != nil {
		s.Log.WithError(err).Error("backup: opening destination failed")
		return
	}
	defer destDB.Close()
	if err := destDB.Ping(); err != nil {
		s.Log.WithError(err).Error("backup: pinging destination failed")
		return
	}

	backup, err := destConn.Backup("main", s.rawConn, "main")
	if err != nil {
		s.Log.WithError(err).Error("backup: starting backup failed")
		return
	}

	for {
		done, err := backup.Step(backupStepPages)
		if err != nil {
			s.Log.WithError(err).Error("backup: step failed")
			backup.Finish()
			return
		}
		if done {
			break
		}
		remaining := backup.Remaining()
		total := backup.PageCount()
		if total > 0 {
			percent := (total - remaining) * 100 / total
			s.Log.WithField("percent", percent).Info("backup progress")
		}
		time.Sleep(backupStepInterval)
	}
	if err := backup.Finish(); err != nil {
		s.Log.WithError(err).Error("backup: finish failed")
		return
	}

	s.Log.Info("backup complete")

	if _, err := os.Stat(path); err != nil {
		s.Log.WithError(err).Warn("backup: destination file missing after backup")
		return
	}

	go compressBackup(path, s.DataDir, s.Log)
}

// compressBackup reads the plain backup file, zstd-compresses it at the
// fastest level, writes it alongside the data dir's backup/ folder, and
// removes the uncompressed copy. Runs detached; failures are only logged.
func compressBackup(path, dataDir string, log *logrus.Entry) {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.WithError(err).Error("backup compression: reading backup file failed")
		return
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		log.WithError(err).Error("backup compression: creating encoder failed")
		return
	}
	compressed := enc.EncodeAll(raw, nil)
	enc.Close()

	name := filepath.Base(path)
	ext := filepath.Ext(name)
	compressedName := name[:len(name)-len(ext)] + ".db.zst"

	backupDir := filepath.Join(dataDir, "backup")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		log.WithError(err).Error("backup compression: creating backup dir failed")
		return
	}

	dest := filepath.Join(backupDir, compressedName)
	if err := os.WriteFile(dest, compressed, 0o644); err != nil {
		log.WithError(err).Error("backup compression: writing compressed file failed")
		return
	}
	if err := os.Remove(path); err != nil {
		log.WithError(err).Error("backup compression: removing plain backup failed")
		return
	}
	log.WithField("file", dest).Info("backup compressed")
}

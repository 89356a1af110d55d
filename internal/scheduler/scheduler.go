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

// Package scheduler fires the two periodic storage jobs — backup and
// truncate — on their own cron schedules. Jobs only ever enqueue a
// command on the storage worker's queue; they never touch the database
// or filesystem on the scheduler's own behalf beyond creating the backup
// folder and sweeping old backup files, which is itself just local
// housekeeping, not a database op.
package scheduler

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/wwhai/sts-gateway/internal/message"
)

var bratislava = mustLoadLocation("Europe/Bratislava")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Config carries everything the scheduler needs to build its two jobs.
type Config struct {
	GatewayName string

	BackupSchedule string
	BackupFolder   string
	BackupTTLHours float64

	TruncateSchedule string
	MessagesTTLHours float64
}

// Scheduler owns the cron engine and the storage queue it dispatches to.
type Scheduler struct {
	cfg       Config
	storageTx chan<- message.StorageAction
	log       *logrus.Entry
	engine    *cron.Cron
}

// New builds the scheduler and registers both jobs. Bad cron expressions
// are a construction-time fault — they are surfaced to the caller so
// main can treat them the same as any other config fault.
func New(cfg Config, storageTx chan<- message.StorageAction, log *logrus.Entry) (*Scheduler, error) {
	s := &Scheduler{cfg: cfg, storageTx: storageTx, log: log, engine: cron.New()}

	if _, err := s.engine.AddFunc(cfg.BackupSchedule, s.runBackupJob); err != nil {
		return nil, err
	}
	if _, err := s.engine.AddFunc(cfg.TruncateSchedule, s.runTruncateJob); err != nil {
		return nil, err
	}
	return s, nil
}

// Run starts the cron engine and blocks until stop is closed.
func (s *Scheduler) Run(stop <-chan struct{}) {
	s.engine.Start()
	<-stop
	ctx := s.engine.Stop()
	<-ctx.Done()
}

// runBackupJob builds the filesystem-safe backup name, ensures the backup
// directory exists, enqueues BackupDB, then sweeps the backup directory
// for files older than backup_ttl hours.
func (s *Scheduler) runBackupJob() {
	name := backupFileName(s.cfg.GatewayName, time.Now())
	fullPath := filepath.Join(s.cfg.BackupFolder, name)

	if err := os.MkdirAll(s.cfg.BackupFolder, 0o755); err != nil {
		s.log.WithError(err).Error("scheduler: creating backup folder failed")
		return
	}

	s.log.WithField("path", fullPath).Info("scheduler: dispatching backup")
	s.storageTx <- message.NewBackupDB(fullPath)

	s.sweepOldBackups()
}

func (s *Scheduler) runTruncateJob() {
	s.log.Info("scheduler: dispatching truncate")
	s.storageTx <- message.NewTruncate(message.RetentionWindow{FixedWindowHours: s.cfg.MessagesTTLHours})
}

// backupFileName builds "<name_lowercased_with_spaces_to_underscores>_<iso8601 in Europe/Bratislava>.db".
func backupFileName(gatewayName string, at time.Time) string {
	local := at.In(bratislava)
	safe := strings.ReplaceAll(strings.ToLower(gatewayName), " ", "_")
	return safe + "_" + local.Format("2006-01-02T15:04:05") + ".db"
}

// sweepOldBackups deletes compressed or in-flight backup files whose
// modification time is older than backup_ttl hours.
func (s *Scheduler) sweepOldBackups() {
	entries, err := os.ReadDir(s.cfg.BackupFolder)
	if err != nil {
		s.log.WithError(err).Error("scheduler: reading backup folder failed")
		return
	}
	cutoff := time.Now().Add(-time.Duration(s.cfg.BackupTTLHours * float64(time.Hour)))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.cfg.BackupFolder, entry.Name())
			if err := os.Remove(path); err != nil {
				s.log.WithError(err).WithField("file", path).Error("scheduler: removing stale backup failed")
			}
		}
	}
}

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

// Package logging wraps logrus with the gateway's conventions: one
// component field per worker, and a single place that applies the
// log_config level/output settings loaded at startup.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config is the decoded shape of the file named by the root config's
// log_config path.
type Config struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
}

// New builds the root logrus logger from a Config, defaulting to info
// level on stdout when cfg is zero-valued or unparseable.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetOutput(openOutput(cfg.Output))
	return logger
}

func openOutput(path string) io.Writer {
	if path == "" {
		return os.Stdout
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stdout
	}
	return f
}

// Component returns a child logger tagged with the given worker component
// name, e.g. "poller", "aggregator", "storage", "transport", "scheduler".
func Component(logger *logrus.Logger, component string) *logrus.Entry {
	return logger.WithField("component", component)
}

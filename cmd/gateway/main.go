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

// Command gateway is the composition root: it loads the YAML config
// tree, wires the five workers together over their typed channels, and
// blocks until an OS signal requests shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wwhai/sts-gateway/internal/aggregator"
	"github.com/wwhai/sts-gateway/internal/channel"
	"github.com/wwhai/sts-gateway/internal/config"
	"github.com/wwhai/sts-gateway/internal/logging"
	"github.com/wwhai/sts-gateway/internal/message"
	"github.com/wwhai/sts-gateway/internal/scheduler"
	"github.com/wwhai/sts-gateway/internal/storage"
	"github.com/wwhai/sts-gateway/internal/transport"
)

func main() {
	root := &cobra.Command{
		Use:   "gateway",
		Short: "Modbus-to-MQTT telemetry gateway",
	}
	root.AddCommand(runCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <root_config.yml>",
		Short: "run the gateway against a root config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
	}
}

// run is the only fatal path in the process: bad config, a database that
// cannot be opened, or a scheduler with an invalid cron expression all
// surface here as a non-zero exit, per spec.md §7's propagation rule.
func run(configPath string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gateway: fatal panic during startup: %v", r)
		}
	}()

	rootCfg, digest, loadErr := config.Load(configPath)
	if loadErr != nil {
		return fmt.Errorf("gateway: %w", loadErr)
	}

	log := logging.New(loadLogConfig(rootCfg))
	log.WithField("digest", digest).Debug("loaded root config")

	storageLog := logging.Component(log, "storage")
	storageTx := make(chan message.StorageAction, 64)
	store, err := storage.Open(rootCfg.ResolvePath(rootCfg.Storage.DataFolder), storageTx, storageLog)
	if err != nil {
		return fmt.Errorf("gateway: opening storage: %w", err)
	}

	transportTx := make(chan message.TransportAction, 256)
	tr := transport.New(transport.Config{
		ClientID: firstNonEmpty(rootCfg.MQTT.ClientID, rootCfg.Name),
		Host:     rootCfg.MQTT.Host,
		Port:     rootCfg.MQTT.Port,
		QoS:      rootCfg.MQTT.QoS,
		TBToken:  rootCfg.MQTT.TBToken,
	}, transportTx, logging.Component(log, "transport"))

	aggregatorTx := make(chan message.AggregatorAction, 256)
	agg := &aggregator.Aggregator{
		In:          aggregatorTx,
		StorageTx:   storageTx,
		TransportTx: transportTx,
		Log:         logging.Component(log, "aggregator"),
	}

	channels, err := buildChannels(rootCfg, aggregatorTx, logging.Component(log, "poller"))
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	sched, err := buildScheduler(rootCfg, storageTx, logging.Component(log, "scheduler"))
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var pollerWG, downstreamWG sync.WaitGroup
	pollerWG.Add(len(channels))
	downstreamWG.Add(2) // storage, transport

	go func() { defer downstreamWG.Done(); store.Run() }()
	go func() { defer downstreamWG.Done(); tr.Run() }()

	aggDone := make(chan struct{})
	go func() { defer close(aggDone); agg.Run() }()

	for _, ch := range channels {
		ch := ch
		go func() { defer pollerWG.Done(); ch.Run(ctx) }()
	}

	schedStop := make(chan struct{})
	go sched.Run(schedStop)

	log.Info("gateway started")
	<-ctx.Done()
	log.Info("shutdown signal received, draining workers")

	// Shut down in dependency order: pollers stop feeding the aggregator,
	// the aggregator drains and closes, then storage/transport drain and
	// close — never the other way round, per spec.md §9's DAG wiring.
	close(schedStop)
	pollerWG.Wait()
	close(aggregatorTx)
	<-aggDone
	close(storageTx)
	close(transportTx)
	downstreamWG.Wait()
	return nil
}

func buildChannels(rootCfg *config.RootConfig, aggregatorTx chan<- message.AggregatorAction, log *logrus.Entry) ([]channel.Channel, error) {
	var channels []channel.Channel
	names := config.NewDeviceNames()

	for _, entry := range rootCfg.Channels {
		path := rootCfg.ResolvePath(entry.File)

		switch entry.Type {
		case config.ChannelModbusTCP:
			tcpCfg, err := config.LoadTCPChannel(path)
			if err != nil {
				return nil, err
			}
			slaves, err := resolveSlaves(rootCfg, tcpCfg.Slaves, names)
			if err != nil {
				return nil, err
			}
			channels = append(channels, &channel.TCPChannel{
				Name:         tcpCfg.Name,
				Addr:         fmt.Sprintf("%s:%d", tcpCfg.Host, tcpCfg.Port),
				Slaves:       slaves,
				AggregatorTx: aggregatorTx,
				Log:          log,
			})

		case config.ChannelModbusRTU:
			rtuCfg, err := config.LoadRTUChannel(path)
			if err != nil {
				return nil, err
			}
			slaves, err := resolveSlaves(rootCfg, rtuCfg.Slaves, names)
			if err != nil {
				return nil, err
			}
			channels = append(channels, &channel.RTUChannel{
				Name: rtuCfg.Name,
				Params: channel.SerialParams{
					Port:     rtuCfg.Port,
					BaudRate: rtuCfg.BaudRate,
					DataBits: rtuCfg.DataBits,
					StopBits: rtuCfg.StopBits,
					Parity:   rtuCfg.Parity,
				},
				Slaves:       slaves,
				AggregatorTx: aggregatorTx,
				Log:          log,
			})

		default:
			return nil, fmt.Errorf("unknown channel type %q", entry.Type)
		}
	}
	return channels, nil
}

// resolveSlaves loads each slave's register map and registers its device
// name in names, which the caller shares across every channel it loads so
// a name reused on a second channel is rejected just as fatally as one
// reused within a single channel file.
func resolveSlaves(rootCfg *config.RootConfig, slaves []config.Slave, names *config.DeviceNames) ([]channel.SlaveBinding, error) {
	bindings := make([]channel.SlaveBinding, 0, len(slaves))
	for _, s := range slaves {
		if err := names.Add(s.DeviceName); err != nil {
			return nil, err
		}
		regMap, err := config.LoadRegisterMap(rootCfg.ResolvePath(s.RegisterMap))
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, channel.SlaveBinding{
			DeviceName: s.DeviceName,
			ModbusID:   uint8(s.ModbusID),
			Registers:  *regMap,
		})
	}
	return bindings, nil
}

func buildScheduler(rootCfg *config.RootConfig, storageTx chan<- message.StorageAction, log *logrus.Entry) (*scheduler.Scheduler, error) {
	return scheduler.New(scheduler.Config{
		GatewayName:      rootCfg.Name,
		BackupSchedule:   rootCfg.Storage.BackupManagement.BackupInterval,
		BackupFolder:     rootCfg.ResolvePath(rootCfg.Storage.BackupManagement.BackupFolder),
		BackupTTLHours:   rootCfg.Storage.BackupManagement.BackupTTLHours,
		TruncateSchedule: rootCfg.Storage.SizeManagement.MessagesTTLCheck,
		MessagesTTLHours: rootCfg.Storage.SizeManagement.MessagesTTLHours,
	}, storageTx, log)
}

// loadLogConfig reads the log_config file named by the root config; its
// schema is out of scope per spec.md §1, but the gateway still needs a
// level/output to start up with, defaulting quietly when absent.
func loadLogConfig(rootCfg *config.RootConfig) logging.Config {
	if rootCfg.LogConfig == "" {
		return logging.Config{}
	}
	raw, err := os.ReadFile(rootCfg.ResolvePath(rootCfg.LogConfig))
	if err != nil {
		return logging.Config{}
	}
	var cfg logging.Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return logging.Config{}
	}
	return cfg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

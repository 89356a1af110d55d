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

// Package transport implements the gateway's single MQTT transport
// worker: one broker session with automatic reconnect, publishing each
// envelope on its canonical topic at the configured QoS.
package transport

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/wwhai/sts-gateway/internal/message"
)

const (
	attributesTopic = "v1/gateway/attributes"
	telemetryTopic  = "v1/gateway/telemetry"
	// connectTopic is reserved by spec.md §4.4 for a future RPC/connect
	// handshake; unused by the core.
	connectTopic = "v1/gateway/connect"
)

// Config holds everything Transport needs to build its MQTT session.
type Config struct {
	ClientID string
	Host     string
	Port     uint16
	QoS      int
	TBToken  string
}

// qos maps the configured integer to a broker QoS level: 0 and 2 pass
// through, anything else (including the common "1") defaults to
// AtLeastOnce, per spec.md §4.4.
func qos(level int) byte {
	switch level {
	case 0:
		return 0
	case 2:
		return 2
	default:
		return 1
	}
}

// Transport owns the MQTT client and drains the transport action queue.
type Transport struct {
	In     <-chan message.TransportAction
	Log    *logrus.Entry
	client mqtt.Client
	qos    byte
}

// New builds the MQTT client with the session parameters spec.md §4.4
// requires, but does not connect yet.
func New(cfg Config, in <-chan message.TransportAction, log *logrus.Entry) *Transport {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(15 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(120 * time.Second)
	opts.SetConnectTimeout(3600 * time.Second)
	opts.SetOrderMatters(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMessageChannelDepth(10000)

	if cfg.TBToken != "" {
		opts.SetUsername(cfg.TBToken)
		opts.SetPassword("")
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("mqtt connection lost, reconnect in progress")
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Info("mqtt connected")
	})

	return &Transport{
		In:     in,
		Log:    log,
		client: mqtt.NewClient(opts),
		qos:    qos(cfg.QoS),
	}
}

// Run connects (blocking with the library's own retry/backoff) and then
// drains In until it is closed, publishing one PUBLISH per action.
func (t *Transport) Run() {
	if token := t.client.Connect(); token.Wait() && token.Error() != nil {
		t.Log.WithError(token.Error()).Error("initial mqtt connect failed; relying on auto-reconnect")
	}

	for action := range t.In {
		var topic string
		switch action.Kind {
		case message.TransportSendTimeseries:
			topic = telemetryTopic
		case message.TransportSendAttributes:
			topic = attributesTopic
		default:
			t.Log.WithField("kind", action.Kind).Error("unknown transport action")
			continue
		}

		token := t.client.Publish(topic, t.qos, false, action.Payload)
		token.Wait()
		if err := token.Error(); err != nil {
			t.Log.WithError(err).WithField("device", action.DeviceName).Error("publish failed")
		}
	}
	t.Log.Info("transport input closed, disconnecting")
	t.client.Disconnect(250)
}

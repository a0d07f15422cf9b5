//go:build no_mqtt

package main

import (
	"log/slog"

	"fleetwatch/internal/alerts"
	"fleetwatch/internal/fleet"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *fleet.EventBus, _ *alerts.Engine, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}

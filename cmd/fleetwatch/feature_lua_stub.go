//go:build no_lua

package main

import (
	"log/slog"

	"fleetwatch/internal/alerts"
)

type scriptedRules struct{}

func (s *scriptedRules) Rules() []alerts.Rule { return nil }

func (s *scriptedRules) Close() {}

func initScriptedRules(cfg *Config, logger *slog.Logger) *scriptedRules {
	if cfg.Alerts.RulesDir != "" {
		logger.Warn("alerts.rules_dir ignored: built without Lua support")
	}
	return &scriptedRules{}
}

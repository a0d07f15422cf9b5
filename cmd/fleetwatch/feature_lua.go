//go:build !no_lua

package main

import (
	"log/slog"

	"fleetwatch/internal/alerts"
)

type scriptedRules struct {
	lua *alerts.LuaRules
}

func (s *scriptedRules) Rules() []alerts.Rule { return s.lua.Rules() }

func (s *scriptedRules) Close() { s.lua.Close() }

func initScriptedRules(cfg *Config, logger *slog.Logger) *scriptedRules {
	if cfg.Alerts.RulesDir == "" {
		return &scriptedRules{}
	}
	lua, err := alerts.LoadLuaRules(cfg.Alerts.RulesDir, logger)
	if err != nil {
		logger.Error("load lua rules", "dir", cfg.Alerts.RulesDir, "err", err)
		return &scriptedRules{}
	}
	logger.Info("lua rules loaded", "dir", cfg.Alerts.RulesDir, "rules", len(lua.Rules()))
	return &scriptedRules{lua: lua}
}

// Copyright 2018 The klaytn Authors
// This file is part of the klaytn library.
//
// The klaytn library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The klaytn library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the klaytn library. If not, see <http://www.gnu.org/licenses/>.

// Package config holds the forkscanner process configuration, modeled on
// gxp/config.go's DefaultConfig package var plus node/defaults.go's
// per-subsystem default split. Values are the defaults enumerated in
// spec.md §6 and can be overridden from a TOML file (naoina/toml) or CLI
// flags (gopkg.in/urfave/cli.v1, see cmd/forkscanner).
package config

import (
	"os"
	"time"

	"github.com/naoina/toml"

	"github.com/forkscanner/forkscanner/log"
)

// NodeConfig describes one remote Bitcoin daemon to poll.
type NodeConfig struct {
	Name     string `toml:"name"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Pass     string `toml:"pass"`
	UseSSL   bool   `toml:"use_ssl"`
	Archive  bool   `toml:"archive"`

	// Mirror, if set, is a second RPC endpoint on the same daemon used
	// exclusively for the destructive invalidateblock/reconsiderblock
	// rollback dance (§4.5). A node with no mirror never participates in
	// rollback orchestration.
	MirrorHost string `toml:"mirror_host"`
	MirrorPort int    `toml:"mirror_port"`
}

// HasMirror reports whether this node has a distinct rollback-probe
// endpoint configured.
func (n NodeConfig) HasMirror() bool {
	return n.MirrorHost != "" && n.MirrorPort != 0
}

// Config is the full process configuration. Field names match spec.md §6's
// enumerated knobs one-to-one.
type Config struct {
	Nodes []NodeConfig `toml:"nodes"`

	MaxDepth           int           `toml:"max_depth"`
	StaleWindow        int64         `toml:"stale_window"`
	DoublespendRange   int64         `toml:"doublespend_range"`
	PollInterval       time.Duration `toml:"poll_interval"`
	RpcTimeout         time.Duration `toml:"rpc_timeout"`
	RollbackCounterMax int           `toml:"rollback_counter_max"`
	LagBlocks          int64         `toml:"lag_blocks"`

	// InvalidBlockCheckWindow is the recency filter supplementing §4.2's
	// invalid_block_checks emission rule (§9 open question (d)): only
	// blocks whose earliest InvalidBy.created_at falls within this window
	// of "now" at emission time are published, each split at most once.
	InvalidBlockCheckWindow time.Duration `toml:"invalid_block_check_window"`

	DatabaseDSN string `toml:"database_dsn"`
	RedisAddr   string `toml:"redis_addr"`

	LogLevel string `toml:"log_level"`
}

// DefaultConfig mirrors gxp/config.go's DefaultConfig var: the process
// starts from this and layers a TOML file and CLI flags on top.
var DefaultConfig = Config{
	MaxDepth:                10,
	StaleWindow:             100,
	DoublespendRange:        30,
	PollInterval:            15 * time.Second,
	RpcTimeout:              30 * time.Second,
	RollbackCounterMax:      100,
	LagBlocks:               2,
	InvalidBlockCheckWindow: 15 * time.Minute,
	LogLevel:                "info",
}

var logger = log.NewModuleLogger(log.ModuleConfig)

// LoadFile reads a TOML config file on top of DefaultConfig, the way
// cmd/utils loads klaytn's genesis/config files with naoina/toml.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		logger.Error("failed to decode config file", "path", path, "err", err)
		return nil, err
	}
	return &cfg, nil
}

// Level parses LogLevel into a log.Lvl, defaulting to LvlInfo on garbage
// input rather than failing startup over a typo'd log level.
func (c *Config) Level() log.Lvl {
	switch c.LogLevel {
	case "trace":
		return log.LvlTrace
	case "debug":
		return log.LvlDebug
	case "info":
		return log.LvlInfo
	case "warn":
		return log.LvlWarn
	case "error":
		return log.LvlError
	case "crit":
		return log.LvlCrit
	default:
		return log.LvlInfo
	}
}

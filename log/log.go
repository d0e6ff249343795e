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

// Package log provides a per-module leveled logger in the klaytn/log15
// lineage: components obtain a Logger via NewModuleLogger and log with
// alternating key/value context, e.g. logger.Info("tick done", "height", h).
package log

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module identifies the subsystem emitting a log line. Kept as a small
// closed set rather than a free-form string so callers can't typo a module
// name; mirrors klaytn's log.Common/log.StorageDatabase style constants.
type Module string

const (
	ModulePoller       Module = "poller"
	ModuleReconciler   Module = "reconciler"
	ModuleStaleFork    Module = "staleanalyzer"
	ModuleDoubleSpend  Module = "doublespend"
	ModuleRollback     Module = "rollback"
	ModuleEngine       Module = "engine"
	ModuleRPC          Module = "rpc"
	ModuleStore        Module = "store"
	ModuleNotify       Module = "notify"
	ModuleConfig       Module = "config"
	ModuleCommon       Module = "common"
)

// Lvl is a log severity level, ordered most to least severe like log15.
type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	case LvlTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

// Logger is the interface every component depends on. Never key on the
// module internally; obtain one instance per package at init time via
// NewModuleLogger and hold onto it.
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{}) // Crit logs then os.Exit(1)
	New(ctx ...interface{}) Logger
}

var (
	globalMu    sync.RWMutex
	globalLevel = LvlInfo
	sink        = newDefaultSink()
)

// SetGlobalLevel controls the minimum level written by every Logger.
// Typically set once at process startup from config.
func SetGlobalLevel(l Lvl) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLevel = l
}

func getGlobalLevel() Lvl {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLevel
}

type logger struct {
	module Module
	ctx    []interface{}
}

// NewModuleLogger returns a Logger tagged with module, following the
// common/cache.go idiom: var logger = log.NewModuleLogger(log.Common).
func NewModuleLogger(module Module) Logger {
	return &logger{module: module}
}

func (l *logger) New(ctx ...interface{}) Logger {
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &logger{module: l.module, ctx: merged}
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }

func (l *logger) Crit(msg string, ctx ...interface{}) {
	l.write(LvlCrit, msg, ctx)
	os.Exit(1)
}

func (l *logger) write(lvl Lvl, msg string, ctx []interface{}) {
	if lvl > getGlobalLevel() {
		return
	}
	all := make([]interface{}, 0, len(l.ctx)+len(ctx))
	all = append(all, l.ctx...)
	all = append(all, ctx...)
	sink.emit(record{
		time:   time.Now(),
		lvl:    lvl,
		module: l.module,
		msg:    msg,
		ctx:    all,
		call:   stack.Caller(2),
	})
}

type record struct {
	time   time.Time
	lvl    Lvl
	module Module
	msg    string
	ctx    []interface{}
	call   stack.Call
}

// sinkHandler is the output backend. A zap core with a console encoder
// does the actual writing/encoding, colorized when writing to a terminal,
// rather than hand-rolled formatting.
type sinkHandler struct {
	mu    sync.Mutex
	core  zapcore.Core
	color bool
}

func newDefaultSink() *sinkHandler {
	return NewTerminalSink(os.Stderr)
}

// NewTerminalSink builds a sink that colorizes level names when w is a
// TTY (mattn/go-isatty) and writes through fatih/color + mattn/go-colorable
// so ANSI codes render correctly on Windows consoles too.
func NewTerminalSink(w *os.File) *sinkHandler {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(colorableWriter(w)), zapcore.DebugLevel)
	return &sinkHandler{core: core, color: isTerminal(w)}
}

func SetSink(s *sinkHandler) {
	globalMu.Lock()
	defer globalMu.Unlock()
	sink = s
}

func (h *sinkHandler) emit(r record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	lvlStr := r.lvl.String()
	if h.color {
		lvlStr = colorizeLevel(r.lvl, lvlStr)
	}

	fields := make([]zapcore.Field, 0, len(r.ctx)/2+2)
	fields = append(fields, zap.String("module", string(r.module)))
	fields = append(fields, zap.String("caller", fmt.Sprintf("%+v", r.call)))
	for i := 0; i+1 < len(r.ctx); i += 2 {
		key, _ := r.ctx[i].(string)
		fields = append(fields, zap.Any(key, r.ctx[i+1]))
	}

	ent := zapcore.Entry{
		Level:   zapLevel(r.lvl),
		Time:    r.time,
		Message: fmt.Sprintf("[%s] %s", lvlStr, r.msg),
	}
	if err := h.core.Write(ent, fields); err != nil {
		fmt.Fprintf(os.Stderr, "log: write failed: %v\n", err)
	}
}

func zapLevel(l Lvl) zapcore.Level {
	switch l {
	case LvlCrit:
		return zapcore.FatalLevel
	case LvlError:
		return zapcore.ErrorLevel
	case LvlWarn:
		return zapcore.WarnLevel
	case LvlInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

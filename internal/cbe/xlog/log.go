// Copyright 2026 The cbe Authors
// This file is part of the cbe library.
//
// The cbe library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The cbe library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the cbe library. If not, see <http://www.gnu.org/licenses/>.

// Package xlog is a small structured, leveled logger in the style of
// go-ethereum's log package: colored terminal output when attached to a
// TTY, key/value pairs otherwise, and the call site recorded via go-stack.
package xlog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Lvl is a log verbosity level.
type Lvl int

const (
	LvlError Lvl = iota
	LvlWarn
	LvlInfo
	LvlDebug
)

func (l Lvl) String() string {
	switch l {
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN "
	case LvlInfo:
		return "INFO "
	case LvlDebug:
		return "DBG  "
	default:
		return "?    "
	}
}

var levelColor = map[Lvl]int{
	LvlError: 31, // red
	LvlWarn:  33, // yellow
	LvlInfo:  36, // cyan
	LvlDebug: 35, // magenta
}

// Logger writes leveled, key/value log lines. Safe for concurrent use,
// though the engine itself is single-threaded.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	color   bool
	level   Lvl
	ctx     []interface{}
	name    string
}

// Root is the default logger, writing to stderr.
var Root = New("cbe")

// New creates a Logger named name, writing to stderr, colored if stderr is
// a terminal (mirroring go-ethereum's TerminalFormat auto-detection).
func New(name string, ctx ...interface{}) *Logger {
	out := colorable.NewColorableStderr()
	isTTY := isatty.IsTerminal(os.Stderr.Fd())
	return &Logger{
		out:   out,
		color: isTTY,
		level: LvlInfo,
		name:  name,
		ctx:   ctx,
	}
}

// SetLevel adjusts the minimum level that is emitted.
func (l *Logger) SetLevel(lvl Lvl) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = lvl
}

// With returns a child logger with additional persistent key/value context.
func (l *Logger) With(ctx ...interface{}) *Logger {
	nctx := make([]interface{}, 0, len(l.ctx)+len(ctx))
	nctx = append(nctx, l.ctx...)
	nctx = append(nctx, ctx...)
	return &Logger{out: l.out, color: l.color, level: l.level, name: l.name, ctx: nctx}
}

func (l *Logger) log(lvl Lvl, msg string, ctx []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lvl > l.level {
		return
	}
	var b strings.Builder
	ts := time.Now().Format("15:04:05.000")
	if l.color {
		fmt.Fprintf(&b, "\033[%dm%s\033[0m[%s] %-40s", levelColor[lvl], lvl, ts, msg)
	} else {
		fmt.Fprintf(&b, "%s[%s] %-40s", lvl, ts, msg)
	}
	all := make([]interface{}, 0, len(l.ctx)+len(ctx))
	all = append(all, l.ctx...)
	all = append(all, ctx...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(&b, " %v=%v", all[i], all[i+1])
	}
	if lvl == LvlError {
		call := stack.Caller(2)
		fmt.Fprintf(&b, " at=%+v", call)
	}
	b.WriteByte('\n')
	io.WriteString(l.out, b.String())
}

func (l *Logger) Error(msg string, ctx ...interface{}) { l.log(LvlError, msg, ctx) }
func (l *Logger) Warn(msg string, ctx ...interface{})  { l.log(LvlWarn, msg, ctx) }
func (l *Logger) Info(msg string, ctx ...interface{})  { l.log(LvlInfo, msg, ctx) }
func (l *Logger) Debug(msg string, ctx ...interface{}) { l.log(LvlDebug, msg, ctx) }

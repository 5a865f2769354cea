// Copyright 2024 The Zlomek FS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging is SPEC_FULL.md's "Logging" ambient-stack section: a
// single structured sink every other package logs through instead of
// calling log.Printf directly, the way the teacher's own internal/logger
// package (title only retrieved from the pack; its source was filtered
// out) is documented elsewhere in the pack to wrap zap and lumberjack.
// Every call site carries structured fields (fh, volume, opcode, peer)
// rather than formatted strings, so a log line can be filtered/indexed
// the same way regardless of which component emitted it.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu  sync.Mutex
	log *zap.Logger = zap.NewNop()
)

// Options configures the process-wide logger.
type Options struct {
	// Path is the log file to rotate through lumberjack; empty logs to
	// stderr only (the common case for foreground/debug runs).
	Path string
	// MaxSizeMB is lumberjack's MaxSize in megabytes before rotation.
	MaxSizeMB int
	// MaxBackups is lumberjack's MaxBackups.
	MaxBackups int
	// Debug enables debug-level logging.
	Debug bool
}

// Init installs the process-wide logger per opts, replacing the no-op
// default. Callers normally do this once at daemon startup (cmd.Run).
func Init(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), level),
	}
	if opts.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    maxOr(opts.MaxSizeMB, 100),
			MaxBackups: maxOr(opts.MaxBackups, 5),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}

	log = zap.New(zapcore.NewTee(cores...))
	return nil
}

func maxOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// L returns the process-wide logger. Before Init is called it is a no-op
// sink, so packages may hold a reference at construction time and log
// through it freely even in tests that never call Init.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return log
}

// Sync flushes any buffered log entries; call during shutdown.
func Sync() error { return L().Sync() }

// FH, Volume, Opcode and Peer are the structured fields every protocol-
// engine/object-graph log line carries per SPEC_FULL.md's ambient-stack
// section, instead of interpolating identifiers into a format string.
func FH(sid, vid, dev, ino, gen uint32) zap.Field {
	return zap.String("fh", fhString(sid, vid, dev, ino, gen))
}

func fhString(sid, vid, dev, ino, gen uint32) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 0, 48)
	appendHex := func(v uint32) {
		buf = append(buf, hexDigits[(v>>28)&0xf], hexDigits[(v>>24)&0xf], hexDigits[(v>>20)&0xf], hexDigits[(v>>16)&0xf],
			hexDigits[(v>>12)&0xf], hexDigits[(v>>8)&0xf], hexDigits[(v>>4)&0xf], hexDigits[v&0xf])
	}
	appendHex(sid)
	buf = append(buf, '.')
	appendHex(vid)
	buf = append(buf, '.')
	appendHex(dev)
	buf = append(buf, '.')
	appendHex(ino)
	buf = append(buf, '.')
	appendHex(gen)
	return string(buf)
}

func Volume(name string) zap.Field { return zap.String("volume", name) }
func Opcode(name string) zap.Field { return zap.String("opcode", name) }
func Peer(name string) zap.Field   { return zap.String("peer", name) }

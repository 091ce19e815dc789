// Copyright 2018 The gVisor Authors.
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

// Package log provides the small leveled-logging interface used across the
// memory and process model. There is no third-party logging dependency
// anywhere in the retrieved pack, so this wraps the standard library "log"
// package, the same way the teacher's own pkg/log sits in front of a single
// process-wide sink.
package log

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Level controls which severities are emitted.
type Level int32

// Levels, most to least severe.
const (
	Warning Level = iota
	Info
	Debug
)

var (
	level  atomic.Int32
	stdlog = log.New(os.Stderr, "", log.Ldate|log.Lmicroseconds|log.Lshortfile)
)

func init() {
	level.Store(int32(Info))
}

// SetLevel adjusts the minimum emitted severity.
func SetLevel(l Level) {
	level.Store(int32(l))
}

func enabled(l Level) bool {
	return int32(l) <= level.Load()
}

// Warningf logs at Warning level. Warnings are always emitted.
func Warningf(format string, v ...interface{}) {
	stdlog.Output(2, "WARNING: "+sprintf(format, v...))
}

// Infof logs at Info level.
func Infof(format string, v ...interface{}) {
	if !enabled(Info) {
		return
	}
	stdlog.Output(2, "INFO: "+sprintf(format, v...))
}

// Debugf logs at Debug level.
func Debugf(format string, v ...interface{}) {
	if !enabled(Debug) {
		return
	}
	stdlog.Output(2, "DEBUG: "+sprintf(format, v...))
}

func sprintf(format string, v ...interface{}) string {
	if len(v) == 0 {
		return format
	}
	return fmt.Sprintf(format, v...)
}

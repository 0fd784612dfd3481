// Copyright 2026 The gVisor Authors.
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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gvisor.dev/gpuct/pkg/log"
)

// ErrorLogger is where error messages should be written to, in addition to
// the debug log.
var ErrorLogger io.Writer

type jsonError struct {
	Msg   string    `json:"msg"`
	Level string    `json:"level"`
	Time  time.Time `json:"time"`
}

// Writef writes formatted to stdout.
func Writef(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}

// Infof writes an info message to the debug log and to ErrorLogger.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	writeError("info", fmt.Sprintf(format, args...))
}

// Fatalf logs the same message to the debug log and to ErrorLogger, and
// exits with a failure status.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	if ErrorLogger == nil {
		fmt.Fprintf(os.Stderr, "gpuctl: %s\n", msg)
	} else {
		writeError("error", msg)
	}
	os.Exit(128)
}

func writeError(level, msg string) {
	if ErrorLogger == nil {
		return
	}
	// Note that the error log is expected to be JSON.
	_ = json.NewEncoder(ErrorLogger).Encode(jsonError{
		Level: level,
		Msg:   msg,
		Time:  time.Now(),
	})
}

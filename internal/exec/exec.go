/*
Copyright 2020 GramLabs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package exec abstracts command execution against a tuning target. The
// effectuator and the probe telemetry backend run through an Executor so
// targets can be reached over SSH or, for tests and local tuning, the
// local shell.
package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies executor failures into the retry taxonomy.
type ErrorKind string

const (
	// KindConnection marks transient transport failures; callers retry
	// with backoff.
	KindConnection ErrorKind = "connection"
	// KindPermission marks authorization failures; fatal, never retried.
	KindPermission ErrorKind = "permission"
	// KindTimeout marks commands that exceeded their deadline.
	KindTimeout ErrorKind = "timeout"
	// KindExit marks commands that ran but returned a non-zero status.
	KindExit ErrorKind = "exit"
)

type Error struct {
	Kind     ErrorKind
	Cmd      string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %q", e.Kind, e.Cmd)
	if e.Kind == KindExit {
		msg = fmt.Sprintf("%s (exit %d)", msg, e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg = fmt.Sprintf("%s: %s", msg, s)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind checks whether err carries the given executor error kind.
func IsKind(err error, kind ErrorKind) bool {
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr.Kind == kind
	}
	return false
}

// Executor runs one command against a target and returns its stdout.
type Executor interface {
	Run(ctx context.Context, command string) (string, error)
}

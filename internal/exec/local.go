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

package exec

import (
	"bytes"
	"context"
	"errors"
	osexec "os/exec"
)

// Local runs commands through the local shell, for probe scripts and for
// tuning the host the breeder itself runs on.
type Local struct{}

var _ Executor = Local{}

func (Local) Run(ctx context.Context, command string) (string, error) {
	cmd := osexec.CommandContext(ctx, "/bin/sh", "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	if ctx.Err() != nil {
		return stdout.String(), &Error{Kind: KindTimeout, Cmd: command, Err: ctx.Err()}
	}

	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		kind := KindExit
		if permissionDenied(stderr.String()) {
			kind = KindPermission
		}
		return stdout.String(), &Error{Kind: kind, Cmd: command, ExitCode: exitErr.ExitCode(), Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), &Error{Kind: KindConnection, Cmd: command, Stderr: stderr.String(), Err: err}
}

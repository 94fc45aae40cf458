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

package recon

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/godon-dev/breeder/internal/exec"
)

// Probe runs a command against the target and parses the last line of
// its output as the sample value. Used when the target has no metrics
// endpoint, e.g. reading a counter out of /proc.
type Probe struct {
	exec exec.Executor
}

var _ Backend = &Probe{}

func NewProbe(executor exec.Executor) *Probe {
	return &Probe{exec: executor}
}

func (p *Probe) Capture(ctx context.Context, query string, _ *QueryData) (float64, error) {
	out, err := p.exec.Run(ctx, query)
	if err != nil {
		return 0, err
	}

	lines := strings.Fields(strings.TrimSpace(out))
	if len(lines) == 0 {
		return 0, &CaptureError{Message: "probe produced no output", Query: query}
	}

	v, err := strconv.ParseFloat(lines[len(lines)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("probe output is not numeric: %q", out)
	}
	return v, nil
}

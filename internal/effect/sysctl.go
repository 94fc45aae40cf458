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

package effect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
	"github.com/godon-dev/breeder/internal/exec"
)

// Sysctl applies kernel tunables through an executor running `sysctl` on
// the target. Parameter names use the dotted sysctl form, for example
// "net.ipv4.tcp_rmem".
type Sysctl struct {
	exec exec.Executor
	log  logr.Logger
}

var _ Effectuator = &Sysctl{}

func NewSysctl(executor exec.Executor, log logr.Logger) *Sysctl {
	return &Sysctl{exec: executor, log: log}
}

func (s *Sysctl) Apply(ctx context.Context, target *TargetHandle, assignments []breederv1alpha1.Assignment) (*Record, error) {
	names := make([]string, 0, len(assignments))
	for i := range assignments {
		names = append(names, assignments[i].ParameterName)
	}

	pre, err := s.snapshot(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("capture pre-state: %w", err)
	}

	rec := &Record{
		ID:        uuid.NewString(),
		Target:    target,
		Applied:   assignments,
		PreState:  pre,
		AppliedAt: time.Now(),
	}

	for i := range assignments {
		a := &assignments[i]
		if _, err := s.exec.Run(ctx, fmt.Sprintf("sysctl -w %s=%q", a.ParameterName, a.Value)); err != nil {
			return rec, fmt.Errorf("apply %s: %w", a.ParameterName, err)
		}
	}

	post, err := s.snapshot(ctx, names)
	if err != nil {
		return rec, fmt.Errorf("read back applied state: %w", err)
	}
	for i := range assignments {
		a := &assignments[i]
		if normalize(post[a.ParameterName]) != normalize(string(a.Value)) {
			return rec, &VerificationError{Parameter: a.ParameterName, Want: string(a.Value), Got: post[a.ParameterName]}
		}
	}

	rec.Verified = true
	target.Checksum = checksum(post)
	target.Suspect = false
	s.log.V(1).Info("Applied parameter set", "target", target.ID, "parameters", len(assignments), "checksum", target.Checksum)
	return rec, nil
}

func (s *Sysctl) Rollback(ctx context.Context, record *Record) error {
	if record == nil || record.RolledBack {
		return nil
	}

	for name, value := range record.PreState {
		if _, err := s.exec.Run(ctx, fmt.Sprintf("sysctl -w %s=%q", name, value)); err != nil {
			return fmt.Errorf("restore %s: %w", name, err)
		}
	}

	names := make([]string, 0, len(record.PreState))
	for name := range record.PreState {
		names = append(names, name)
	}
	post, err := s.snapshot(ctx, names)
	if err != nil {
		return fmt.Errorf("read back restored state: %w", err)
	}
	for name, want := range record.PreState {
		if normalize(post[name]) != normalize(want) {
			return &VerificationError{Parameter: name, Want: want, Got: post[name]}
		}
	}

	record.RolledBack = true
	if record.Target != nil {
		record.Target.Checksum = checksum(post)
		record.Target.Suspect = false
	}
	s.log.V(1).Info("Rolled back parameter set", "target", recordTargetID(record), "parameters", len(record.PreState))
	return nil
}

// snapshot reads the current value of each tunable one at a time so a
// single unreadable key produces a precise error.
func (s *Sysctl) snapshot(ctx context.Context, names []string) (map[string]string, error) {
	state := make(map[string]string, len(names))
	for _, name := range names {
		out, err := s.exec.Run(ctx, fmt.Sprintf("sysctl -n %s", name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		state[name] = strings.TrimSpace(out)
	}
	return state, nil
}

func recordTargetID(record *Record) string {
	if record.Target == nil {
		return ""
	}
	return record.Target.ID
}

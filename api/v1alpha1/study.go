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

package v1alpha1

import (
	"encoding/json"
	"fmt"
	"time"
)

// StudyName exists to clearly separate cases where an actual name can be used
type StudyName interface {
	Name() string
}

// NewStudyName returns a study name for a given string
func NewStudyName(n string) StudyName {
	return studyName{name: n}
}

type studyName struct{ name string }

func (n studyName) Name() string   { return n.name }
func (n studyName) String() string { return n.name }

type Direction string

const (
	DirectionMinimize Direction = "minimize"
	DirectionMaximize Direction = "maximize"
)

type StudyStatus string

const (
	StudyActive    StudyStatus = "active"
	StudyPaused    StudyStatus = "paused"
	StudyCompleted StudyStatus = "completed"
)

type ParameterType string

const (
	ParameterTypeInteger     ParameterType = "int"
	ParameterTypeDouble      ParameterType = "double"
	ParameterTypeCategorical ParameterType = "categorical"
)

type Bounds struct {
	// The minimum value for a numeric parameter.
	Min json.Number `json:"min"`
	// The maximum value for a numeric parameter.
	Max json.Number `json:"max"`
	// The increment between candidate values, zero for continuous.
	Step json.Number `json:"step,omitempty"`
}

// Parameter is a tunable dimension of a study's search space
type Parameter struct {
	// The name of the parameter.
	Name string `json:"name"`
	// The type of the parameter.
	Type ParameterType `json:"type"`
	// The domain of a numeric parameter.
	Bounds Bounds `json:"bounds,omitempty"`
	// The admissible values of a categorical parameter.
	Values []string `json:"values,omitempty"`
}

type Objective struct {
	// The name of the metric being optimized.
	Name string `json:"name"`
	// The flag indicating this metric should be minimized; when unset the
	// study direction applies.
	Minimize *bool `json:"minimize,omitempty"`
	// The weight of this metric when objectives are combined.
	Weight float64 `json:"weight,omitempty"`
}

// CompletionPolicy determines when a study stops accepting new trials
type CompletionPolicy struct {
	// The maximum number of trials to run, zero for unbounded.
	MaxTrials int64 `json:"maxTrials,omitempty"`
	// The wall clock deadline for the study.
	Deadline *time.Time `json:"deadline,omitempty"`
}

// Study combines the search space, optimization direction and budget of one run
type Study struct {
	// The identifying name of the study.
	ID string `json:"id"`
	// The display name of the study. Do not use for generating URLs!
	DisplayName string `json:"displayName,omitempty"`
	// The search space of the study.
	Parameters []Parameter `json:"parameters"`
	// The direction trials are scored in.
	Direction Direction `json:"direction"`
	// The metrics being optimized.
	Objectives []Objective `json:"objectives,omitempty"`
	// The completion policy of the study.
	CompletionPolicy CompletionPolicy `json:"completionPolicy,omitempty"`
	// The current study status.
	Status StudyStatus `json:"status,omitempty"`
	// Labels for this study.
	Labels map[string]string `json:"labels,omitempty"`
}

// Name allows a study to be used as a StudyName
func (s *Study) Name() string { return s.ID }

// CheckParameterSpace verifies the declared search space is usable
func CheckParameterSpace(params []Parameter) error {
	if len(params) == 0 {
		return fmt.Errorf("parameter space is empty")
	}

	seen := make(map[string]struct{}, len(params))
	for i := range params {
		p := &params[i]
		if p.Name == "" {
			return fmt.Errorf("parameter %d has no name", i)
		}
		if _, ok := seen[p.Name]; ok {
			return fmt.Errorf("duplicate parameter name: %s", p.Name)
		}
		seen[p.Name] = struct{}{}

		switch p.Type {
		case ParameterTypeInteger:
			min, err := p.Bounds.Min.Int64()
			if err != nil {
				return fmt.Errorf("parameter %s: invalid lower bound: %w", p.Name, err)
			}
			max, err := p.Bounds.Max.Int64()
			if err != nil {
				return fmt.Errorf("parameter %s: invalid upper bound: %w", p.Name, err)
			}
			if min > max {
				return fmt.Errorf("parameter %s: bounds are inverted [%d,%d]", p.Name, min, max)
			}
		case ParameterTypeDouble:
			min, err := p.Bounds.Min.Float64()
			if err != nil {
				return fmt.Errorf("parameter %s: invalid lower bound: %w", p.Name, err)
			}
			max, err := p.Bounds.Max.Float64()
			if err != nil {
				return fmt.Errorf("parameter %s: invalid upper bound: %w", p.Name, err)
			}
			if min > max {
				return fmt.Errorf("parameter %s: bounds are inverted [%g,%g]", p.Name, min, max)
			}
		case ParameterTypeCategorical:
			if len(p.Values) == 0 {
				return fmt.Errorf("parameter %s: categorical parameter has no values", p.Name)
			}
		default:
			return fmt.Errorf("parameter %s: unknown type %q", p.Name, p.Type)
		}
	}
	return nil
}

// CheckAssignments verifies a parameter set satisfies the declared space
func CheckAssignments(params []Parameter, assignments []Assignment) error {
	if len(assignments) != len(params) {
		return fmt.Errorf("expected %d assignments, got %d", len(params), len(assignments))
	}

	byName := make(map[string]*Parameter, len(params))
	for i := range params {
		byName[params[i].Name] = &params[i]
	}

	for i := range assignments {
		a := &assignments[i]
		p, ok := byName[a.ParameterName]
		if !ok {
			return fmt.Errorf("assignment for undeclared parameter: %s", a.ParameterName)
		}

		switch p.Type {
		case ParameterTypeInteger:
			v, err := a.Value.Int64()
			if err != nil {
				return fmt.Errorf("parameter %s: %w", p.Name, err)
			}
			min, _ := p.Bounds.Min.Int64()
			max, _ := p.Bounds.Max.Int64()
			if v < min || v > max {
				return fmt.Errorf("parameter %s: %d outside [%d,%d]", p.Name, v, min, max)
			}
		case ParameterTypeDouble:
			v, err := a.Value.Float64()
			if err != nil {
				return fmt.Errorf("parameter %s: %w", p.Name, err)
			}
			min, _ := p.Bounds.Min.Float64()
			max, _ := p.Bounds.Max.Float64()
			if v < min || v > max {
				return fmt.Errorf("parameter %s: %g outside [%g,%g]", p.Name, v, min, max)
			}
		case ParameterTypeCategorical:
			found := false
			for _, c := range p.Values {
				if string(a.Value) == c {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("parameter %s: %q is not an admissible value", p.Name, a.Value)
			}
		}
	}
	return nil
}

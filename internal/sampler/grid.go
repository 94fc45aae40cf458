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

package sampler

import (
	"fmt"
	"strconv"

	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
)

// Grid walks the cartesian product of every dimension, discretizing
// continuous dimensions into Levels points. The grid index is derived from
// the history length, so parallel workers sharing a study fill the grid
// cooperatively without coordination beyond the store.
type Grid struct {
	// Levels is the number of points per continuous dimension.
	Levels int
}

func NewGrid(levels int) *Grid {
	if levels < 2 {
		levels = 2
	}
	return &Grid{Levels: levels}
}

func (s *Grid) Suggest(params []breederv1alpha1.Parameter, history []breederv1alpha1.Trial) ([]breederv1alpha1.Assignment, error) {
	dims := make([][]breederv1alpha1.NumberOrString, len(params))
	for i := range params {
		values, err := s.gridValues(&params[i])
		if err != nil {
			return nil, err
		}
		dims[i] = values
	}

	// Index into the product space; wraps around once the grid is exhausted.
	index := int64(len(history))
	assignments := make([]breederv1alpha1.Assignment, 0, len(params))
	for i := range params {
		n := int64(len(dims[i]))
		assignments = append(assignments, breederv1alpha1.Assignment{
			ParameterName: params[i].Name,
			Value:         dims[i][index%n],
		})
		index /= n
	}

	return assignments, nil
}

func (s *Grid) Observe(breederv1alpha1.Trial) {}

// AllowRevisit is true once the grid wraps; the store must not reject the
// repeated points.
func (s *Grid) AllowRevisit() bool { return true }

func (s *Grid) gridValues(p *breederv1alpha1.Parameter) ([]breederv1alpha1.NumberOrString, error) {
	switch p.Type {
	case breederv1alpha1.ParameterTypeInteger:
		min, err := p.Bounds.Min.Int64()
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		max, err := p.Bounds.Max.Int64()
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		levels := int64(s.Levels)
		if span := max - min + 1; span < levels {
			levels = span
		}
		values := make([]breederv1alpha1.NumberOrString, 0, levels)
		for i := int64(0); i < levels; i++ {
			v := min
			if levels > 1 {
				v = min + i*(max-min)/(levels-1)
			}
			values = append(values, breederv1alpha1.NumberOrString(strconv.FormatInt(v, 10)))
		}
		return values, nil

	case breederv1alpha1.ParameterTypeDouble:
		min, err := p.Bounds.Min.Float64()
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		max, err := p.Bounds.Max.Float64()
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		values := make([]breederv1alpha1.NumberOrString, 0, s.Levels)
		for i := 0; i < s.Levels; i++ {
			v := min + float64(i)*(max-min)/float64(s.Levels-1)
			values = append(values, breederv1alpha1.NumberOrString(strconv.FormatFloat(v, 'g', -1, 64)))
		}
		return values, nil

	case breederv1alpha1.ParameterTypeCategorical:
		values := make([]breederv1alpha1.NumberOrString, 0, len(p.Values))
		for _, v := range p.Values {
			values = append(values, breederv1alpha1.NumberOrString(v))
		}
		return values, nil

	default:
		return nil, fmt.Errorf("parameter %s: unknown type %q", p.Name, p.Type)
	}
}

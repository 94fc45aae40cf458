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
	"math/rand"
	"strconv"

	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
)

// Random samples each dimension uniformly and independently.
type Random struct {
	seed int64
}

// NewRandom returns a uniform sampler; two instances with the same seed
// produce identical suggestions for identical histories.
func NewRandom(seed int64) *Random {
	return &Random{seed: seed}
}

func (s *Random) Suggest(params []breederv1alpha1.Parameter, history []breederv1alpha1.Trial) ([]breederv1alpha1.Assignment, error) {
	rng := rand.New(rand.NewSource(callSeed(s.seed, history)))

	assignments := make([]breederv1alpha1.Assignment, 0, len(params))
	for i := range params {
		p := &params[i]
		var value breederv1alpha1.NumberOrString

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
			step := int64(1)
			if p.Bounds.Step != "" {
				if step, err = p.Bounds.Step.Int64(); err != nil || step < 1 {
					return nil, fmt.Errorf("parameter %s: invalid step %q", p.Name, p.Bounds.Step)
				}
			}
			n := (max-min)/step + 1
			value = breederv1alpha1.NumberOrString(strconv.FormatInt(min+rng.Int63n(n)*step, 10))

		case breederv1alpha1.ParameterTypeDouble:
			min, err := p.Bounds.Min.Float64()
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %w", p.Name, err)
			}
			max, err := p.Bounds.Max.Float64()
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %w", p.Name, err)
			}
			value = breederv1alpha1.NumberOrString(strconv.FormatFloat(min+rng.Float64()*(max-min), 'g', -1, 64))

		case breederv1alpha1.ParameterTypeCategorical:
			if len(p.Values) == 0 {
				return nil, fmt.Errorf("parameter %s: no values", p.Name)
			}
			value = breederv1alpha1.NumberOrString(p.Values[rng.Intn(len(p.Values))])

		default:
			return nil, fmt.Errorf("parameter %s: unknown type %q", p.Name, p.Type)
		}

		assignments = append(assignments, breederv1alpha1.Assignment{
			ParameterName: p.Name,
			Value:         value,
		})
	}

	return assignments, nil
}

func (s *Random) Observe(breederv1alpha1.Trial) {}

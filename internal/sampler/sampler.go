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

// Package sampler defines the pluggable search strategy used by the trial
// store to propose candidate parameter sets.
package sampler

import (
	"fmt"
	"hash/fnv"

	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
)

// Sampler proposes the next candidate parameter set for a study. Suggest
// must be a pure function of the declared space and the trial history for
// a fixed seed, and must not perform I/O: the trial store invokes it while
// holding its reservation transaction open.
type Sampler interface {
	// Suggest returns assignments for every parameter in the space.
	Suggest(params []breederv1alpha1.Parameter, history []breederv1alpha1.Trial) ([]breederv1alpha1.Assignment, error)

	// Observe feeds a finalized trial back into the sampler so stateful
	// strategies can update their internal model.
	Observe(trial breederv1alpha1.Trial)
}

// Revisiter is optionally implemented by samplers that deliberately
// re-propose parameter sets with known outcomes; the store suppresses
// duplicate proposals for samplers that do not.
type Revisiter interface {
	AllowRevisit() bool
}

// AllowsRevisit reports whether the sampler opted in to revisiting
// already-evaluated parameter sets.
func AllowsRevisit(s Sampler) bool {
	if r, ok := s.(Revisiter); ok {
		return r.AllowRevisit()
	}
	return false
}

// callSeed mixes the configured seed with the history so repeated calls
// with identical history are deterministic while successive trials still
// draw fresh values.
func callSeed(seed int64, history []breederv1alpha1.Trial) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%d", seed, len(history))
	for i := range history {
		fmt.Fprint(h, history[i].ID)
	}
	return int64(h.Sum64())
}

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

import "hash/fnv"

// Diversify deterministically assigns one of the available strategies to a
// worker so parallel workers sharing a study do not all search the same
// way. A single worker always gets the uniform sampler.
func Diversify(workerID string, seed int64, parallelWorkers int) Sampler {
	if parallelWorkers <= 1 {
		return NewRandom(seed)
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(workerID))

	switch h.Sum32() % 2 {
	case 0:
		return NewRandom(seed)
	default:
		return NewGrid(8)
	}
}

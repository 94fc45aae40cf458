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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	datadog "github.com/zorkian/go-datadog-api"
)

func seriesPoints(values ...float64) []datadog.DataPoint {
	points := make([]datadog.DataPoint, 0, len(values)+1)
	ts := float64(0)
	// A gap in the series must not influence the result.
	points = append(points, datadog.DataPoint{&ts, nil})
	for i := range values {
		points = append(points, datadog.DataPoint{&ts, &values[i]})
	}
	return points
}

func TestAggregatePoints(t *testing.T) {
	cases := []struct {
		aggregator string
		values     []float64
		expected   float64
	}{
		{aggregator: "min", values: []float64{3.5, 1.2, 9.8}, expected: 1.2},
		{aggregator: "min", values: []float64{-4, -2.5}, expected: -4},
		{aggregator: "max", values: []float64{-3.5, -1.2, -9.8}, expected: -1.2},
		{aggregator: "max", values: []float64{7}, expected: 7},
		{aggregator: "avg", values: []float64{2, 4, 6}, expected: 4},
		{aggregator: "", values: []float64{2, 4, 6}, expected: 4},
		{aggregator: "last", values: []float64{2, 4, 6}, expected: 6},
		{aggregator: "sum", values: []float64{2, 4, 6}, expected: 12},
	}
	for _, c := range cases {
		t.Run(c.aggregator, func(t *testing.T) {
			value, err := aggregatePoints(c.aggregator, seriesPoints(c.values...))
			require.NoError(t, err)
			assert.Equal(t, c.expected, value)
		})
	}
}

func TestAggregatePointsUnsupported(t *testing.T) {
	_, err := aggregatePoints("p99", seriesPoints(1, 2))
	assert.Error(t, err)
}

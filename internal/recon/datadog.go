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
	"os"

	datadog "github.com/zorkian/go-datadog-api"
)

// Datadog evaluates metric queries over the observation window. API
// credentials come from the environment, accepting both the DATADOG_
// and the DD_ prefixed variable names.
type Datadog struct {
	client *datadog.Client
	// Aggregator applied over the series points: avg, last, max, min, sum.
	Aggregator string
}

var _ Backend = &Datadog{}

func NewDatadog(aggregator string) *Datadog {
	apiKey := os.Getenv("DATADOG_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("DD_API_KEY")
	}

	applicationKey := os.Getenv("DATADOG_APP_KEY")
	if applicationKey == "" {
		applicationKey = os.Getenv("DD_APP_KEY")
	}

	return &Datadog{client: datadog.NewClient(apiKey, applicationKey), Aggregator: aggregator}
}

func (d *Datadog) Capture(_ context.Context, query string, data *QueryData) (float64, error) {
	metrics, err := d.client.QueryMetrics(data.StartTime.Unix(), data.CompletionTime.Unix(), query)
	if err != nil {
		return 0, err
	}

	if len(metrics) != 1 {
		return 0, fmt.Errorf("expected one series, got %d", len(metrics))
	}

	return aggregatePoints(d.Aggregator, metrics[0].Points)
}

// aggregatePoints folds the series into a scalar, seeding min and max from
// the first populated point rather than zero.
func aggregatePoints(aggregator string, points []datadog.DataPoint) (float64, error) {
	var value, n float64
	seen := false
	for _, p := range points {
		if p[1] == nil {
			continue
		}

		switch aggregator {
		case "avg", "":
			value = value + *p[1]
			n++
		case "last":
			value = *p[1]
		case "max":
			if !seen || *p[1] > value {
				value = *p[1]
			}
		case "min":
			if !seen || *p[1] < value {
				value = *p[1]
			}
		case "sum":
			value = value + *p[1]
		default:
			return 0, fmt.Errorf("unsupported aggregator: %s (expected: avg, last, max, min, sum)", aggregator)
		}
		seen = true
	}

	if n > 0 {
		value = value / n
	}

	return value, nil
}

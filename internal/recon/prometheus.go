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
	"math"
	"strings"
	"time"

	prom "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

const scrapeInterval = 5 * time.Second

// Prometheus evaluates PromQL queries at the observation time. Queries
// must produce a scalar or a single sample vector.
type Prometheus struct {
	api promv1.API
}

var _ Backend = &Prometheus{}

func NewPrometheus(address string) (*Prometheus, error) {
	c, err := prom.NewClient(prom.Config{Address: address})
	if err != nil {
		return nil, err
	}
	return &Prometheus{api: promv1.NewAPI(c)}, nil
}

func (p *Prometheus) Capture(ctx context.Context, query string, data *QueryData) (float64, error) {
	if err := p.checkReady(ctx, data.CompletionTime); err != nil {
		return 0, err
	}

	v, _, err := p.api.Query(ctx, query, data.CompletionTime)
	if err != nil {
		return 0, err
	}

	switch r := v.(type) {
	case *model.Scalar:
		return scalarValue(r.Value, query)
	case model.Vector:
		if len(r) != 1 {
			return 0, fmt.Errorf("expected a single sample, got %d (wrap the query in scalar() or aggregate it)", len(r))
		}
		return scalarValue(r[0].Value, query)
	default:
		return 0, fmt.Errorf("expected scalar query result, got %s", v.Type())
	}
}

// checkReady ensures every healthy scrape target was scraped after the
// observation window closed so the query does not see stale data.
func (p *Prometheus) checkReady(ctx context.Context, completionTime time.Time) error {
	ts, err := p.api.Targets(ctx)
	if err != nil {
		return err
	}
	for _, t := range ts.Active {
		if t.Health != promv1.HealthGood {
			continue
		}
		if !t.LastScrape.After(completionTime) {
			return &CaptureError{Message: "waiting for final scrape", RetryAfter: scrapeInterval}
		}
	}
	return nil
}

func scalarValue(v model.SampleValue, query string) (float64, error) {
	result := float64(v)
	if math.IsNaN(result) {
		err := &CaptureError{Message: "metric data not available", Query: query}
		if strings.HasPrefix(query, "scalar(") {
			err.Message += " (the scalar function may have received an input vector whose size is not 1)"
		}
		return 0, err
	}
	return result, nil
}

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
	"bytes"
	"fmt"
	"math"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
)

// QueryData is the context a telemetry query template is rendered with.
type QueryData struct {
	// The trial the observation is being captured for.
	Trial breederv1alpha1.Trial
	// The time the candidate configuration became effective.
	StartTime time.Time
	// The time the observation window closed.
	CompletionTime time.Time
	// The observation window expressed as a Prometheus range value.
	Range string
	// Trial assignments by parameter name.
	Values map[string]string
}

func newQueryData(trial *breederv1alpha1.Trial, startTime, completionTime time.Time) *QueryData {
	d := &QueryData{
		Trial:          *trial,
		StartTime:      startTime,
		CompletionTime: completionTime,
	}

	d.Values = make(map[string]string, len(trial.Assignments))
	for _, a := range trial.Assignments {
		d.Values[a.ParameterName] = string(a.Value)
	}

	d.Range = fmt.Sprintf("%.0fs", math.Max(completionTime.Sub(startTime).Seconds(), 0))

	return d
}

// Engine is used to render Go text templates
type Engine struct {
	FuncMap template.FuncMap
}

// NewEngine creates a new template engine
func NewEngine() *Engine {
	f := sprig.TxtFuncMap()
	delete(f, "env")
	delete(f, "expandenv")

	f["duration"] = func(start, completion time.Time) float64 {
		if start.Before(completion) {
			return completion.Sub(start).Seconds()
		}
		return 0
	}

	return &Engine{FuncMap: f}
}

// RenderQuery returns the rendered telemetry query for a trial.
func (e *Engine) RenderQuery(name, query string, data *QueryData) (string, error) {
	tmpl, err := template.New(name).Funcs(e.FuncMap).Parse(query)
	if err != nil {
		return "", err
	}

	b := &bytes.Buffer{}
	if err := tmpl.Execute(b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

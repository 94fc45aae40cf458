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

package config

import (
	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
)

// registry holds the known kernel tunables with safe search bounds.
// Studies may tune parameters outside the registry, but preflight flags
// them since a typo in a sysctl name only surfaces at effectuation time.
var registry = map[string]breederv1alpha1.Parameter{
	"net.core.rmem_max": {
		Type:   breederv1alpha1.ParameterTypeInteger,
		Bounds: breederv1alpha1.Bounds{Min: "212992", Max: "134217728"},
	},
	"net.core.wmem_max": {
		Type:   breederv1alpha1.ParameterTypeInteger,
		Bounds: breederv1alpha1.Bounds{Min: "212992", Max: "134217728"},
	},
	"net.core.netdev_max_backlog": {
		Type:   breederv1alpha1.ParameterTypeInteger,
		Bounds: breederv1alpha1.Bounds{Min: "1000", Max: "100000"},
	},
	"net.core.somaxconn": {
		Type:   breederv1alpha1.ParameterTypeInteger,
		Bounds: breederv1alpha1.Bounds{Min: "128", Max: "65535"},
	},
	"net.ipv4.tcp_max_syn_backlog": {
		Type:   breederv1alpha1.ParameterTypeInteger,
		Bounds: breederv1alpha1.Bounds{Min: "128", Max: "65535"},
	},
	"net.ipv4.tcp_congestion_control": {
		Type:   breederv1alpha1.ParameterTypeCategorical,
		Values: []string{"cubic", "bbr", "reno"},
	},
	"net.ipv4.tcp_slow_start_after_idle": {
		Type:   breederv1alpha1.ParameterTypeCategorical,
		Values: []string{"0", "1"},
	},
	"net.ipv4.tcp_window_scaling": {
		Type:   breederv1alpha1.ParameterTypeCategorical,
		Values: []string{"0", "1"},
	},
	"net.ipv4.tcp_mtu_probing": {
		Type:   breederv1alpha1.ParameterTypeCategorical,
		Values: []string{"0", "1", "2"},
	},
	"net.ipv4.tcp_fastopen": {
		Type:   breederv1alpha1.ParameterTypeCategorical,
		Values: []string{"0", "1", "2", "3"},
	},
	"net.ipv4.tcp_fin_timeout": {
		Type:   breederv1alpha1.ParameterTypeInteger,
		Bounds: breederv1alpha1.Bounds{Min: "5", Max: "120"},
	},
	"net.ipv4.tcp_keepalive_time": {
		Type:   breederv1alpha1.ParameterTypeInteger,
		Bounds: breederv1alpha1.Bounds{Min: "60", Max: "7200"},
	},
	"vm.swappiness": {
		Type:   breederv1alpha1.ParameterTypeInteger,
		Bounds: breederv1alpha1.Bounds{Min: "0", Max: "100"},
	},
	"vm.dirty_ratio": {
		Type:   breederv1alpha1.ParameterTypeInteger,
		Bounds: breederv1alpha1.Bounds{Min: "1", Max: "90"},
	},
	"vm.dirty_background_ratio": {
		Type:   breederv1alpha1.ParameterTypeInteger,
		Bounds: breederv1alpha1.Bounds{Min: "1", Max: "50"},
	},
}

// KnownParameter reports whether a tunable is in the registry.
func KnownParameter(name string) bool {
	_, ok := registry[name]
	return ok
}

// LookupParameter returns the registry definition of a tunable.
func LookupParameter(name string) (breederv1alpha1.Parameter, bool) {
	p, ok := registry[name]
	p.Name = name
	return p, ok
}

// CompleteParameter fills in missing type, bounds and values from the
// registry so a study only needs to name well-known tunables.
func CompleteParameter(p *breederv1alpha1.Parameter) {
	known, ok := registry[p.Name]
	if !ok {
		return
	}
	if p.Type == "" {
		p.Type = known.Type
	}
	if p.Bounds.Min == "" && p.Bounds.Max == "" && len(p.Values) == 0 {
		p.Bounds = known.Bounds
		p.Values = known.Values
	}
}

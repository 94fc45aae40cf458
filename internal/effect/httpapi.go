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

package effect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
	"github.com/godon-dev/breeder/internal/exec"
)

const endpointConfig = "/config"

// API applies parameters through a target's configuration endpoint: a
// GET of /config returns the full parameter map and a PUT applies a
// partial update. Used for targets that expose an admin API instead of
// shell access.
type API struct {
	http *retryablehttp.Client
	base *url.URL
	log  logr.Logger
}

var _ Effectuator = &API{}

func NewAPI(address string, log logr.Logger) (*API, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse target address: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 500 * time.Millisecond
	c.Logger = nil
	return &API{http: c, base: u, log: log}, nil
}

func (a *API) Apply(ctx context.Context, target *TargetHandle, assignments []breederv1alpha1.Assignment) (*Record, error) {
	current, err := a.getConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture pre-state: %w", err)
	}

	pre := make(map[string]string, len(assignments))
	desired := make(map[string]string, len(assignments))
	for i := range assignments {
		asn := &assignments[i]
		pre[asn.ParameterName] = current[asn.ParameterName]
		desired[asn.ParameterName] = string(asn.Value)
	}

	rec := &Record{
		ID:        uuid.NewString(),
		Target:    target,
		Applied:   assignments,
		PreState:  pre,
		AppliedAt: time.Now(),
	}

	if err := a.putConfig(ctx, desired); err != nil {
		return rec, err
	}

	post, err := a.getConfig(ctx)
	if err != nil {
		return rec, fmt.Errorf("read back applied state: %w", err)
	}
	for i := range assignments {
		asn := &assignments[i]
		if normalize(post[asn.ParameterName]) != normalize(string(asn.Value)) {
			return rec, &VerificationError{Parameter: asn.ParameterName, Want: string(asn.Value), Got: post[asn.ParameterName]}
		}
	}

	rec.Verified = true
	target.Checksum = checksum(post)
	target.Suspect = false
	return rec, nil
}

func (a *API) Rollback(ctx context.Context, record *Record) error {
	if record == nil || record.RolledBack {
		return nil
	}

	if err := a.putConfig(ctx, record.PreState); err != nil {
		return err
	}

	post, err := a.getConfig(ctx)
	if err != nil {
		return fmt.Errorf("read back restored state: %w", err)
	}
	for name, want := range record.PreState {
		if normalize(post[name]) != normalize(want) {
			return &VerificationError{Parameter: name, Want: want, Got: post[name]}
		}
	}

	record.RolledBack = true
	if record.Target != nil {
		record.Target.Checksum = checksum(post)
		record.Target.Suspect = false
	}
	return nil
}

func (a *API) getConfig(ctx context.Context) (map[string]string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, a.base.String()+endpointConfig, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, &exec.Error{Kind: exec.KindConnection, Err: err}
	}
	defer resp.Body.Close()

	if err := a.checkStatus(resp); err != nil {
		return nil, err
	}

	config := map[string]string{}
	if err := json.NewDecoder(resp.Body).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode target config: %w", err)
	}
	return config, nil
}

func (a *API) putConfig(ctx context.Context, config map[string]string) error {
	body, err := json.Marshal(config)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, a.base.String()+endpointConfig, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return &exec.Error{Kind: exec.KindConnection, Err: err}
	}
	defer resp.Body.Close()

	return a.checkStatus(resp)
}

func (a *API) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &exec.Error{Kind: exec.KindPermission, Err: fmt.Errorf("target returned %s", resp.Status)}
	default:
		return &exec.Error{Kind: exec.KindConnection, Err: fmt.Errorf("target returned %s", resp.Status)}
	}
}

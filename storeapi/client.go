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

// Package storeapi implements the trial store against a remote trial
// service. The storage engine behind the service is opaque; this client
// only speaks the logical study/trial schema and maps HTTP conditions to
// the typed store errors.
package storeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
	"github.com/godon-dev/breeder/internal/store"
	"github.com/godon-dev/breeder/internal/version"
)

const (
	endpointStudies = "/v1alpha1/studies/"
	endpointTrials  = "/v1alpha1/trials/"
)

// Client talks to a remote trial service.
type Client struct {
	base *url.URL
	http *retryablehttp.Client
}

var _ store.Store = &Client{}

// NewClient returns a client for the trial service at address. Transient
// transport failures are retried by the underlying HTTP client; store
// level conditions are surfaced as typed errors.
func NewClient(address string) (*Client, error) {
	base, err := url.Parse(address)
	if err != nil {
		return nil, err
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = 4
	hc.RetryWaitMin = 250 * time.Millisecond
	hc.RetryWaitMax = 4 * time.Second
	hc.Logger = nil
	hc.HTTPClient.Transport = version.UserAgent("Breeder", "", hc.HTTPClient.Transport)

	return &Client{base: base, http: hc}, nil
}

func (c *Client) Close() error { return nil }

func (c *Client) url(path string) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

func (c *Client) CreateStudy(ctx context.Context, study breederv1alpha1.Study) error {
	resp, body, err := c.do(ctx, http.MethodPut, c.url(endpointStudies+url.PathEscape(study.ID)), study)
	if err != nil {
		return unavailable(err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict:
		return newError(breederv1alpha1.ErrStudyConflict, resp, body)
	case http.StatusUnprocessableEntity:
		return newError(breederv1alpha1.ErrStudyInvalid, resp, body)
	default:
		return newError(breederv1alpha1.ErrUnexpected, resp, body)
	}
}

func (c *Client) GetStudy(ctx context.Context, name breederv1alpha1.StudyName) (breederv1alpha1.Study, error) {
	study := breederv1alpha1.Study{}

	resp, body, err := c.do(ctx, http.MethodGet, c.url(endpointStudies+url.PathEscape(name.Name())), nil)
	if err != nil {
		return study, unavailable(err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		err = json.Unmarshal(body, &study)
		return study, err
	case http.StatusNotFound:
		return study, newError(breederv1alpha1.ErrStudyNotFound, resp, body)
	default:
		return study, newError(breederv1alpha1.ErrUnexpected, resp, body)
	}
}

func (c *Client) Ask(ctx context.Context, name breederv1alpha1.StudyName, workerID string) (breederv1alpha1.Trial, error) {
	trial := breederv1alpha1.Trial{}

	u := c.url(endpointStudies + url.PathEscape(name.Name()) + "/ask")
	resp, body, err := c.do(ctx, http.MethodPost, u, struct {
		WorkerID string `json:"workerId"`
	}{WorkerID: workerID})
	if err != nil {
		return trial, unavailable(err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		err = json.Unmarshal(body, &trial)
		return trial, err
	case http.StatusGone:
		return trial, newError(breederv1alpha1.ErrStudyCompleted, resp, body)
	case http.StatusNotFound:
		return trial, newError(breederv1alpha1.ErrStudyNotFound, resp, body)
	case http.StatusServiceUnavailable:
		return trial, newError(breederv1alpha1.ErrStoreUnavailable, resp, body)
	default:
		return trial, newError(breederv1alpha1.ErrUnexpected, resp, body)
	}
}

func (c *Client) Tell(ctx context.Context, trialID, workerID string, outcome store.Outcome) error {
	payload := struct {
		WorkerID    string                         `json:"workerId"`
		Observation *breederv1alpha1.Observation   `json:"observation,omitempty"`
		Failure     breederv1alpha1.FailureReason  `json:"failure,omitempty"`
	}{WorkerID: workerID, Observation: outcome.Observation, Failure: outcome.Failure}
	if outcome.Failed() {
		payload.Observation = nil
	}

	resp, body, err := c.do(ctx, http.MethodPost, c.url(endpointTrials+url.PathEscape(trialID)+"/tell"), payload)
	if err != nil {
		return unavailable(err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return newError(breederv1alpha1.ErrTrialNotFound, resp, body)
	case http.StatusConflict:
		return newError(breederv1alpha1.ErrTrialFinalized, resp, body)
	case http.StatusForbidden:
		return newError(breederv1alpha1.ErrTrialNotOwner, resp, body)
	case http.StatusUnprocessableEntity:
		return newError(breederv1alpha1.ErrTrialInvalid, resp, body)
	default:
		return newError(breederv1alpha1.ErrUnexpected, resp, body)
	}
}

func (c *Client) Heartbeat(ctx context.Context, trialID, workerID string) error {
	resp, body, err := c.do(ctx, http.MethodPost, c.url(endpointTrials+url.PathEscape(trialID)+"/heartbeat"), struct {
		WorkerID string `json:"workerId"`
	}{WorkerID: workerID})
	if err != nil {
		return unavailable(err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusForbidden, http.StatusNotFound:
		return newError(breederv1alpha1.ErrTrialNotOwner, resp, body)
	default:
		return newError(breederv1alpha1.ErrUnexpected, resp, body)
	}
}

func (c *Client) Abandon(ctx context.Context, trialID, workerID string) error {
	resp, body, err := c.do(ctx, http.MethodDelete, c.url(endpointTrials+url.PathEscape(trialID)+"?workerId="+url.QueryEscape(workerID)), nil)
	if err != nil {
		return unavailable(err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusForbidden, http.StatusNotFound:
		return newError(breederv1alpha1.ErrTrialNotOwner, resp, body)
	default:
		return newError(breederv1alpha1.ErrUnexpected, resp, body)
	}
}

func (c *Client) Trials(ctx context.Context, name breederv1alpha1.StudyName, q *breederv1alpha1.TrialListQuery) (breederv1alpha1.TrialList, error) {
	lst := breederv1alpha1.TrialList{}

	u := c.url(endpointStudies + url.PathEscape(name.Name()) + "/trials")
	if q != nil && len(q.Status) > 0 {
		strs := make([]string, len(q.Status))
		for i := range q.Status {
			strs[i] = string(q.Status[i])
		}
		u += "?status=" + url.QueryEscape(strings.Join(strs, ","))
	}

	resp, body, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return lst, unavailable(err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		err = json.Unmarshal(body, &lst)
		return lst, err
	case http.StatusNotFound:
		return lst, newError(breederv1alpha1.ErrStudyNotFound, resp, body)
	default:
		return lst, newError(breederv1alpha1.ErrUnexpected, resp, body)
	}
}

func (c *Client) BestTrial(ctx context.Context, name breederv1alpha1.StudyName) (breederv1alpha1.Trial, error) {
	trial := breederv1alpha1.Trial{}

	resp, body, err := c.do(ctx, http.MethodGet, c.url(endpointStudies+url.PathEscape(name.Name())+"/trials/best"), nil)
	if err != nil {
		return trial, unavailable(err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		err = json.Unmarshal(body, &trial)
		return trial, err
	case http.StatusNotFound:
		return trial, newError(breederv1alpha1.ErrTrialNotFound, resp, body)
	default:
		return trial, newError(breederv1alpha1.ErrUnexpected, resp, body)
	}
}

func (c *Client) do(ctx context.Context, method, u string, payload interface{}) (*http.Response, []byte, error) {
	var body *bytes.Buffer
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, err
		}
		body = bytes.NewBuffer(b)
	} else {
		body = &bytes.Buffer{}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, nil, err
	}
	return resp, buf.Bytes(), nil
}

// unavailable wraps transport-level failures (after the retry budget) as
// the transient store-unavailable condition.
func unavailable(err error) error {
	return &breederv1alpha1.Error{
		Type:       breederv1alpha1.ErrStoreUnavailable,
		Message:    err.Error(),
		RetryAfter: 5 * time.Second,
	}
}

// newError returns an error with a store specific condition, capturing the
// server supplied message and Retry-After header.
func newError(t breederv1alpha1.ErrorType, resp *http.Response, body []byte) error {
	err := &breederv1alpha1.Error{Type: t}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(body, err)
	}

	if resp.StatusCode == http.StatusServiceUnavailable {
		if ra, raerr := strconv.Atoi(resp.Header.Get("Retry-After")); raerr == nil {
			if ra < 1 {
				ra = 5
			} else if ra > 120 {
				ra = 120
			}
			err.RetryAfter = time.Duration(ra) * time.Second
		}
	}

	if err.Message == "" {
		switch resp.StatusCode {
		case http.StatusNotFound:
			err.Message = fmt.Sprintf("not found: %s", resp.Request.URL)
		default:
			err.Message = strings.ReplaceAll(string(err.Type), "-", " ")
		}
	}

	return err
}

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

package storeapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
	"github.com/godon-dev/breeder/internal/store"
)

func TestAsk(t *testing.T) {
	trial := breederv1alpha1.Trial{
		ID:      "t-1",
		StudyID: "tcp-tuning",
		Number:  1,
		Status:  breederv1alpha1.TrialRunning,
		Assignments: []breederv1alpha1.Assignment{
			{ParameterName: "tcp_window", Value: "32768"},
		},
		WorkerID: "worker-1",
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1alpha1/studies/tcp-tuning/ask", r.URL.Path)

		var req struct {
			WorkerID string `json:"workerId"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "worker-1", req.WorkerID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(trial)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	got, err := c.Ask(context.Background(), breederv1alpha1.NewStudyName("tcp-tuning"), "worker-1")
	require.NoError(t, err)
	assert.Equal(t, trial.ID, got.ID)
	assert.Equal(t, trial.Assignments, got.Assignments)
}

func TestAskConditions(t *testing.T) {
	testCases := []struct {
		desc       string
		status     int
		retryAfter string
		check      func(t *testing.T, err error)
	}{
		{
			desc:   "study gone means graceful completion",
			status: http.StatusGone,
			check: func(t *testing.T, err error) {
				assert.True(t, breederv1alpha1.IsStudyCompleted(err))
			},
		},
		{
			desc:       "service unavailable is transient with retry-after",
			status:     http.StatusServiceUnavailable,
			retryAfter: "15",
			check: func(t *testing.T, err error) {
				assert.True(t, breederv1alpha1.IsUnavailable(err))
				var serr *breederv1alpha1.Error
				require.ErrorAs(t, err, &serr)
				assert.Equal(t, 15*time.Second, serr.RetryAfter)
			},
		},
		{
			desc:   "unknown study",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				assert.True(t, breederv1alpha1.IsErr(err, breederv1alpha1.ErrStudyNotFound))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c, err := NewClient(srv.URL)
			require.NoError(t, err)
			c.http.RetryMax = 0

			_, err = c.Ask(context.Background(), breederv1alpha1.NewStudyName("s"), "w")
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestTellAlreadyReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	err = c.Tell(context.Background(), "t-1", "worker-1", store.Outcome{
		Observation: &breederv1alpha1.Observation{},
	})
	require.Error(t, err)
	assert.True(t, breederv1alpha1.IsAlreadyFinalized(err))
}

func TestTellDropsValuesOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Observation *breederv1alpha1.Observation  `json:"observation"`
			Failure     breederv1alpha1.FailureReason `json:"failure"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Nil(t, req.Observation, "failed outcomes must not carry values")
		assert.Equal(t, breederv1alpha1.ReasonApplyFailed, req.Failure)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	require.NoError(t, c.Tell(context.Background(), "t-1", "worker-1", store.Outcome{
		Observation: &breederv1alpha1.Observation{},
		Failure:     breederv1alpha1.ReasonApplyFailed,
	}))
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1")
	require.NoError(t, err)
	c.http.RetryMax = 0

	_, err = c.Ask(context.Background(), breederv1alpha1.NewStudyName("s"), "w")
	require.Error(t, err)
	assert.True(t, breederv1alpha1.IsUnavailable(err))
}

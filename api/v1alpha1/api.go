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

// Package v1alpha1 holds the wire-level study and trial schema shared by
// the embedded trial store and the remote trial service client.
package v1alpha1

import (
	"errors"
	"time"
)

type ErrorType string

const (
	ErrStudyInvalid    ErrorType = "study-invalid"
	ErrStudyNotFound   ErrorType = "study-not-found"
	ErrStudyConflict   ErrorType = "study-conflict"
	ErrStudyCompleted  ErrorType = "study-completed"
	ErrTrialInvalid    ErrorType = "trial-invalid"
	ErrTrialNotFound   ErrorType = "trial-not-found"
	ErrTrialNotOwner   ErrorType = "trial-not-owner"
	ErrTrialFinalized  ErrorType = "trial-already-finalized"
	ErrTrialExhausted  ErrorType = "trial-unavailable"
	ErrStoreUnavailable ErrorType = "store-unavailable"
	ErrUnexpected      ErrorType = "unexpected"
)

// Error represents the store specific error conditions and may be produced
// in response to HTTP status codes by the remote client
type Error struct {
	Type       ErrorType     `json:"-"`
	Message    string        `json:"error"`
	RetryAfter time.Duration `json:"-"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Type)
}

// IsErr checks whether the error carries the supplied condition
func IsErr(err error, t ErrorType) bool {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Type == t
	}
	return false
}

// IsUnavailable checks for the transient store-unavailable condition;
// callers are expected to retry with backoff
func IsUnavailable(err error) bool {
	return IsErr(err, ErrStoreUnavailable) || IsErr(err, ErrTrialExhausted)
}

// IsAlreadyFinalized checks for a second tell on a finalized trial, which
// callers treat as a no-op
func IsAlreadyFinalized(err error) bool {
	return IsErr(err, ErrTrialFinalized)
}

// IsStudyCompleted checks for graceful study completion
func IsStudyCompleted(err error) bool {
	return IsErr(err, ErrStudyCompleted)
}

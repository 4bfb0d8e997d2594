// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package forge

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidURL marks repository URLs that cannot be parsed into a host
	// and repository path.
	ErrInvalidURL = errors.New("invalid repository url")

	// ErrUnsupportedProvider marks provider names and hosts outside the
	// supported set.
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// snippetLimit caps how much of a provider response body is kept in an error.
const snippetLimit = 400

// APIError describes a non-2xx response from a provider API. The snippet is
// a bounded, newline-free slice of the response body, enough to diagnose a
// failure without retaining whole payloads.
type APIError struct {
	Method  string
	URL     string
	Status  int
	Snippet string
}

// NewAPIError builds an APIError from a raw response body.
func NewAPIError(method, url string, status int, body []byte) *APIError {
	return &APIError{
		Method:  method,
		URL:     url,
		Status:  status,
		Snippet: squashSnippet(body),
	}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error: %s %s returned %d: %s", e.Method, e.URL, e.Status, e.Snippet)
}

// squashSnippet truncates body to the snippet limit and folds newlines into
// spaces so the result stays a single log-friendly line.
func squashSnippet(body []byte) string {
	if len(body) > snippetLimit {
		body = body[:snippetLimit]
	}
	s := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(string(body))
	return strings.TrimSpace(s)
}

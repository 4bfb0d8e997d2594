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

// Package forge adapts the GitHub, GitLab and Bitbucket Cloud APIs to one
// capability surface for repository migrations. Each provider adapter lists
// and creates issues and pull requests in a normalized shape, reports
// collaborators and answers user existence checks. Credential handling lives
// here too: tokens are opaque secrets, and the transport URL shaping for each
// provider is the only place their raw values are embedded anywhere.
package forge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Provider identifies a supported code-hosting provider.
type Provider string

const (
	ProviderGitHub    = Provider("github")
	ProviderGitLab    = Provider("gitlab")
	ProviderBitbucket = Provider("bitbucket")
)

// ParseProvider normalizes and validates a provider name.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderGitHub, ProviderGitLab, ProviderBitbucket:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, s)
	}
}

// Normalized item states. Every provider's richer state vocabulary collapses
// to these two before anything crosses a provider boundary.
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// Issue is the provider-neutral shape of an issue.
type Issue struct {
	Title       string
	Description string
	State       string
	Labels      []string
}

// PullRequest is the provider-neutral shape of a pull or merge request.
type PullRequest struct {
	Title        string
	Description  string
	SourceBranch string
	TargetBranch string
	State        string
	Draft        bool
}

// RepoSummary is one entry in an account-level repository listing.
type RepoSummary struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Client is the capability set a migration needs from a provider. All
// implementations list with identical pagination behavior and surface non-2xx
// responses as APIError values.
type Client interface {
	// ListIssues returns all issues on the repository, open and closed.
	ListIssues(ctx context.Context) ([]*Issue, error)

	// CreateIssue creates an issue. Items closed at the source are created
	// open and then closed; a failure of the closing call is logged, not
	// returned, so the item still counts as migrated.
	CreateIssue(ctx context.Context, issue *Issue) error

	// ListPullRequests returns all pull requests on the repository.
	ListPullRequests(ctx context.Context) ([]*PullRequest, error)

	// CreatePullRequest creates a pull request, with the same create-then-
	// close handling as CreateIssue.
	CreatePullRequest(ctx context.Context, pr *PullRequest) error

	// ListCollaborators returns the usernames associated with the
	// repository. The notion of "associated" is each provider's own:
	// GitHub reports collaborators, GitLab reports members, Bitbucket
	// composes reviewers, watchers and issue/PR participants.
	ListCollaborators(ctx context.Context) ([]string, error)

	// UserExists reports whether a username resolves on the provider. A
	// negative answer from the provider is (false, nil); only transport
	// failures return an error.
	UserExists(ctx context.Context, username string) (bool, error)
}

const (
	// defaultHTTPTimeout bounds every individual provider API request.
	defaultHTTPTimeout = 30 * time.Second

	// listPerPage is the page size requested from every provider.
	listPerPage = 100

	// defaultMaxPages bounds runaway pagination on listings.
	defaultMaxPages = 10
)

// ClientOptions tunes provider client construction.
type ClientOptions struct {
	// BaseURL overrides the provider API base URL. Used for unit testing.
	BaseURL string

	// HTTPClient overrides the HTTP client used for API calls. Used for
	// unit testing.
	HTTPClient *http.Client

	// MaxPages overrides the pagination cap on listings.
	MaxPages int
}

func (o *ClientOptions) httpClient() *http.Client {
	if o != nil && o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

func (o *ClientOptions) maxPages() int {
	if o != nil && o.MaxPages > 0 {
		return o.MaxPages
	}
	return defaultMaxPages
}

func (o *ClientOptions) baseURL(def string) string {
	if o != nil && o.BaseURL != "" {
		return strings.TrimSuffix(o.BaseURL, "/")
	}
	return def
}

// NewClient builds the adapter for the repository's provider.
func NewClient(ctx context.Context, repo *RepoContext, opts *ClientOptions) (Client, error) {
	switch repo.Provider {
	case ProviderGitHub:
		return newGitHubClient(ctx, repo, opts)
	case ProviderGitLab:
		return newGitLabClient(repo, opts)
	case ProviderBitbucket:
		return newBitbucketClient(repo, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, repo.Provider)
	}
}

// Title fallbacks for items that arrive without one.
const (
	untitledIssue = "Untitled issue"
	untitledPR    = "Untitled PR"
)

// orUntitled substitutes def for empty or all-whitespace titles.
func orUntitled(title, def string) string {
	if strings.TrimSpace(title) == "" {
		return def
	}
	return title
}

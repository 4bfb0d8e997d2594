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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ktrysmt/go-bitbucket"
	"github.com/mitchellh/mapstructure"
	"github.com/sethvargo/go-retry"

	"github.com/abcxyz/pkg/logging"
)

const (
	bitbucketHost    = "bitbucket.org"
	bitbucketAPIBase = "https://api.bitbucket.org/2.0"

	mb               = 1000000
	maxResponseBytes = 25 * mb
)

// retryFunc, retryMinWaitDuration and retryMaxAttempts govern the backoff on
// rate limited listings. They are variables so tests can swap in a constant
// backoff.
var (
	retryFunc            = retry.NewFibonacci
	retryMinWaitDuration = 1 * time.Second

	retryMaxAttempts uint64 = 3
)

// bitbucketIssueQuery widens the issue listing beyond Bitbucket's default of
// unresolved items to every lifecycle state we migrate.
const bitbucketIssueQuery = `state = "new" OR state = "open" OR state = "resolved" OR state = "closed"`

// bitbucketClient adapts Bitbucket Cloud. Mutations go through the SDK;
// listings hit the 2.0 REST API directly because the migration needs state
// filters and cursor pagination the SDK does not expose.
type bitbucketClient struct {
	bb        *bitbucket.Client
	hc        *http.Client
	base      string
	workspace string
	slug      string

	// Basic auth halves when the token is user:app_password, bearer
	// otherwise.
	username    string
	appPassword string
	bearer      string

	maxPages int

	userSetOnce sync.Once
	userSet     map[string]struct{}
}

func newBitbucketClient(repo *RepoContext, opts *ClientOptions) (*bitbucketClient, error) {
	// Only Bitbucket Cloud is supported; Server/Data Center speaks a
	// different API entirely.
	if repo.Host != bitbucketHost {
		return nil, fmt.Errorf("%w: bitbucket host %q is not %s", ErrUnsupportedProvider, repo.Host, bitbucketHost)
	}

	workspace, slug, err := repo.OwnerRepo()
	if err != nil {
		return nil, err
	}

	b := &bitbucketClient{
		hc:        opts.httpClient(),
		base:      opts.baseURL(bitbucketAPIBase),
		workspace: workspace,
		slug:      slug,
		maxPages:  opts.maxPages(),
	}

	if user, pass, ok := strings.Cut(repo.Token.Raw(), ":"); ok {
		b.username, b.appPassword = user, pass
		b.bb = bitbucket.NewBasicAuth(user, pass)
	} else {
		b.bearer = repo.Token.Raw()
		b.bb = bitbucket.NewOAuthbearerToken(b.bearer)
	}
	b.bb.HttpClient = b.hc
	b.bb.Pagelen = listPerPage

	if b.base != bitbucketAPIBase {
		u, err := url.Parse(b.base)
		if err != nil {
			return nil, fmt.Errorf("invalid api base url: %w", err)
		}
		b.bb.SetApiBaseURL(*u)
	}
	return b, nil
}

func (b *bitbucketClient) ListIssues(ctx context.Context) ([]*Issue, error) {
	raw, err := b.listIssuesRaw(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Issue, 0, len(raw))
	for _, is := range raw {
		out = append(out, issueFromBitbucket(is))
	}
	return out, nil
}

func (b *bitbucketClient) CreateIssue(ctx context.Context, issue *Issue) error {
	res, err := b.bb.Repositories.Issues.Create(&bitbucket.IssuesOptions{
		Owner:    b.workspace,
		RepoSlug: b.slug,
		Title:    orUntitled(issue.Title, untitledIssue),
		Content:  issue.Description,
	})
	if err != nil {
		return fmt.Errorf("failed to create issue: %w", err)
	}

	if issue.State == StateClosed {
		id, err := bitbucketID(res)
		if err != nil {
			logging.FromContext(ctx).WarnContext(ctx, "created issue but could not read its id to close it",
				"error", err)
			return nil
		}
		if _, err := b.bb.Repositories.Issues.Update(&bitbucket.IssuesOptions{
			Owner:    b.workspace,
			RepoSlug: b.slug,
			ID:       strconv.Itoa(id),
			State:    "resolved",
		}); err != nil {
			logging.FromContext(ctx).WarnContext(ctx, "created issue but failed to close it",
				"issue_id", id,
				"error", err)
		}
	}
	return nil
}

func (b *bitbucketClient) ListPullRequests(ctx context.Context) ([]*PullRequest, error) {
	raw, err := b.listPullRequestsRaw(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*PullRequest, 0, len(raw))
	for _, pr := range raw {
		out = append(out, prFromBitbucket(pr))
	}
	return out, nil
}

func (b *bitbucketClient) CreatePullRequest(ctx context.Context, pr *PullRequest) error {
	res, err := b.bb.Repositories.PullRequests.Create(&bitbucket.PullRequestsOptions{
		Owner:             b.workspace,
		RepoSlug:          b.slug,
		Title:             orUntitled(pr.Title, untitledPR),
		Description:       pr.Description,
		SourceBranch:      pr.SourceBranch,
		DestinationBranch: pr.TargetBranch,
	})
	if err != nil {
		return fmt.Errorf("failed to create pull request: %w", err)
	}

	if pr.State == StateClosed {
		id, err := bitbucketID(res)
		if err != nil {
			logging.FromContext(ctx).WarnContext(ctx, "created pull request but could not read its id to close it",
				"error", err)
			return nil
		}
		if _, err := b.bb.Repositories.PullRequests.Decline(&bitbucket.PullRequestsOptions{
			Owner:    b.workspace,
			RepoSlug: b.slug,
			ID:       strconv.Itoa(id),
		}); err != nil {
			logging.FromContext(ctx).WarnContext(ctx, "created pull request but failed to decline it",
				"pull_request_id", id,
				"error", err)
		}
	}
	return nil
}

func (b *bitbucketClient) ListCollaborators(ctx context.Context) ([]string, error) {
	set := b.composedUserSet(ctx)
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (b *bitbucketClient) UserExists(ctx context.Context, username string) (bool, error) {
	_, ok := b.composedUserSet(ctx)[username]
	return ok, nil
}

// composedUserSet unions every population readable without workspace admin
// rights: default reviewers, watchers, issue reporters and assignees, and
// pull request authors. Sub-fetches that fail are dropped so a partial view
// is still usable. The set is computed once per client.
func (b *bitbucketClient) composedUserSet(ctx context.Context) map[string]struct{} {
	b.userSetOnce.Do(func() {
		b.userSet = b.buildUserSet(ctx)
	})
	return b.userSet
}

func (b *bitbucketClient) buildUserSet(ctx context.Context) map[string]struct{} {
	logger := logging.FromContext(ctx)

	set := map[string]struct{}{}
	add := func(name string) {
		if name != "" {
			set[name] = struct{}{}
		}
	}

	for _, resource := range []string{"default-reviewers", "watchers"} {
		users, err := b.listUsersRaw(ctx, resource)
		if err != nil {
			logger.DebugContext(ctx, "skipping bitbucket user source", "resource", resource, "error", err)
			continue
		}
		for _, u := range users {
			add(u.name())
		}
	}

	if issues, err := b.listIssuesRaw(ctx); err != nil {
		logger.DebugContext(ctx, "skipping bitbucket user source", "resource", "issues", "error", err)
	} else {
		for _, is := range issues {
			add(is.Reporter.name())
			add(is.Assignee.name())
		}
	}

	if prs, err := b.listPullRequestsRaw(ctx); err != nil {
		logger.DebugContext(ctx, "skipping bitbucket user source", "resource", "pullrequests", "error", err)
	} else {
		for _, pr := range prs {
			add(pr.Author.name())
		}
	}
	return set
}

// bbUser is the subset of a Bitbucket account we read. Nicknames are the
// closest thing to a username the 2.0 API returns.
type bbUser struct {
	Nickname    string `json:"nickname"`
	DisplayName string `json:"display_name"`
}

func (u *bbUser) name() string {
	if u == nil {
		return ""
	}
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.DisplayName
}

type bbIssue struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	Content struct {
		Raw string `json:"raw"`
	} `json:"content"`
	State    string  `json:"state"`
	Reporter *bbUser `json:"reporter"`
	Assignee *bbUser `json:"assignee"`
}

type bbBranch struct {
	Branch struct {
		Name string `json:"name"`
	} `json:"branch"`
}

type bbPR struct {
	ID          int      `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	State       string   `json:"state"`
	Author      *bbUser  `json:"author"`
	Source      bbBranch `json:"source"`
	Destination bbBranch `json:"destination"`
}

func issueFromBitbucket(is *bbIssue) *Issue {
	state := StateOpen
	switch is.State {
	case "resolved", "closed":
		state = StateClosed
	}
	return &Issue{
		Title:       orUntitled(is.Title, untitledIssue),
		Description: is.Content.Raw,
		State:       state,
	}
}

func prFromBitbucket(pr *bbPR) *PullRequest {
	state := StateClosed
	if pr.State == "OPEN" {
		state = StateOpen
	}
	return &PullRequest{
		Title:        orUntitled(pr.Title, untitledPR),
		Description:  pr.Description,
		SourceBranch: pr.Source.Branch.Name,
		TargetBranch: pr.Destination.Branch.Name,
		State:        state,
	}
}

func (b *bitbucketClient) listIssuesRaw(ctx context.Context) ([]*bbIssue, error) {
	q := url.Values{}
	q.Set("pagelen", strconv.Itoa(listPerPage))
	q.Set("q", bitbucketIssueQuery)

	out := []*bbIssue{}
	next := b.repoAPI("issues") + "?" + q.Encode()
	for page := 0; next != "" && page < b.maxPages; page++ {
		var pg struct {
			Values []*bbIssue `json:"values"`
			Next   string     `json:"next"`
		}
		if err := b.getJSON(ctx, next, &pg); err != nil {
			return nil, fmt.Errorf("failed to list issues: %w", err)
		}
		out = append(out, pg.Values...)
		next = pg.Next
	}
	return out, nil
}

func (b *bitbucketClient) listPullRequestsRaw(ctx context.Context) ([]*bbPR, error) {
	q := url.Values{}
	q.Set("pagelen", strconv.Itoa(listPerPage))
	// The listing defaults to open pull requests only.
	q["state"] = []string{"OPEN", "MERGED", "DECLINED", "SUPERSEDED"}

	out := []*bbPR{}
	next := b.repoAPI("pullrequests") + "?" + q.Encode()
	for page := 0; next != "" && page < b.maxPages; page++ {
		var pg struct {
			Values []*bbPR `json:"values"`
			Next   string  `json:"next"`
		}
		if err := b.getJSON(ctx, next, &pg); err != nil {
			return nil, fmt.Errorf("failed to list pull requests: %w", err)
		}
		out = append(out, pg.Values...)
		next = pg.Next
	}
	return out, nil
}

func (b *bitbucketClient) listUsersRaw(ctx context.Context, resource string) ([]*bbUser, error) {
	q := url.Values{}
	q.Set("pagelen", strconv.Itoa(listPerPage))

	out := []*bbUser{}
	next := b.repoAPI(resource) + "?" + q.Encode()
	for page := 0; next != "" && page < b.maxPages; page++ {
		var pg struct {
			Values []*bbUser `json:"values"`
			Next   string    `json:"next"`
		}
		if err := b.getJSON(ctx, next, &pg); err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", resource, err)
		}
		out = append(out, pg.Values...)
		next = pg.Next
	}
	return out, nil
}

func (b *bitbucketClient) repoAPI(resource string) string {
	return b.base + "/repositories/" + b.workspace + "/" + b.slug + "/" + resource
}

// getJSON performs an authenticated GET against the 2.0 API and decodes the
// response. Rate limited responses retry with backoff; any other non-2xx
// status becomes an APIError.
func (b *bitbucketClient) getJSON(ctx context.Context, rawURL string, out any) error {
	backoff := retryFunc(retryMinWaitDuration)
	backoff = retry.WithMaxRetries(retryMaxAttempts, backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		b.authorize(req)

		resp, err := b.hc.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			return retry.RetryableError(NewAPIError(http.MethodGet, rawURL, resp.StatusCode, body))
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return NewAPIError(http.MethodGet, rawURL, resp.StatusCode, body)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}

func (b *bitbucketClient) authorize(req *http.Request) {
	if b.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+b.bearer)
		return
	}
	req.SetBasicAuth(b.username, b.appPassword)
}

// bitbucketID pulls the numeric id out of a decoded SDK response.
func bitbucketID(v any) (int, error) {
	var payload struct {
		ID int `mapstructure:"id"`
	}
	if err := mapstructure.Decode(v, &payload); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	if payload.ID == 0 {
		return 0, fmt.Errorf("response has no id")
	}
	return payload.ID, nil
}

// listBitbucketAccountRepos returns the repositories the token holder is a
// member of.
func listBitbucketAccountRepos(ctx context.Context, host string, token Secret, opts *ClientOptions) ([]RepoSummary, error) {
	if host != "" && host != bitbucketHost {
		return nil, fmt.Errorf("%w: bitbucket host %q is not %s", ErrUnsupportedProvider, host, bitbucketHost)
	}

	b := &bitbucketClient{
		hc:       opts.httpClient(),
		base:     opts.baseURL(bitbucketAPIBase),
		maxPages: opts.maxPages(),
	}
	if user, pass, ok := strings.Cut(token.Raw(), ":"); ok {
		b.username, b.appPassword = user, pass
	} else {
		b.bearer = token.Raw()
	}

	q := url.Values{}
	q.Set("pagelen", strconv.Itoa(listPerPage))
	q.Set("role", "member")

	out := []RepoSummary{}
	next := b.base + "/repositories?" + q.Encode()
	for page := 0; next != "" && page < b.maxPages; page++ {
		var pg struct {
			Values []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
				Links       struct {
					HTML struct {
						Href string `json:"href"`
					} `json:"html"`
				} `json:"links"`
			} `json:"values"`
			Next string `json:"next"`
		}
		if err := b.getJSON(ctx, next, &pg); err != nil {
			return nil, fmt.Errorf("failed to list repositories: %w", err)
		}
		for _, r := range pg.Values {
			out = append(out, RepoSummary{
				Name:        r.Name,
				URL:         r.Links.HTML.Href,
				Description: r.Description,
			})
		}
		next = pg.Next
	}
	return out, nil
}

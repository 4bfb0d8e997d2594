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
	"errors"
	"fmt"
	"net/url"

	"github.com/google/go-github/v56/github"

	"github.com/abcxyz/pkg/logging"
)

const githubHost = "github.com"

// gitHubClient adapts github.com and GitHub Enterprise repositories. Hosts
// other than github.com are addressed through the enterprise API mount at
// /api/v3.
type gitHubClient struct {
	gh       *github.Client
	owner    string
	repo     string
	maxPages int
}

func newGitHubClient(ctx context.Context, repo *RepoContext, opts *ClientOptions) (*gitHubClient, error) {
	owner, name, err := repo.OwnerRepo()
	if err != nil {
		return nil, err
	}

	gh, err := newGitHubSDK(repo.Host, repo.Token, opts)
	if err != nil {
		return nil, err
	}
	return &gitHubClient{
		gh:       gh,
		owner:    owner,
		repo:     name,
		maxPages: opts.maxPages(),
	}, nil
}

func newGitHubSDK(host string, token Secret, opts *ClientOptions) (*github.Client, error) {
	gh := github.NewClient(opts.httpClient()).WithAuthToken(token.Raw())

	switch {
	case opts.baseURL("") != "":
		base, err := url.Parse(opts.baseURL("") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid api base url: %w", err)
		}
		gh.BaseURL = base
	case host != "" && host != githubHost:
		enterprise := "https://" + host
		var err error
		if gh, err = gh.WithEnterpriseURLs(enterprise, enterprise); err != nil {
			return nil, fmt.Errorf("failed to set enterprise urls: %w", err)
		}
	}
	return gh, nil
}

func (g *gitHubClient) ListIssues(ctx context.Context) ([]*Issue, error) {
	out := []*Issue{}
	opt := &github.IssueListByRepoOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: listPerPage},
	}
	for page := 0; page < g.maxPages; page++ {
		issues, resp, err := g.gh.Issues.ListByRepo(ctx, g.owner, g.repo, opt)
		if err != nil {
			return nil, githubAPIError("failed to list issues", err)
		}
		for _, is := range issues {
			// The issues API reports pull requests too; those migrate
			// through the pull request path instead.
			if is.IsPullRequest() {
				continue
			}
			out = append(out, issueFromGitHub(is))
		}
		if len(issues) < listPerPage || resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (g *gitHubClient) CreateIssue(ctx context.Context, issue *Issue) error {
	req := &github.IssueRequest{
		Title: github.String(orUntitled(issue.Title, untitledIssue)),
		Body:  github.String(issue.Description),
	}
	if len(issue.Labels) > 0 {
		labels := append([]string{}, issue.Labels...)
		req.Labels = &labels
	}

	created, _, err := g.gh.Issues.Create(ctx, g.owner, g.repo, req)
	if err != nil {
		return githubAPIError("failed to create issue", err)
	}

	if issue.State == StateClosed {
		closeReq := &github.IssueRequest{State: github.String("closed")}
		if _, _, err := g.gh.Issues.Edit(ctx, g.owner, g.repo, created.GetNumber(), closeReq); err != nil {
			logging.FromContext(ctx).WarnContext(ctx, "created issue but failed to close it",
				"issue_number", created.GetNumber(),
				"error", err)
		}
	}
	return nil
}

func (g *gitHubClient) ListPullRequests(ctx context.Context) ([]*PullRequest, error) {
	out := []*PullRequest{}
	opt := &github.PullRequestListOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: listPerPage},
	}
	for page := 0; page < g.maxPages; page++ {
		prs, resp, err := g.gh.PullRequests.List(ctx, g.owner, g.repo, opt)
		if err != nil {
			return nil, githubAPIError("failed to list pull requests", err)
		}
		for _, pr := range prs {
			out = append(out, prFromGitHub(pr))
		}
		if len(prs) < listPerPage || resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (g *gitHubClient) CreatePullRequest(ctx context.Context, pr *PullRequest) error {
	req := &github.NewPullRequest{
		Title: github.String(orUntitled(pr.Title, untitledPR)),
		Body:  github.String(pr.Description),
		Head:  github.String(pr.SourceBranch),
		Base:  github.String(pr.TargetBranch),
		Draft: github.Bool(pr.Draft),
	}

	created, _, err := g.gh.PullRequests.Create(ctx, g.owner, g.repo, req)
	if err != nil {
		return githubAPIError("failed to create pull request", err)
	}

	if pr.State == StateClosed {
		closeReq := &github.PullRequest{State: github.String("closed")}
		if _, _, err := g.gh.PullRequests.Edit(ctx, g.owner, g.repo, created.GetNumber(), closeReq); err != nil {
			logging.FromContext(ctx).WarnContext(ctx, "created pull request but failed to close it",
				"pull_number", created.GetNumber(),
				"error", err)
		}
	}
	return nil
}

func (g *gitHubClient) ListCollaborators(ctx context.Context) ([]string, error) {
	out := []string{}
	opt := &github.ListCollaboratorsOptions{
		ListOptions: github.ListOptions{PerPage: listPerPage},
	}
	for page := 0; page < g.maxPages; page++ {
		users, resp, err := g.gh.Repositories.ListCollaborators(ctx, g.owner, g.repo, opt)
		if err != nil {
			return nil, githubAPIError("failed to list collaborators", err)
		}
		for _, u := range users {
			if login := u.GetLogin(); login != "" {
				out = append(out, login)
			}
		}
		if len(users) < listPerPage || resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (g *gitHubClient) UserExists(ctx context.Context, username string) (bool, error) {
	if _, resp, err := g.gh.Users.Get(ctx, username); err != nil {
		// A response means the provider answered; anything it refuses to
		// resolve is simply not a match.
		if resp != nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up user %q: %w", username, err)
	}
	return true, nil
}

// listGitHubAccountRepos returns the repositories visible to the token
// holder.
func listGitHubAccountRepos(ctx context.Context, host string, token Secret, opts *ClientOptions) ([]RepoSummary, error) {
	gh, err := newGitHubSDK(host, token, opts)
	if err != nil {
		return nil, err
	}

	out := []RepoSummary{}
	opt := &github.RepositoryListOptions{
		ListOptions: github.ListOptions{PerPage: listPerPage},
	}
	for page := 0; page < opts.maxPages(); page++ {
		repos, resp, err := gh.Repositories.List(ctx, "", opt)
		if err != nil {
			return nil, githubAPIError("failed to list repositories", err)
		}
		for _, r := range repos {
			out = append(out, RepoSummary{
				Name:        r.GetName(),
				URL:         r.GetHTMLURL(),
				Description: r.GetDescription(),
			})
		}
		if len(repos) < listPerPage || resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func issueFromGitHub(is *github.Issue) *Issue {
	labels := make([]string, 0, len(is.Labels))
	for _, l := range is.Labels {
		if name := l.GetName(); name != "" {
			labels = append(labels, name)
		}
	}

	state := StateOpen
	if is.GetState() != StateOpen {
		state = StateClosed
	}
	return &Issue{
		Title:       orUntitled(is.GetTitle(), untitledIssue),
		Description: is.GetBody(),
		State:       state,
		Labels:      labels,
	}
}

func prFromGitHub(pr *github.PullRequest) *PullRequest {
	state := StateOpen
	if pr.GetState() != StateOpen {
		state = StateClosed
	}
	return &PullRequest{
		Title:        orUntitled(pr.GetTitle(), untitledPR),
		Description:  pr.GetBody(),
		SourceBranch: pr.GetHead().GetRef(),
		TargetBranch: pr.GetBase().GetRef(),
		State:        state,
		Draft:        pr.GetDraft(),
	}
}

// githubAPIError converts SDK errors into the shared APIError shape where a
// response is attached, and passes transport failures through untouched.
func githubAPIError(msg string, err error) error {
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		method, rawURL := "", ""
		if req := er.Response.Request; req != nil {
			method = req.Method
			if req.URL != nil {
				rawURL = req.URL.String()
			}
		}
		snippet := er.Message
		if snippet == "" {
			snippet = er.Error()
		}
		return fmt.Errorf("%s: %w", msg, NewAPIError(method, rawURL, er.Response.StatusCode, []byte(snippet)))
	}
	return fmt.Errorf("%s: %w", msg, err)
}

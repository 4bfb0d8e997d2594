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

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/abcxyz/pkg/logging"
)

// gitLabClient adapts gitlab.com and self-managed GitLab instances. Projects
// are addressed by their full namespace path, so subgroups work unchanged.
type gitLabClient struct {
	gl       *gitlab.Client
	project  string
	maxPages int
}

func newGitLabClient(repo *RepoContext, opts *ClientOptions) (*gitLabClient, error) {
	gl, err := newGitLabSDK(repo.Host, repo.Token, opts)
	if err != nil {
		return nil, err
	}
	return &gitLabClient{
		gl:       gl,
		project:  repo.ProjectPath(),
		maxPages: opts.maxPages(),
	}, nil
}

func newGitLabSDK(host string, token Secret, opts *ClientOptions) (*gitlab.Client, error) {
	if host == "" {
		host = "gitlab.com"
	}
	base := opts.baseURL("https://" + host + "/api/v4")

	// Retries stay off so one migration item maps to one API call.
	gl, err := gitlab.NewClient(token.Raw(),
		gitlab.WithBaseURL(base),
		gitlab.WithHTTPClient(opts.httpClient()),
		gitlab.WithoutRetries(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gitlab client: %w", err)
	}
	return gl, nil
}

func (g *gitLabClient) ListIssues(ctx context.Context) ([]*Issue, error) {
	out := []*Issue{}
	opt := &gitlab.ListProjectIssuesOptions{
		ListOptions: gitlab.ListOptions{PerPage: listPerPage},
	}
	for page := 0; page < g.maxPages; page++ {
		issues, resp, err := g.gl.Issues.ListProjectIssues(g.project, opt, gitlab.WithContext(ctx))
		if err != nil {
			return nil, gitlabAPIError("failed to list issues", err)
		}
		for _, is := range issues {
			out = append(out, issueFromGitLab(is))
		}
		if len(issues) < listPerPage || resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (g *gitLabClient) CreateIssue(ctx context.Context, issue *Issue) error {
	opt := &gitlab.CreateIssueOptions{
		Title:       gitlab.Ptr(orUntitled(issue.Title, untitledIssue)),
		Description: gitlab.Ptr(issue.Description),
	}
	if len(issue.Labels) > 0 {
		labels := gitlab.LabelOptions(append([]string{}, issue.Labels...))
		opt.Labels = &labels
	}

	created, _, err := g.gl.Issues.CreateIssue(g.project, opt, gitlab.WithContext(ctx))
	if err != nil {
		return gitlabAPIError("failed to create issue", err)
	}

	if issue.State == StateClosed {
		closeOpt := &gitlab.UpdateIssueOptions{StateEvent: gitlab.Ptr("close")}
		if _, _, err := g.gl.Issues.UpdateIssue(g.project, created.IID, closeOpt, gitlab.WithContext(ctx)); err != nil {
			logging.FromContext(ctx).WarnContext(ctx, "created issue but failed to close it",
				"issue_iid", created.IID,
				"error", err)
		}
	}
	return nil
}

func (g *gitLabClient) ListPullRequests(ctx context.Context) ([]*PullRequest, error) {
	out := []*PullRequest{}
	opt := &gitlab.ListProjectMergeRequestsOptions{
		State:       gitlab.Ptr("all"),
		ListOptions: gitlab.ListOptions{PerPage: listPerPage},
	}
	for page := 0; page < g.maxPages; page++ {
		mrs, resp, err := g.gl.MergeRequests.ListProjectMergeRequests(g.project, opt, gitlab.WithContext(ctx))
		if err != nil {
			return nil, gitlabAPIError("failed to list merge requests", err)
		}
		for _, mr := range mrs {
			out = append(out, prFromGitLab(mr))
		}
		if len(mrs) < listPerPage || resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (g *gitLabClient) CreatePullRequest(ctx context.Context, pr *PullRequest) error {
	title := orUntitled(pr.Title, untitledPR)
	// GitLab expresses draft status through the title.
	if pr.Draft {
		title = "Draft: " + title
	}

	opt := &gitlab.CreateMergeRequestOptions{
		Title:        gitlab.Ptr(title),
		Description:  gitlab.Ptr(pr.Description),
		SourceBranch: gitlab.Ptr(pr.SourceBranch),
		TargetBranch: gitlab.Ptr(pr.TargetBranch),
	}

	created, _, err := g.gl.MergeRequests.CreateMergeRequest(g.project, opt, gitlab.WithContext(ctx))
	if err != nil {
		return gitlabAPIError("failed to create merge request", err)
	}

	if pr.State == StateClosed {
		closeOpt := &gitlab.UpdateMergeRequestOptions{StateEvent: gitlab.Ptr("close")}
		if _, _, err := g.gl.MergeRequests.UpdateMergeRequest(g.project, created.IID, closeOpt, gitlab.WithContext(ctx)); err != nil {
			logging.FromContext(ctx).WarnContext(ctx, "created merge request but failed to close it",
				"merge_request_iid", created.IID,
				"error", err)
		}
	}
	return nil
}

func (g *gitLabClient) ListCollaborators(ctx context.Context) ([]string, error) {
	out := []string{}
	opt := &gitlab.ListProjectMembersOptions{
		ListOptions: gitlab.ListOptions{PerPage: listPerPage},
	}
	for page := 0; page < g.maxPages; page++ {
		members, resp, err := g.gl.ProjectMembers.ListAllProjectMembers(g.project, opt, gitlab.WithContext(ctx))
		if err != nil {
			return nil, gitlabAPIError("failed to list project members", err)
		}
		for _, m := range members {
			if m.Username != "" {
				out = append(out, m.Username)
			}
		}
		if len(members) < listPerPage || resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (g *gitLabClient) UserExists(ctx context.Context, username string) (bool, error) {
	users, _, err := g.gl.Users.ListUsers(&gitlab.ListUsersOptions{
		Username: gitlab.Ptr(username),
	}, gitlab.WithContext(ctx))
	if err != nil {
		var er *gitlab.ErrorResponse
		if errors.As(err, &er) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up user %q: %w", username, err)
	}
	return len(users) > 0, nil
}

// listGitLabAccountRepos returns the projects the token holder is a member
// of.
func listGitLabAccountRepos(ctx context.Context, host string, token Secret, opts *ClientOptions) ([]RepoSummary, error) {
	gl, err := newGitLabSDK(host, token, opts)
	if err != nil {
		return nil, err
	}

	out := []RepoSummary{}
	opt := &gitlab.ListProjectsOptions{
		Membership:  gitlab.Ptr(true),
		ListOptions: gitlab.ListOptions{PerPage: listPerPage},
	}
	for page := 0; page < opts.maxPages(); page++ {
		projects, resp, err := gl.Projects.ListProjects(opt, gitlab.WithContext(ctx))
		if err != nil {
			return nil, gitlabAPIError("failed to list projects", err)
		}
		for _, p := range projects {
			out = append(out, RepoSummary{
				Name:        p.Name,
				URL:         p.WebURL,
				Description: p.Description,
			})
		}
		if len(projects) < listPerPage || resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func issueFromGitLab(is *gitlab.Issue) *Issue {
	state := StateClosed
	if is.State == "opened" {
		state = StateOpen
	}
	return &Issue{
		Title:       orUntitled(is.Title, untitledIssue),
		Description: is.Description,
		State:       state,
		Labels:      append([]string{}, is.Labels...),
	}
}

func prFromGitLab(mr *gitlab.MergeRequest) *PullRequest {
	state := StateClosed
	if mr.State == "opened" {
		state = StateOpen
	}
	return &PullRequest{
		Title:        orUntitled(mr.Title, untitledPR),
		Description:  mr.Description,
		SourceBranch: mr.SourceBranch,
		TargetBranch: mr.TargetBranch,
		State:        state,
		Draft:        mr.Draft,
	}
}

// gitlabAPIError converts SDK errors into the shared APIError shape where a
// response is attached, and passes transport failures through untouched.
func gitlabAPIError(msg string, err error) error {
	var er *gitlab.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		method, rawURL := "", ""
		if req := er.Response.Request; req != nil {
			method = req.Method
			if req.URL != nil {
				rawURL = req.URL.String()
			}
		}
		body := er.Body
		if len(body) == 0 {
			body = []byte(er.Message)
		}
		return fmt.Errorf("%s: %w", msg, NewAPIError(method, rawURL, er.Response.StatusCode, body))
	}
	return fmt.Errorf("%s: %w", msg, err)
}

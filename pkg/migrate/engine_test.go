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

package migrate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/testutil"

	"github.com/abcxyz/repo-migrator/pkg/forge"
	"github.com/abcxyz/repo-migrator/pkg/gitcmd"
)

const (
	testSourceToken = "src-secret-token"
	testDestToken   = "dest-secret-token"
)

// fakeGit records transport calls and can fail one chosen operation. Clone
// creates the staging directory so directory cleanup is observable.
type fakeGit struct {
	root string

	mu       sync.Mutex
	calls    [][]string
	branches map[string]bool
	failOp   string
	failErr  error
}

func newFakeGit(t *testing.T) *fakeGit {
	t.Helper()
	return &fakeGit{
		root:     t.TempDir(),
		branches: map[string]bool{},
	}
}

func (g *fakeGit) setFail(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failOp = op
	g.failErr = err
}

func (g *fakeGit) record(op string, args ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, append([]string{op}, args...))
	if g.failOp == op {
		return g.failErr
	}
	return nil
}

func (g *fakeGit) gotCalls() [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([][]string, len(g.calls))
	copy(out, g.calls)
	return out
}

func (g *fakeGit) ClonePath(jobID, srcURL string) string {
	return filepath.Join(g.root, jobID+"_"+gitcmd.RepoBasename(srcURL))
}

func (g *fakeGit) Clone(ctx context.Context, srcURL, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return g.record("clone", srcURL, dir)
}

func (g *fakeGit) SetPushRemote(ctx context.Context, dir, destURL string) error {
	return g.record("set-remote", destURL)
}

func (g *fakeGit) PushMirror(ctx context.Context, dir string) error {
	return g.record("push-mirror")
}

func (g *fakeGit) Push(ctx context.Context, dir string, refspecs ...string) error {
	return g.record("push", refspecs...)
}

func (g *fakeGit) HasLocalBranch(ctx context.Context, dir, name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, []string{"rev-parse", name})
	return g.branches[name]
}

// fakeForge is an in-memory provider adapter for one migration side.
type fakeForge struct {
	issues        []*forge.Issue
	prs           []*forge.PullRequest
	collaborators []string
	users         map[string]bool

	listIssuesErr error
	userExistsErr error
	failCreates   map[string]bool
	panicOnList   bool

	mu            sync.Mutex
	listCalls     int
	createdIssues []*forge.Issue
	createdPRs    []*forge.PullRequest
}

func (f *fakeForge) ListIssues(ctx context.Context) ([]*forge.Issue, error) {
	f.mu.Lock()
	f.listCalls++
	f.mu.Unlock()

	if f.panicOnList {
		panic("fake adapter exploded")
	}
	if f.listIssuesErr != nil {
		return nil, f.listIssuesErr
	}
	return f.issues, nil
}

func (f *fakeForge) CreateIssue(ctx context.Context, issue *forge.Issue) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failCreates[issue.Title] {
		return forge.NewAPIError(http.MethodPost, "https://dest.example/issues", 422, []byte("validation failed"))
	}
	f.createdIssues = append(f.createdIssues, issue)
	return nil
}

func (f *fakeForge) ListPullRequests(ctx context.Context) ([]*forge.PullRequest, error) {
	f.mu.Lock()
	f.listCalls++
	f.mu.Unlock()
	return f.prs, nil
}

func (f *fakeForge) CreatePullRequest(ctx context.Context, pr *forge.PullRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failCreates[pr.Title] {
		return forge.NewAPIError(http.MethodPost, "https://dest.example/pulls", 422, []byte("validation failed"))
	}
	f.createdPRs = append(f.createdPRs, pr)
	return nil
}

func (f *fakeForge) ListCollaborators(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	f.listCalls++
	f.mu.Unlock()
	return f.collaborators, nil
}

func (f *fakeForge) UserExists(ctx context.Context, username string) (bool, error) {
	if f.userExistsErr != nil {
		return false, f.userExistsErr
	}
	return f.users[username], nil
}

func (f *fakeForge) totalListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// clientsByProvider builds a ClientFactory that hands out fixed fakes.
func clientsByProvider(m map[forge.Provider]forge.Client) ClientFactory {
	return func(ctx context.Context, repo *forge.RepoContext, opts *forge.ClientOptions) (forge.Client, error) {
		c, ok := m[repo.Provider]
		if !ok {
			return nil, fmt.Errorf("%w: %q", forge.ErrUnsupportedProvider, repo.Provider)
		}
		return c, nil
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	return logging.WithLogger(context.Background(), logging.TestLogger(t))
}

func testEngine(t *testing.T, opts *EngineOptions) *Engine {
	t.Helper()

	ctx := testCtx(t)
	cfg := &Config{
		Port:              "0",
		TempDir:           t.TempDir(),
		GitPath:           "git",
		MaxConcurrentJobs: 2,
		MaxListPages:      10,
	}

	e, err := NewEngine(ctx, cfg, opts)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(e.Shutdown)
	return e
}

func testRequest(actions MigrationActions) *MigrationRequest {
	return &MigrationRequest{
		SourceType:    forge.ProviderGitHub,
		DestType:      forge.ProviderGitLab,
		SourceToken:   forge.Secret(testSourceToken),
		DestToken:     forge.Secret(testDestToken),
		SourceRepoURL: "https://github.com/octocat/hello.git",
		DestRepoURL:   "https://gitlab.com/group/hello.git",
		Actions:       actions,
	}
}

func waitStatus(t *testing.T, e *Engine, id string, want Status) *Record {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec := e.Status(id); rec.Status == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for job %q to reach %q, last status %q", id, want, e.Status(id).Status)
	return nil
}

func TestEngine_MirrorMigration(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	git := newFakeGit(t)
	src := &fakeForge{}
	e := testEngine(t, &EngineOptions{
		Git: git,
		ClientFactory: clientsByProvider(map[forge.Provider]forge.Client{
			forge.ProviderGitHub: src,
			forge.ProviderGitLab: &fakeForge{},
		}),
	})

	id, rec, err := e.RunOnce(ctx, testRequest(MigrationActions{MigrateRepo: true}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(id, "manual_") {
		t.Errorf("expected %q to have prefix %q", id, "manual_")
	}

	if got, want := rec.Status, StatusCompleted; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if rec.Error != "" {
		t.Errorf("expected no error, got %q", rec.Error)
	}
	if diff := cmp.Diff(map[string]any{"repository": "success"}, rec.Results); diff != "" {
		t.Errorf("results mismatch (-want, +got):\n%s", diff)
	}

	dir := git.ClonePath(id, "https://github.com/octocat/hello.git")
	wantCalls := [][]string{
		{"clone", "https://" + testSourceToken + "@github.com/octocat/hello.git", dir},
		{"set-remote", "https://oauth2:" + testDestToken + "@gitlab.com/group/hello.git"},
		{"push-mirror"},
	}
	if diff := cmp.Diff(wantCalls, git.gotCalls()); diff != "" {
		t.Errorf("git calls mismatch (-want, +got):\n%s", diff)
	}

	// A mirror-only migration must not touch the REST APIs.
	if got := src.totalListCalls(); got != 0 {
		t.Errorf("expected no provider API calls, got %d", got)
	}

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected staging directory %q to be removed", dir)
	}
}

func TestEngine_SelectiveRefMigration(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	git := newFakeGit(t)
	git.branches["main"] = true

	e := testEngine(t, &EngineOptions{
		Git: git,
		ClientFactory: clientsByProvider(map[forge.Provider]forge.Client{
			forge.ProviderGitHub: &fakeForge{},
			forge.ProviderGitLab: &fakeForge{},
		}),
	})

	id, rec, err := e.RunOnce(ctx, testRequest(MigrationActions{
		MigrateBranches:  true,
		MigrateTags:      true,
		SpecificBranches: []string{"main", "missing"},
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, want := rec.Status, StatusCompleted; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}

	wantResults := map[string]any{
		"branches":                  "success",
		"specific_branches":         map[string]any{"pushed": []string{"main"}},
		"specific_branches_missing": []string{"missing"},
		"tags":                      "success",
	}
	if diff := cmp.Diff(wantResults, rec.Results); diff != "" {
		t.Errorf("results mismatch (-want, +got):\n%s", diff)
	}

	dir := git.ClonePath(id, "https://github.com/octocat/hello.git")
	wantCalls := [][]string{
		{"clone", "https://" + testSourceToken + "@github.com/octocat/hello.git", dir},
		{"set-remote", "https://oauth2:" + testDestToken + "@gitlab.com/group/hello.git"},
		{"push", "refs/heads/*:refs/heads/*"},
		{"rev-parse", "main"},
		{"push", "refs/heads/main:refs/heads/main"},
		{"rev-parse", "missing"},
		{"push", "refs/tags/*:refs/tags/*"},
	}
	if diff := cmp.Diff(wantCalls, git.gotCalls()); diff != "" {
		t.Errorf("git calls mismatch (-want, +got):\n%s", diff)
	}
}

func TestEngine_MirrorMarksSubsumedFlags(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	e := testEngine(t, &EngineOptions{
		Git: newFakeGit(t),
		ClientFactory: clientsByProvider(map[forge.Provider]forge.Client{
			forge.ProviderGitHub: &fakeForge{},
			forge.ProviderGitLab: &fakeForge{},
		}),
	})

	_, rec, err := e.RunOnce(ctx, testRequest(MigrationActions{
		MigrateRepo:     true,
		MigrateBranches: true,
		MigrateTags:     true,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantResults := map[string]any{
		"repository": "success",
		"branches":   "success",
		"tags":       "success",
	}
	if diff := cmp.Diff(wantResults, rec.Results); diff != "" {
		t.Errorf("results mismatch (-want, +got):\n%s", diff)
	}
}

func TestEngine_NoRefActionsSkipsRepository(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	git := newFakeGit(t)
	src := &fakeForge{}
	e := testEngine(t, &EngineOptions{
		Git: git,
		ClientFactory: clientsByProvider(map[forge.Provider]forge.Client{
			forge.ProviderGitHub: src,
			forge.ProviderGitLab: &fakeForge{},
		}),
	})

	_, rec, err := e.RunOnce(ctx, testRequest(MigrationActions{MigrateIssues: true}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, want := rec.Results["repository"], "skipped"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}

	// The clone is staged even when nothing is pushed.
	calls := git.gotCalls()
	if len(calls) == 0 || calls[0][0] != "clone" {
		t.Errorf("expected a clone call, got %v", calls)
	}
	for _, call := range calls {
		if call[0] == "push" || call[0] == "push-mirror" {
			t.Errorf("unexpected push call %v", call)
		}
	}
}

func TestEngine_MigrateIssues(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	src := &fakeForge{
		issues: []*forge.Issue{
			{Title: "A", Description: "x", State: forge.StateOpen, Labels: []string{"bug"}},
			{Title: "B", Description: "", State: forge.StateClosed, Labels: []string{}},
		},
	}
	dest := &fakeForge{}
	e := testEngine(t, &EngineOptions{
		Git: newFakeGit(t),
		ClientFactory: clientsByProvider(map[forge.Provider]forge.Client{
			forge.ProviderGitHub: src,
			forge.ProviderGitLab: dest,
		}),
	})

	_, rec, err := e.RunOnce(ctx, testRequest(MigrationActions{MigrateIssues: true}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, want := rec.Status, StatusCompleted; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}

	wantReport := map[string]any{
		"status":       "completed",
		"source_count": 2,
		"created":      2,
		"failed":       0,
	}
	if diff := cmp.Diff(wantReport, rec.Results["issues"]); diff != "" {
		t.Errorf("issues report mismatch (-want, +got):\n%s", diff)
	}

	if diff := cmp.Diff(src.issues, dest.createdIssues); diff != "" {
		t.Errorf("created issues mismatch (-want, +got):\n%s", diff)
	}
}

func TestEngine_IssueCreateFailuresAreCounted(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	src := &fakeForge{
		issues: []*forge.Issue{
			{Title: "good", State: forge.StateOpen},
			{Title: "bad", State: forge.StateOpen},
			{Title: "also good", State: forge.StateClosed},
		},
	}
	dest := &fakeForge{failCreates: map[string]bool{"bad": true}}
	e := testEngine(t, &EngineOptions{
		Git: newFakeGit(t),
		ClientFactory: clientsByProvider(map[forge.Provider]forge.Client{
			forge.ProviderGitHub: src,
			forge.ProviderGitLab: dest,
		}),
	})

	_, rec, err := e.RunOnce(ctx, testRequest(MigrationActions{MigrateIssues: true}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// One rejected item must not fail the job.
	if got, want := rec.Status, StatusCompleted; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}

	wantReport := map[string]any{
		"status":       "completed",
		"source_count": 3,
		"created":      2,
		"failed":       1,
	}
	if diff := cmp.Diff(wantReport, rec.Results["issues"]); diff != "" {
		t.Errorf("issues report mismatch (-want, +got):\n%s", diff)
	}
}

func TestEngine_MigratePullRequestsSkipsBranchless(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	src := &fakeForge{
		prs: []*forge.PullRequest{
			{Title: "feature", SourceBranch: "feat/x", TargetBranch: "main", State: forge.StateClosed},
			{Title: "no branches", SourceBranch: "", TargetBranch: "main", State: forge.StateOpen},
		},
	}
	dest := &fakeForge{}
	e := testEngine(t, &EngineOptions{
		Git: newFakeGit(t),
		ClientFactory: clientsByProvider(map[forge.Provider]forge.Client{
			forge.ProviderGitHub: src,
			forge.ProviderGitLab: dest,
		}),
	})

	_, rec, err := e.RunOnce(ctx, testRequest(MigrationActions{MigratePRs: true}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantReport := map[string]any{
		"status":       "completed",
		"source_count": 2,
		"created":      1,
		"failed":       0,
		"skipped":      1,
	}
	if diff := cmp.Diff(wantReport, rec.Results["prs"]); diff != "" {
		t.Errorf("prs report mismatch (-want, +got):\n%s", diff)
	}

	if got, want := len(dest.createdPRs), 1; got != want {
		t.Errorf("expected %d created pull requests, got %d", want, got)
	}
	if got, want := dest.createdPRs[0].Title, "feature"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
}

func TestEngine_MigrateUsers(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	src := &fakeForge{collaborators: []string{"alice", "bob"}}
	dest := &fakeForge{users: map[string]bool{"alice": true}}
	e := testEngine(t, &EngineOptions{
		Git: newFakeGit(t),
		ClientFactory: clientsByProvider(map[forge.Provider]forge.Client{
			forge.ProviderGitHub: src,
			forge.ProviderGitLab: dest,
		}),
	})

	_, rec, err := e.RunOnce(ctx, testRequest(MigrationActions{MigrateUsers: true}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantReport := map[string]any{
		"status":          "completed",
		"source_count":    2,
		"mapped_count":    1,
		"unmapped_count":  1,
		"mapped_sample":   []string{"alice"},
		"unmapped_sample": []string{"bob"},
		"note":            "users are reported only and never created on the destination",
	}
	if diff := cmp.Diff(wantReport, rec.Results["users"]); diff != "" {
		t.Errorf("users report mismatch (-want, +got):\n%s", diff)
	}
}

func TestEngine_MigrateUsersCapsSamples(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	var collaborators []string
	for i := 0; i < 25; i++ {
		collaborators = append(collaborators, fmt.Sprintf("user-%02d", i))
	}
	src := &fakeForge{collaborators: collaborators}
	dest := &fakeForge{}
	e := testEngine(t, &EngineOptions{
		Git: newFakeGit(t),
		ClientFactory: clientsByProvider(map[forge.Provider]forge.Client{
			forge.ProviderGitHub: src,
			forge.ProviderGitLab: dest,
		}),
	})

	_, rec, err := e.RunOnce(ctx, testRequest(MigrationActions{MigrateUsers: true}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report, ok := rec.Results["users"].(map[string]any)
	if !ok {
		t.Fatalf("missing users report: %v", rec.Results)
	}
	if got, want := report["unmapped_count"], 25; got != want {
		t.Errorf("expected %v to be %v", got, want)
	}
	sample, ok := report["unmapped_sample"].([]string)
	if !ok {
		t.Fatalf("missing unmapped sample: %v", report)
	}
	if got, want := len(sample), 20; got != want {
		t.Errorf("expected sample of %d, got %d", want, got)
	}
	if got, want := sample[0], "user-00"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
}

func TestEngine_UserCheckFailureFailsJob(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	src := &fakeForge{collaborators: []string{"alice"}}
	dest := &fakeForge{userExistsErr: forge.NewAPIError(http.MethodGet, "https://dest.example/users", 500, []byte("boom"))}
	e := testEngine(t, &EngineOptions{
		Git: newFakeGit(t),
		ClientFactory: clientsByProvider(map[forge.Provider]forge.Client{
			forge.ProviderGitHub: src,
			forge.ProviderGitLab: dest,
		}),
	})

	_, rec, err := e.RunOnce(ctx, testRequest(MigrationActions{MigrateUsers: true}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, want := rec.Status, StatusFailed; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if !strings.Contains(rec.Error, "failed to check user") {
		t.Errorf("expected error %q to mention the user check", rec.Error)
	}
}

func TestEngine_ListFailureFailsJob(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	src := &fakeForge{
		listIssuesErr: forge.NewAPIError(http.MethodGet, "https://src.example/issues", 500, []byte("upstream broke")),
	}
	e := testEngine(t, &EngineOptions{
		Git: newFakeGit(t),
		ClientFactory: clientsByProvider(map[forge.Provider]forge.Client{
			forge.ProviderGitHub: src,
			forge.ProviderGitLab: &fakeForge{},
		}),
	})

	_, rec, err := e.RunOnce(ctx, testRequest(MigrationActions{MigrateIssues: true}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, want := rec.Status, StatusFailed; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if !strings.Contains(rec.Error, "failed to list source issues") {
		t.Errorf("unexpected error message %q", rec.Error)
	}
	if !strings.Contains(rec.Error, "provider api error") {
		t.Errorf("expected error %q to carry the provider error", rec.Error)
	}
}

func TestEngine_UnsupportedMetadataPair(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	git := newFakeGit(t)

	// No factory override: provider adapter construction is the real one,
	// and self-hosted Bitbucket is outside the supported API surface.
	e := testEngine(t, &EngineOptions{Git: git})

	req := &MigrationRequest{
		SourceType:    forge.ProviderBitbucket,
		DestType:      forge.ProviderGitHub,
		SourceToken:   forge.Secret("user:app-password"),
		DestToken:     forge.Secret(testDestToken),
		SourceRepoURL: "https://bitbucket.example.com/workspace/repo.git",
		DestRepoURL:   "https://github.com/octocat/hello.git",
		Actions:       MigrationActions{MigrateIssues: true, MigrateUsers: true},
	}

	_, rec, err := e.RunOnce(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An unsupported pair is a per-action outcome, not a job failure.
	if got, want := rec.Status, StatusCompleted; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}

	for _, action := range []string{"issues", "users"} {
		report, ok := rec.Results[action].(map[string]any)
		if !ok {
			t.Fatalf("missing %s report: %v", action, rec.Results)
		}
		if got, want := report["status"], "unsupported"; got != want {
			t.Errorf("expected %v to be %v", got, want)
		}
		msg, ok := report["message"].(string)
		if !ok || !strings.Contains(msg, "unsupported provider") {
			t.Errorf("unexpected message %q", msg)
		}
	}
}

func TestEngine_GitFailureRedactsAndPrefixes(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	git := newFakeGit(t)
	git.setFail("push-mirror", &gitcmd.CommandError{
		Args:   []string{"push", "--mirror", "migration_dest"},
		Output: "fatal: unable to access 'https://" + testDestToken + "@gitlab.com/group/hello.git': 403",
		Err:    errors.New("exit status 128"),
	})

	e := testEngine(t, &EngineOptions{
		Git: git,
		ClientFactory: clientsByProvider(map[forge.Provider]forge.Client{
			forge.ProviderGitHub: &fakeForge{},
			forge.ProviderGitLab: &fakeForge{},
		}),
	})

	id, rec, err := e.RunOnce(ctx, testRequest(MigrationActions{MigrateRepo: true}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, want := rec.Status, StatusFailed; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if !strings.HasPrefix(rec.Error, "Git command failed: ") {
		t.Errorf("expected error %q to carry the git prefix", rec.Error)
	}
	if strings.Contains(rec.Error, testDestToken) || strings.Contains(rec.Error, testSourceToken) {
		t.Errorf("error %q leaks a credential", rec.Error)
	}
	if !strings.Contains(rec.Error, forge.Redacted) {
		t.Errorf("expected error %q to carry the redaction marker", rec.Error)
	}

	// The staging directory is removed on failure too.
	dir := git.ClonePath(id, "https://github.com/octocat/hello.git")
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected staging directory %q to be removed", dir)
	}
}

func TestEngine_BitbucketTokenWithoutColonFailsJob(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	git := newFakeGit(t)
	e := testEngine(t, &EngineOptions{
		Git: git,
		ClientFactory: clientsByProvider(map[forge.Provider]forge.Client{
			forge.ProviderBitbucket: &fakeForge{},
			forge.ProviderGitHub:    &fakeForge{},
		}),
	})

	req := &MigrationRequest{
		SourceType:    forge.ProviderBitbucket,
		DestType:      forge.ProviderGitHub,
		SourceToken:   forge.Secret("no-colon-token"),
		DestToken:     forge.Secret(testDestToken),
		SourceRepoURL: "https://bitbucket.org/workspace/repo.git",
		DestRepoURL:   "https://github.com/octocat/hello.git",
		Actions:       MigrationActions{MigrateRepo: true},
	}

	_, rec, err := e.RunOnce(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, want := rec.Status, StatusFailed; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if !strings.Contains(rec.Error, "cannot authenticate git transport") {
		t.Errorf("unexpected error message %q", rec.Error)
	}
	if len(git.gotCalls()) != 0 {
		t.Errorf("expected no git calls, got %v", git.gotCalls())
	}
}

func TestEngine_PanicBecomesFailedJob(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	src := &fakeForge{panicOnList: true}
	e := testEngine(t, &EngineOptions{
		Git: newFakeGit(t),
		ClientFactory: clientsByProvider(map[forge.Provider]forge.Client{
			forge.ProviderGitHub: src,
			forge.ProviderGitLab: &fakeForge{},
		}),
	})

	_, rec, err := e.RunOnce(ctx, testRequest(MigrationActions{MigrateIssues: true}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, want := rec.Status, StatusFailed; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if !strings.Contains(rec.Error, "internal error:") {
		t.Errorf("unexpected error message %q", rec.Error)
	}
}

func TestEngine_SubmitRunsAsync(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	e := testEngine(t, &EngineOptions{
		Git: newFakeGit(t),
		ClientFactory: clientsByProvider(map[forge.Provider]forge.Client{
			forge.ProviderGitHub: &fakeForge{},
			forge.ProviderGitLab: &fakeForge{},
		}),
	})

	id, err := e.Submit(ctx, testRequest(MigrationActions{MigrateRepo: true}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(id, "manual_") {
		t.Errorf("expected %q to have prefix %q", id, "manual_")
	}

	rec := waitStatus(t, e, id, StatusCompleted)
	if got, want := rec.Results["repository"], "success"; got != want {
		t.Errorf("expected %v to be %v", got, want)
	}
}

func TestEngine_SubmitRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	e := testEngine(t, &EngineOptions{Git: newFakeGit(t)})

	req := testRequest(MigrationActions{MigrateRepo: true})
	req.SourceToken = ""

	id, err := e.Submit(ctx, req)
	if diff := testutil.DiffErrString(err, "source_token is required"); diff != "" {
		t.Errorf("unexpected error: %s", diff)
	}
	if id != "" {
		t.Errorf("expected no job id, got %q", id)
	}
}

func TestEngine_ScheduleRejectsBadInterval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		interval int
	}{
		{name: "zero", interval: 0},
		{name: "negative", interval: -3},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := testCtx(t)
			e := testEngine(t, &EngineOptions{Git: newFakeGit(t)})

			id, err := e.Schedule(ctx, testRequest(MigrationActions{MigrateRepo: true}), tc.interval)
			if !errors.Is(err, ErrInvalidInterval) {
				t.Errorf("expected %v to be %v", err, ErrInvalidInterval)
			}
			if id != "" {
				t.Errorf("expected no job id, got %q", id)
			}
		})
	}
}

func TestEngine_ScheduledRuns(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	clock := clockwork.NewFakeClock()
	git := newFakeGit(t)
	e := testEngine(t, &EngineOptions{
		Git:   git,
		Clock: clock,
		ClientFactory: clientsByProvider(map[forge.Provider]forge.Client{
			forge.ProviderGitHub: &fakeForge{},
			forge.ProviderGitLab: &fakeForge{},
		}),
	})

	id, err := e.Schedule(ctx, testRequest(MigrationActions{MigrateRepo: true}), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(id, "sched_") {
		t.Errorf("expected %q to have prefix %q", id, "sched_")
	}
	if got, want := e.Status(id).Status, StatusScheduled; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}

	clock.BlockUntil(1)
	clock.Advance(2 * time.Minute)
	waitStatus(t, e, id, StatusCompleted)

	// Break the transport so the second fire overwrites the first outcome.
	git.setFail("push-mirror", &gitcmd.CommandError{
		Args:   []string{"push", "--mirror", "migration_dest"},
		Output: "remote rejected",
		Err:    errors.New("exit status 1"),
	})

	clock.BlockUntil(1)
	clock.Advance(2 * time.Minute)
	rec := waitStatus(t, e, id, StatusFailed)

	if !strings.HasPrefix(rec.Error, "Git command failed: ") {
		t.Errorf("unexpected error message %q", rec.Error)
	}
}

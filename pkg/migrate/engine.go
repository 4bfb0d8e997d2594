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
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/repo-migrator/pkg/forge"
	"github.com/abcxyz/repo-migrator/pkg/gitcmd"
)

// ErrInvalidInterval flags a schedule interval below one minute.
var ErrInvalidInterval = fmt.Errorf("interval_minutes must be an integer greater than or equal to 1")

// Job IDs carry the channel that created them.
const (
	manualJobPrefix    = "manual_"
	scheduledJobPrefix = "sched_"
)

// sampleLimit caps the username samples embedded in a user mapping report.
const sampleLimit = 20

// GitRunner is the slice of [gitcmd.Runner] the engine drives. It exists so
// tests can record transport calls without a git binary.
type GitRunner interface {
	ClonePath(jobID, srcURL string) string
	Clone(ctx context.Context, srcURL, dir string) error
	SetPushRemote(ctx context.Context, dir, destURL string) error
	PushMirror(ctx context.Context, dir string) error
	Push(ctx context.Context, dir string, refspecs ...string) error
	HasLocalBranch(ctx context.Context, dir, name string) bool
}

var _ GitRunner = (*gitcmd.Runner)(nil)

// ClientFactory builds the provider adapter for one side of a migration.
type ClientFactory func(ctx context.Context, repo *forge.RepoContext, opts *forge.ClientOptions) (forge.Client, error)

// RepoLister lists the repositories a credential can reach on a provider.
type RepoLister func(ctx context.Context, provider forge.Provider, host string, token forge.Secret, opts *forge.ClientOptions) ([]forge.RepoSummary, error)

// EngineOptions override engine collaborators. The zero value selects
// production defaults; the overrides are used for unit testing.
type EngineOptions struct {
	// ClientFactory overrides provider adapter construction.
	ClientFactory ClientFactory

	// RepoLister overrides account-level repository discovery.
	RepoLister RepoLister

	// Git overrides the repository transport.
	Git GitRunner

	// Clock overrides the scheduler clock.
	Clock clockwork.Clock
}

// Engine owns the job table, the worker pool and the scheduler, and runs
// migrations end to end. Handlers submit and read; all blocking work happens
// on the pool.
type Engine struct {
	cfg       *Config
	store     *Store
	sched     *Scheduler
	clients   ClientFactory
	listRepos RepoLister
	git       GitRunner

	// baseCtx parents every job run, detached from the request context that
	// started it so an accepted job survives the request.
	baseCtx context.Context

	// sem bounds concurrently running jobs.
	sem chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewEngine creates an engine from the service config.
func NewEngine(ctx context.Context, cfg *Config, opts *EngineOptions) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cfg is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts == nil {
		opts = &EngineOptions{}
	}

	clients := opts.ClientFactory
	if clients == nil {
		clients = forge.NewClient
	}

	listRepos := opts.RepoLister
	if listRepos == nil {
		listRepos = forge.ListAccountRepos
	}

	git := opts.Git
	if git == nil {
		git = gitcmd.New(cfg.GitPath, cfg.TempDir)
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Engine{
		cfg:       cfg,
		store:     NewStore(),
		sched:     NewScheduler(clock),
		clients:   clients,
		listRepos: listRepos,
		git:       git,
		baseCtx:   context.WithoutCancel(ctx),
		sem:       make(chan struct{}, cfg.MaxConcurrentJobs),
	}, nil
}

// Submit validates a request, registers a pending job and starts it on the
// worker pool. It returns the job ID immediately; progress lands in the job
// table.
func (e *Engine) Submit(ctx context.Context, req *MigrationRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	id := manualJobPrefix + uuid.NewString()
	e.store.Upsert(id, func(r *Record) {
		r.Status = StatusPending
	})

	logging.FromContext(ctx).DebugContext(ctx, "migration submitted", "job_id", id)

	go func() {
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		e.runJob(e.baseCtx, id, req)
	}()
	return id, nil
}

// Schedule validates a request and registers it to run every intervalMinutes.
// The first run happens after one full interval.
func (e *Engine) Schedule(ctx context.Context, req *MigrationRequest, intervalMinutes int) (string, error) {
	if intervalMinutes < 1 {
		return "", fmt.Errorf("%w: got %d", ErrInvalidInterval, intervalMinutes)
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	id := scheduledJobPrefix + uuid.NewString()
	e.store.Upsert(id, func(r *Record) {
		r.Status = StatusScheduled
	})

	logging.FromContext(ctx).DebugContext(ctx, "migration scheduled",
		"job_id", id,
		"interval_minutes", intervalMinutes)

	e.sched.Add(e.baseCtx, id, time.Duration(intervalMinutes)*time.Minute, func(ctx context.Context) {
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		e.runJob(ctx, id, req)
	})
	return id, nil
}

// RunOnce validates and runs a migration synchronously, returning the job ID
// and the terminal record. The one-shot CLI mode uses it.
func (e *Engine) RunOnce(ctx context.Context, req *MigrationRequest) (string, *Record, error) {
	if err := req.Validate(); err != nil {
		return "", nil, err
	}

	id := manualJobPrefix + uuid.NewString()
	e.store.Upsert(id, func(r *Record) {
		r.Status = StatusPending
	})
	e.runJob(ctx, id, req)
	return id, e.store.Snapshot(id), nil
}

// Status returns a point-in-time copy of the job record.
func (e *Engine) Status(id string) *Record {
	return e.store.Snapshot(id)
}

// ListRepos lists the repositories a credential can reach on a provider,
// for discovering what there is to migrate.
func (e *Engine) ListRepos(ctx context.Context, provider forge.Provider, host string, token forge.Secret) ([]forge.RepoSummary, error) {
	return e.listRepos(ctx, provider, host, token, &forge.ClientOptions{MaxPages: e.cfg.MaxListPages})
}

// Shutdown stops the scheduler. In-flight jobs are not joined; they finish
// against the job table on their own.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.sched.Stop()
}

// runJob drives one migration to a terminal status. Every exit path, panics
// included, leaves the record completed or failed with a redacted error.
func (e *Engine) runJob(ctx context.Context, id string, req *MigrationRequest) {
	logger := logging.FromContext(ctx)

	defer func() {
		if p := recover(); p != nil {
			logger.ErrorContext(ctx, "migration panicked", "job_id", id, "panic", p)
			e.store.Upsert(id, func(r *Record) {
				r.Status = StatusFailed
				r.Error = failureMessage(fmt.Errorf("internal error: %v", p), req)
			})
		}
	}()

	logger.InfoContext(ctx, "migration started", "job_id", id)

	// Re-runs of a scheduled job start from a clean slate.
	e.store.Upsert(id, func(r *Record) {
		r.Status = StatusProcessing
		r.Results = map[string]any{}
		r.Error = ""
	})

	if err := e.migrate(ctx, id, req); err != nil {
		msg := failureMessage(err, req)
		logger.ErrorContext(ctx, "migration failed", "job_id", id, "error", msg)
		e.store.Upsert(id, func(r *Record) {
			r.Status = StatusFailed
			r.Error = msg
		})
		return
	}

	logger.InfoContext(ctx, "migration completed", "job_id", id)
	e.store.Upsert(id, func(r *Record) {
		r.Status = StatusCompleted
	})
}

// migrate stages the clone, runs the ref transport and then the metadata
// actions. The staging directory is removed on every exit path.
func (e *Engine) migrate(ctx context.Context, id string, req *MigrationRequest) error {
	src, err := forge.NewRepoContext(req.SourceType, req.SourceToken, req.SourceRepoURL)
	if err != nil {
		return fmt.Errorf("source repository: %w", err)
	}
	dest, err := forge.NewRepoContext(req.DestType, req.DestToken, req.DestRepoURL)
	if err != nil {
		return fmt.Errorf("destination repository: %w", err)
	}

	srcURL, err := src.AuthURL()
	if err != nil {
		return fmt.Errorf("source repository: %w", err)
	}
	destURL, err := dest.AuthURL()
	if err != nil {
		return fmt.Errorf("destination repository: %w", err)
	}

	dir := e.git.ClonePath(id, src.RepoURL)
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logging.FromContext(ctx).WarnContext(ctx, "failed to remove staging directory",
				"job_id", id,
				"directory", dir,
				"error", err)
		}
	}()

	if err := e.runTransport(ctx, id, &req.Actions, dir, srcURL, destURL); err != nil {
		return err
	}
	return e.runMetadata(ctx, id, req, src, dest)
}

// runTransport clones the source bare and pushes the requested refs to the
// destination remote.
func (e *Engine) runTransport(ctx context.Context, id string, a *MigrationActions, dir, srcURL, destURL string) error {
	if err := e.git.Clone(ctx, srcURL, dir); err != nil {
		return err
	}
	if err := e.git.SetPushRemote(ctx, dir, destURL); err != nil {
		return err
	}

	if a.MigrateRepo {
		if err := e.git.PushMirror(ctx, dir); err != nil {
			return err
		}
		e.setResult(id, "repository", "success")
		// The mirror push already carried every branch and tag.
		if a.MigrateBranches {
			e.setResult(id, "branches", "success")
		}
		if a.MigrateTags {
			e.setResult(id, "tags", "success")
		}
		return nil
	}

	pushedAny := false

	if a.MigrateBranches {
		if err := e.git.Push(ctx, dir, "refs/heads/*:refs/heads/*"); err != nil {
			return err
		}
		e.setResult(id, "branches", "success")
		pushedAny = true
	}

	if len(a.SpecificBranches) > 0 {
		pushed := []string{}
		missing := []string{}
		for _, name := range a.SpecificBranches {
			if !e.git.HasLocalBranch(ctx, dir, name) {
				missing = append(missing, name)
				continue
			}
			ref := "refs/heads/" + name
			if err := e.git.Push(ctx, dir, ref+":"+ref); err != nil {
				return err
			}
			pushed = append(pushed, name)
		}
		e.setResult(id, "specific_branches", map[string]any{"pushed": pushed})
		e.setResult(id, "specific_branches_missing", missing)
		pushedAny = true
	}

	if a.MigrateTags {
		if err := e.git.Push(ctx, dir, "refs/tags/*:refs/tags/*"); err != nil {
			return err
		}
		e.setResult(id, "tags", "success")
		pushedAny = true
	}

	if !pushedAny {
		e.setResult(id, "repository", "skipped")
	}
	return nil
}

// runMetadata carries the enabled issue, pull request and user actions over
// the provider REST adapters.
func (e *Engine) runMetadata(ctx context.Context, id string, req *MigrationRequest, src, dest *forge.RepoContext) error {
	actions := req.Actions.metadataActions()
	if len(actions) == 0 {
		return nil
	}

	opts := &forge.ClientOptions{MaxPages: e.cfg.MaxListPages}
	srcClient, srcErr := e.clients(ctx, src, opts)
	destClient, destErr := e.clients(ctx, dest, opts)
	if err := errors.Join(srcErr, destErr); err != nil {
		// A provider pair outside the supported surface is recorded per
		// action and does not fail the job.
		if errors.Is(err, forge.ErrUnsupportedProvider) {
			msg := forge.RedactAll(err.Error(), req.SourceToken, req.DestToken)
			for _, action := range actions {
				e.setResult(id, action, map[string]any{
					"status":  "unsupported",
					"message": msg,
				})
			}
			return nil
		}
		return err
	}

	if req.Actions.MigrateIssues {
		if err := e.migrateIssues(ctx, id, srcClient, destClient, req); err != nil {
			return err
		}
	}
	if req.Actions.MigratePRs {
		if err := e.migratePullRequests(ctx, id, srcClient, destClient, req); err != nil {
			return err
		}
	}
	if req.Actions.MigrateUsers {
		if err := e.migrateUsers(ctx, id, srcClient, destClient); err != nil {
			return err
		}
	}
	return nil
}

// migrateIssues copies every source issue to the destination. A listing
// failure aborts the job; a single item's creation failure is counted and
// logged so one bad item cannot sink the batch.
func (e *Engine) migrateIssues(ctx context.Context, id string, src, dest forge.Client, req *MigrationRequest) error {
	logger := logging.FromContext(ctx)

	issues, err := src.ListIssues(ctx)
	if err != nil {
		return fmt.Errorf("failed to list source issues: %w", err)
	}

	created, failed := 0, 0
	for _, issue := range issues {
		if err := dest.CreateIssue(ctx, issue); err != nil {
			failed++
			logger.WarnContext(ctx, "failed to create issue",
				"job_id", id,
				"title", issue.Title,
				"error", forge.RedactAll(err.Error(), req.SourceToken, req.DestToken))
			continue
		}
		created++
	}

	e.setResult(id, "issues", map[string]any{
		"status":       "completed",
		"source_count": len(issues),
		"created":      created,
		"failed":       failed,
	})
	return nil
}

// migratePullRequests copies source pull requests, skipping items whose
// branch pair did not survive normalization.
func (e *Engine) migratePullRequests(ctx context.Context, id string, src, dest forge.Client, req *MigrationRequest) error {
	logger := logging.FromContext(ctx)

	prs, err := src.ListPullRequests(ctx)
	if err != nil {
		return fmt.Errorf("failed to list source pull requests: %w", err)
	}

	created, failed, skipped := 0, 0, 0
	for _, pr := range prs {
		if pr.SourceBranch == "" || pr.TargetBranch == "" {
			skipped++
			continue
		}
		if err := dest.CreatePullRequest(ctx, pr); err != nil {
			failed++
			logger.WarnContext(ctx, "failed to create pull request",
				"job_id", id,
				"title", pr.Title,
				"error", forge.RedactAll(err.Error(), req.SourceToken, req.DestToken))
			continue
		}
		created++
	}

	e.setResult(id, "prs", map[string]any{
		"status":       "completed",
		"source_count": len(prs),
		"created":      created,
		"failed":       failed,
		"skipped":      skipped,
	})
	return nil
}

// migrateUsers reports which source collaborators resolve on the destination.
// Accounts are never created; the report exists for manual follow-up.
func (e *Engine) migrateUsers(ctx context.Context, id string, src, dest forge.Client) error {
	users, err := src.ListCollaborators(ctx)
	if err != nil {
		return fmt.Errorf("failed to list source collaborators: %w", err)
	}

	mapped := []string{}
	unmapped := []string{}
	for _, u := range users {
		ok, err := dest.UserExists(ctx, u)
		if err != nil {
			return fmt.Errorf("failed to check user %q on destination: %w", u, err)
		}
		if ok {
			mapped = append(mapped, u)
		} else {
			unmapped = append(unmapped, u)
		}
	}

	e.setResult(id, "users", map[string]any{
		"status":          "completed",
		"source_count":    len(users),
		"mapped_count":    len(mapped),
		"unmapped_count":  len(unmapped),
		"mapped_sample":   sample(mapped),
		"unmapped_sample": sample(unmapped),
		"note":            "users are reported only and never created on the destination",
	})
	return nil
}

func (e *Engine) setResult(id, key string, val any) {
	e.store.Upsert(id, func(r *Record) {
		r.Results[key] = val
	})
}

// sample returns at most sampleLimit entries, preserving order.
func sample(in []string) []string {
	if len(in) > sampleLimit {
		return in[:sampleLimit]
	}
	return in
}

// failureMessage renders err for the job record. Git failures keep their
// captured output under a stable prefix; whatever the message ends up
// containing, both credentials are scrubbed from it.
func failureMessage(err error, req *MigrationRequest) string {
	msg := err.Error()

	var cmdErr *gitcmd.CommandError
	if errors.As(err, &cmdErr) {
		out := strings.TrimSpace(cmdErr.Output)
		if out == "" {
			out = cmdErr.Err.Error()
		}
		msg = "Git command failed: " + out
	}

	return forge.RedactAll(msg, req.SourceToken, req.DestToken)
}

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

// Package gitcmd drives the git binary for repository transport. The
// migration moves refs with bare clones and pushes rather than reimplementing
// the wire protocol, so everything here is a thin, careful wrapper around
// subprocess invocations.
package gitcmd

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/abcxyz/pkg/logging"
)

// DestRemote is the remote name every push targets. It is replaced, not
// reused, on each run so a recycled clone directory can never push to a stale
// destination.
const DestRemote = "migration_dest"

// Runner executes git subprocesses with clones rooted under a single
// directory.
type Runner struct {
	gitPath string
	root    string

	// runGit is swapped out in tests to avoid invoking the binary.
	runGit func(ctx context.Context, dir string, args ...string) (string, error)
}

func New(gitPath, root string) *Runner {
	if gitPath == "" {
		gitPath = "git"
	}
	if root == "" {
		root = "temp_repos"
	}
	r := &Runner{gitPath: gitPath, root: root}
	r.runGit = r.execGit
	return r
}

// Root returns the directory clones land under.
func (r *Runner) Root() string {
	return r.root
}

// ClonePath computes where a job's clone lives. The caller owns the
// directory's lifecycle: it is safe to remove the path whether or not a
// clone ever succeeded there.
func (r *Runner) ClonePath(jobID, srcURL string) string {
	return filepath.Join(r.root, jobID+"_"+RepoBasename(srcURL))
}

// RepoBasename extracts a directory-friendly repository name from a URL: the
// last path segment minus a trailing ".git", or "repository" when nothing
// usable remains.
func RepoBasename(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	p = strings.TrimSuffix(strings.TrimRight(p, "/"), ".git")
	base := path.Base(p)
	if base == "" || base == "." || base == "/" {
		return "repository"
	}
	return base
}

// Clone makes a bare clone of srcURL into dir, creating the clone root
// first.
func (r *Runner) Clone(ctx context.Context, srcURL, dir string) error {
	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return fmt.Errorf("failed to create clone root: %w", err)
	}
	if _, err := r.runGit(ctx, "", "clone", "--bare", srcURL, dir); err != nil {
		return err
	}
	return nil
}

// SetPushRemote points DestRemote at destURL, replacing any previous one.
// The removal fails when the remote does not exist yet, which is fine.
func (r *Runner) SetPushRemote(ctx context.Context, dir, destURL string) error {
	_, _ = r.runGit(ctx, dir, "remote", "remove", DestRemote)
	if _, err := r.runGit(ctx, dir, "remote", "add", DestRemote, destURL); err != nil {
		return err
	}
	return nil
}

// PushMirror mirrors every ref to the destination remote.
func (r *Runner) PushMirror(ctx context.Context, dir string) error {
	_, err := r.runGit(ctx, dir, "push", "--mirror", DestRemote)
	return err
}

// Push sends the given refspecs to the destination remote.
func (r *Runner) Push(ctx context.Context, dir string, refspecs ...string) error {
	args := append([]string{"push", DestRemote}, refspecs...)
	_, err := r.runGit(ctx, dir, args...)
	return err
}

// HasLocalBranch reports whether the clone carries the branch.
func (r *Runner) HasLocalBranch(ctx context.Context, dir, branch string) bool {
	_, err := r.runGit(ctx, dir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// CommandError captures a failed git invocation. Args are scrubbed of URL
// credentials before they are stored; Output is kept verbatim and must be
// redacted before leaving the process.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, out)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// execGit runs git with output captured, never streamed, so credentialed
// URLs stay out of the process's own stdout and stderr.
func (r *Runner) execGit(ctx context.Context, dir string, args ...string) (string, error) {
	logging.FromContext(ctx).DebugContext(ctx, "running git", "args", scrubArgs(args), "dir", dir)

	cmd := exec.CommandContext(ctx, r.gitPath, args...)
	cmd.Dir = dir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Run(); err != nil {
		return buf.String(), &CommandError{
			Args:   scrubArgs(args),
			Output: buf.String(),
			Err:    err,
		}
	}
	return buf.String(), nil
}

// scrubArgs strips userinfo from any argument that parses as a URL.
func scrubArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if u, err := url.Parse(a); err == nil && u.User != nil {
			u.User = nil
			out[i] = u.String()
			continue
		}
		out[i] = a
	}
	return out
}

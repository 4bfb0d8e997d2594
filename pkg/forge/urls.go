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
	"fmt"
	"net/url"
	"strings"
)

// RepoContext binds one side of a migration: the provider, the credential
// and the parsed repository coordinates. Both API adapters and the git
// transport derive everything they need from it.
type RepoContext struct {
	Provider Provider
	Token    Secret

	// RepoURL is the normalized repository URL, scheme always present.
	RepoURL string

	// Host is the URL host, including any port.
	Host string

	// Path is the repository path with surrounding slashes and a trailing
	// ".git" removed, e.g. "octocat/hello" or "group/sub/project".
	Path string
}

// NewRepoContext parses and validates a repository URL into a context.
func NewRepoContext(provider Provider, token Secret, rawURL string) (*RepoContext, error) {
	u, err := NormalizeRepoURL(rawURL)
	if err != nil {
		return nil, err
	}
	path := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	return &RepoContext{
		Provider: provider,
		Token:    token,
		RepoURL:  u.String(),
		Host:     u.Host,
		Path:     path,
	}, nil
}

// NormalizeRepoURL prepares a user-supplied repository URL: leading and
// trailing whitespace is dropped and a missing scheme defaults to https. A
// URL that still has no host after parsing is invalid.
func NormalizeRepoURL(rawURL string) (*url.URL, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidURL)
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURL, rawURL)
	}
	return u, nil
}

// OwnerRepo splits the repository path into its first two segments. Deeper
// paths (GitLab subgroups) keep only the leading pair here; use ProjectPath
// when the full path matters.
func (r *RepoContext) OwnerRepo() (string, string, error) {
	segs := strings.Split(r.Path, "/")
	if len(segs) < 2 || segs[0] == "" || segs[1] == "" {
		return "", "", fmt.Errorf("%w: path %q does not name an owner and repository", ErrInvalidURL, r.Path)
	}
	return segs[0], segs[1], nil
}

// ProjectPath returns the full repository path, the form GitLab uses to
// address a project.
func (r *RepoContext) ProjectPath() string {
	return r.Path
}

// AuthURL embeds the credential into the repository URL for git transport.
// The layout is provider-specific:
//
//	github:    https://<token>@host/path
//	gitlab:    https://oauth2:<token>@host/path
//	bitbucket: https://<user>:<app_password>@host/path
//
// Bitbucket splits its token on the first colon; a token without one works
// against the REST API but cannot authenticate git transport, so it is
// rejected here. Userinfo is percent-encoded by the URL type as needed.
func (r *RepoContext) AuthURL() (string, error) {
	u, err := url.Parse(r.RepoURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	switch r.Provider {
	case ProviderGitHub:
		u.User = url.User(r.Token.Raw())
	case ProviderGitLab:
		u.User = url.UserPassword("oauth2", r.Token.Raw())
	case ProviderBitbucket:
		user, pass, ok := strings.Cut(r.Token.Raw(), ":")
		if !ok {
			return "", fmt.Errorf("bitbucket token is not in username:app_password form, cannot authenticate git transport")
		}
		u.User = url.UserPassword(user, pass)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, r.Provider)
	}
	return u.String(), nil
}

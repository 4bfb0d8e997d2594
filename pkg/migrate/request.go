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
	"errors"
	"fmt"
	"strings"

	"github.com/abcxyz/repo-migrator/pkg/forge"
)

// MigrationActions selects what a migration moves. The ref-level flags and
// the metadata flags are independent; specific_branches names individual
// branches and is ignored when migrate_repo mirrors everything anyway.
type MigrationActions struct {
	MigrateRepo      bool     `json:"migrate_repo"`
	MigrateBranches  bool     `json:"migrate_branches"`
	MigrateTags      bool     `json:"migrate_tags"`
	MigrateIssues    bool     `json:"migrate_issues"`
	MigratePRs       bool     `json:"migrate_prs"`
	MigrateUsers     bool     `json:"migrate_users"`
	SpecificBranches []string `json:"specific_branches,omitempty"`
}

// metadataActions returns the enabled metadata action result keys in their
// reporting order.
func (a *MigrationActions) metadataActions() []string {
	out := []string{}
	if a.MigrateIssues {
		out = append(out, "issues")
	}
	if a.MigratePRs {
		out = append(out, "prs")
	}
	if a.MigrateUsers {
		out = append(out, "users")
	}
	return out
}

// MigrationRequest is one migration order: where to read, where to write,
// with which credentials, and what to move.
type MigrationRequest struct {
	SourceType    forge.Provider   `json:"source_type"`
	DestType      forge.Provider   `json:"dest_type"`
	SourceToken   forge.Secret     `json:"source_token"`
	DestToken     forge.Secret     `json:"dest_token"`
	SourceRepoURL string           `json:"source_repo_url"`
	DestRepoURL   string           `json:"dest_repo_url"`
	Actions       MigrationActions `json:"actions"`
}

// Validate checks the request and normalizes it in place: provider names are
// lowercased and the selective branch list is trimmed and deduplicated,
// keeping first occurrences in order.
func (r *MigrationRequest) Validate() error {
	var merr error

	if p, err := forge.ParseProvider(string(r.SourceType)); err != nil {
		merr = errors.Join(merr, fmt.Errorf("source_type: %w", err))
	} else {
		r.SourceType = p
	}
	if p, err := forge.ParseProvider(string(r.DestType)); err != nil {
		merr = errors.Join(merr, fmt.Errorf("dest_type: %w", err))
	} else {
		r.DestType = p
	}

	if r.SourceToken.IsZero() {
		merr = errors.Join(merr, fmt.Errorf("source_token is required"))
	}
	if r.DestToken.IsZero() {
		merr = errors.Join(merr, fmt.Errorf("dest_token is required"))
	}
	if strings.TrimSpace(r.SourceRepoURL) == "" {
		merr = errors.Join(merr, fmt.Errorf("source_repo_url is required"))
	}
	if strings.TrimSpace(r.DestRepoURL) == "" {
		merr = errors.Join(merr, fmt.Errorf("dest_repo_url is required"))
	}

	r.Actions.SpecificBranches = normalizeBranches(r.Actions.SpecificBranches)

	return merr
}

func normalizeBranches(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, b := range in {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

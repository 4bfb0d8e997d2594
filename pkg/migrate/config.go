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

	"github.com/sethvargo/go-envconfig"

	"github.com/abcxyz/pkg/cfgloader"
	"github.com/abcxyz/pkg/cli"
)

// Config defines the set of environment variables required
// for running this application.
type Config struct {
	Port              string `env:"PORT,default=8080"`
	TempDir           string `env:"TEMP_REPOS_DIR,default=temp_repos"`
	GitPath           string `env:"GIT_PATH,default=git"`
	MaxConcurrentJobs int    `env:"MAX_CONCURRENT_JOBS,default=4"`
	MaxListPages      int    `env:"MAX_LIST_PAGES,default=10"`
}

// Validate validates the service config after load.
func (cfg *Config) Validate() error {
	var merr error

	if cfg.TempDir == "" {
		merr = errors.Join(merr, fmt.Errorf("TEMP_REPOS_DIR is required"))
	}

	if cfg.GitPath == "" {
		merr = errors.Join(merr, fmt.Errorf("GIT_PATH is required"))
	}

	if cfg.MaxConcurrentJobs <= 0 {
		merr = errors.Join(merr, fmt.Errorf("MAX_CONCURRENT_JOBS must be greater than 0"))
	}

	if cfg.MaxListPages <= 0 {
		merr = errors.Join(merr, fmt.Errorf("MAX_LIST_PAGES must be greater than 0"))
	}

	return merr
}

// NewConfig creates a new Config from environment variables.
func NewConfig(ctx context.Context) (*Config, error) {
	return newConfig(ctx, envconfig.OsLookuper())
}

func newConfig(ctx context.Context, lu envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := cfgloader.Load(ctx, &cfg, cfgloader.WithLookuper(lu)); err != nil {
		return nil, fmt.Errorf("failed to parse migration server config: %w", err)
	}
	return &cfg, nil
}

// ToFlags binds the config to the give [cli.FlagSet] and returns it.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("COMMON OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "port",
		Target:  &cfg.Port,
		EnvVar:  "PORT",
		Default: "8080",
		Usage:   `The port the migration server listens to.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "temp-repos-dir",
		Target:  &cfg.TempDir,
		EnvVar:  "TEMP_REPOS_DIR",
		Default: "temp_repos",
		Usage:   `The directory bare clones are staged in during a migration.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "git-path",
		Target:  &cfg.GitPath,
		EnvVar:  "GIT_PATH",
		Default: "git",
		Usage:   `The git binary used for repository transport.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-concurrent-jobs",
		Target:  &cfg.MaxConcurrentJobs,
		EnvVar:  "MAX_CONCURRENT_JOBS",
		Default: 4,
		Usage:   `The maximum number of migration jobs that run at once.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-list-pages",
		Target:  &cfg.MaxListPages,
		EnvVar:  "MAX_LIST_PAGES",
		Default: 10,
		Usage:   `The maximum number of pages fetched per provider listing call.`,
	})

	return set
}

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

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/repo-migrator/pkg/migrate"
	"github.com/abcxyz/repo-migrator/pkg/version"
)

var _ cli.Command = (*MigrateCommand)(nil)

// MigrateCommand runs a single migration to completion and prints the
// finished job record as JSON.
type MigrateCommand struct {
	cli.BaseCommand

	cfg *migrate.Config

	flagRequestFile string

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// testEngineOptions is only used for testing.
	testEngineOptions *migrate.EngineOptions
}

func (c *MigrateCommand) Desc() string {
	return `Run one repository migration to completion`
}

func (c *MigrateCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] -request-file=FILE
  Run the migration described by the JSON request in FILE and print the
  finished job record. Pass "-" to read the request from stdin. The exit
  code is non-zero when the migration fails.
`
}

func (c *MigrateCommand) Flags() *cli.FlagSet {
	c.cfg = &migrate.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	set = c.cfg.ToFlags(set)

	f := set.NewSection("MIGRATION OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "request-file",
		Target:  &c.flagRequestFile,
		Example: "request.json",
		Usage:   `Path to the JSON migration request, or "-" for stdin.`,
	})

	return set
}

func (c *MigrateCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "running migration",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	if c.flagRequestFile == "" {
		return fmt.Errorf("request-file is required")
	}
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	req, err := c.readRequest()
	if err != nil {
		return err
	}

	engine, err := migrate.NewEngine(ctx, c.cfg, c.testEngineOptions)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer engine.Shutdown()

	id, rec, err := engine.RunOnce(ctx, req)
	if err != nil {
		return fmt.Errorf("invalid migration request: %w", err)
	}

	out := map[string]any{
		"job_id":  id,
		"status":  rec.Status,
		"results": rec.Results,
	}
	if rec.Error != "" {
		out["error"] = rec.Error
	}
	enc := json.NewEncoder(c.Stdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to encode job record: %w", err)
	}

	if rec.Status == migrate.StatusFailed {
		return fmt.Errorf("migration failed: %s", rec.Error)
	}
	return nil
}

func (c *MigrateCommand) readRequest() (*migrate.MigrationRequest, error) {
	var data []byte
	var err error
	if c.flagRequestFile == "-" {
		data, err = io.ReadAll(c.Stdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read request from stdin: %w", err)
		}
	} else {
		data, err = os.ReadFile(c.flagRequestFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read request file: %w", err)
		}
	}

	var req migrate.MigrationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse migration request: %w", err)
	}
	return &req, nil
}

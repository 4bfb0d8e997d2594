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
	"fmt"
	"net/http"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/abcxyz/pkg/serving"

	"github.com/abcxyz/repo-migrator/pkg/migrate"
	"github.com/abcxyz/repo-migrator/pkg/version"
)

var _ cli.Command = (*ServerCommand)(nil)

type ServerCommand struct {
	cli.BaseCommand

	cfg *migrate.Config

	server *migrate.Server

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// testEngineOptions is only used for testing.
	testEngineOptions *migrate.EngineOptions
}

func (c *ServerCommand) Desc() string {
	return `Start the migration API server`
}

func (c *ServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Start the repository migration API server.
`
}

func (c *ServerCommand) Flags() *cli.FlagSet {
	c.cfg = &migrate.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *ServerCommand) Run(ctx context.Context, args []string) error {
	server, mux, err := c.RunUnstarted(ctx, args)
	if err != nil {
		return err
	}

	if err := server.StartHTTPHandler(ctx, mux); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}

	// The HTTP surface is down; stop the scheduler. In-flight jobs finish
	// against the job table on their own.
	if err := c.server.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func (c *ServerCommand) RunUnstarted(ctx context.Context, args []string) (*serving.Server, http.Handler, error) {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "server starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	h, err := renderer.New(ctx, nil,
		renderer.WithOnError(func(err error) {
			logger.ErrorContext(ctx, "failed to render", "error", err)
		}))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create renderer: %w", err)
	}

	if err := c.cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger.DebugContext(ctx, "loaded configuration", "config", c.cfg)

	engine, err := migrate.NewEngine(ctx, c.cfg, c.testEngineOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create engine: %w", err)
	}

	migrateServer, err := migrate.NewServer(ctx, h, engine)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create server: %w", err)
	}
	c.server = migrateServer

	mux := migrateServer.Routes(ctx)

	server, err := serving.New(c.cfg.Port)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create serving infrastructure: %w", err)
	}

	return server, mux, nil
}

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

// Entry point for the dedicated migration server image. Configuration comes
// from the environment, with an optional .env file for local development.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	_ "github.com/joho/godotenv/autoload"

	"github.com/abcxyz/repo-migrator/pkg/migrate"
)

func main() {
	ctx, done := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer done()

	logger := logging.NewFromEnv("")
	ctx = logging.WithLogger(ctx, logger)

	if err := realMain(ctx); err != nil {
		done()
		logger.Fatal(err)
	}
}

// realMain boots the migration server and supports graceful stopping and
// cancellation by:
//   - using a cancellable context
//   - listening to incoming requests in a goroutine
func realMain(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	cfg, err := migrate.NewConfig(ctx)
	if err != nil {
		return fmt.Errorf("migrate.NewConfig: %w", err)
	}

	h, err := renderer.New(ctx, nil,
		renderer.WithOnError(func(err error) {
			logger.ErrorContext(ctx, "failed to render", "error", err)
		}))
	if err != nil {
		return fmt.Errorf("renderer.New: %w", err)
	}

	engine, err := migrate.NewEngine(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("migrate.NewEngine: %w", err)
	}

	migrateServer, err := migrate.NewServer(ctx, h, engine)
	if err != nil {
		return fmt.Errorf("migrate.NewServer: %w", err)
	}

	// Create the server and listen in a goroutine.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           migrateServer.Routes(ctx),
		ReadHeaderTimeout: 2 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case serverErrCh <- err:
			default:
			}
		}
	}()

	// Wait for shutdown signal or error from the listener.
	select {
	case err := <-serverErrCh:
		return fmt.Errorf("error from server listener: %w", err)
	case <-ctx.Done():
	}

	// Gracefully shut down the server.
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	// Stop the scheduler once the HTTP surface is drained. In-flight jobs
	// finish against the job table on their own.
	if err := migrateServer.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown migration server: %w", err)
	}

	return nil
}

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
	"fmt"
	"net/http"

	"github.com/abcxyz/pkg/healthcheck"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"

	"github.com/abcxyz/repo-migrator/pkg/version"
)

// Server provides the HTTP surface over the migration engine.
type Server struct {
	h      *renderer.Renderer
	engine *Engine
}

// NewServer creates a new HTTP server implementation that will handle
// migration API requests.
func NewServer(ctx context.Context, h *renderer.Renderer, engine *Engine) (*Server, error) {
	if h == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}

	return &Server{
		h:      h,
		engine: engine,
	}, nil
}

// Routes creates a ServeMux of all of the routes that
// this Router supports.
func (s *Server) Routes(ctx context.Context) http.Handler {
	logger := logging.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthcheck.HandleHTTPHealthCheck())
	mux.Handle("GET /{$}", s.handleRoot())
	mux.Handle("POST /migrate", s.handleMigrate())
	mux.Handle("POST /schedule", s.handleSchedule())
	mux.Handle("GET /status/{job_id}", s.handleStatus())
	mux.Handle("POST /repos", s.handleListRepos())
	mux.Handle("/version", s.handleVersion())

	// Middleware
	root := logging.HTTPInterceptor(logger, "")(mux)

	return root
}

// handleVersion is a simple http.HandlerFunc that responds
// with version information for the server.
func (s *Server) handleVersion() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"version":%q}`+"\n", version.HumanVersion)
	})
}

// Shutdown handles the graceful shutdown of the migration server.
func (s *Server) Shutdown() error {
	s.engine.Shutdown()
	return nil
}

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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/repo-migrator/pkg/forge"
	"github.com/abcxyz/repo-migrator/pkg/version"
)

// mb is used for conversion to megabytes.
const mb = 1000000

var (
	statusOnline = map[string]string{"status": "online", "service": version.Name}

	errInvalidRequestBody = fmt.Errorf("invalid request body")
	errMissingToken       = fmt.Errorf("token is required")
)

// acceptResponse is the body returned when a job or schedule is accepted.
type acceptResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// listReposRequest asks for the repositories a credential can reach.
type listReposRequest struct {
	Provider string       `json:"provider"`
	Token    forge.Secret `json:"token"`
	Host     string       `json:"host"`
}

// handleRoot reports service liveness for dashboards and smoke checks.
func (s *Server) handleRoot() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.h.RenderJSON(w, http.StatusOK, statusOnline)
	})
}

// handleMigrate accepts a migration request and starts it on the worker
// pool. The response returns before any clone or API traffic happens.
func (s *Server) handleMigrate() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		var req MigrationRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1*mb)).Decode(&req); err != nil {
			logger.ErrorContext(ctx, "failed to decode migration request",
				"code", http.StatusBadRequest,
				"body", errInvalidRequestBody,
				"error", err)
			s.h.RenderJSON(w, http.StatusBadRequest, errInvalidRequestBody)
			return
		}

		id, err := s.engine.Submit(ctx, &req)
		if err != nil {
			logger.ErrorContext(ctx, "rejected migration request",
				"code", http.StatusBadRequest,
				"error", err)
			s.h.RenderJSON(w, http.StatusBadRequest, err)
			return
		}

		s.h.RenderJSON(w, http.StatusAccepted, &acceptResponse{
			JobID:   id,
			Message: "migration started",
		})
	})
}

// handleSchedule registers a migration to re-run on a fixed interval.
func (s *Server) handleSchedule() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		interval, err := strconv.Atoi(r.URL.Query().Get("interval_minutes"))
		if err != nil {
			logger.ErrorContext(ctx, "invalid schedule interval",
				"code", http.StatusBadRequest,
				"body", ErrInvalidInterval,
				"error", err)
			s.h.RenderJSON(w, http.StatusBadRequest, ErrInvalidInterval)
			return
		}

		var req MigrationRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1*mb)).Decode(&req); err != nil {
			logger.ErrorContext(ctx, "failed to decode migration request",
				"code", http.StatusBadRequest,
				"body", errInvalidRequestBody,
				"error", err)
			s.h.RenderJSON(w, http.StatusBadRequest, errInvalidRequestBody)
			return
		}

		id, err := s.engine.Schedule(ctx, &req, interval)
		if err != nil {
			logger.ErrorContext(ctx, "rejected schedule request",
				"code", http.StatusBadRequest,
				"error", err)
			s.h.RenderJSON(w, http.StatusBadRequest, err)
			return
		}

		s.h.RenderJSON(w, http.StatusAccepted, &acceptResponse{
			JobID:   id,
			Message: fmt.Sprintf("migration scheduled every %d minutes", interval),
		})
	})
}

// handleStatus returns a point-in-time snapshot of one job record.
func (s *Server) handleStatus() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := s.engine.Status(r.PathValue("job_id"))

		code := http.StatusOK
		if rec.Status == StatusNotFound {
			code = http.StatusNotFound
		}
		s.h.RenderJSON(w, code, rec)
	})
}

// handleListRepos lists the repositories a credential can reach, so callers
// can pick a source before submitting a migration.
func (s *Server) handleListRepos() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		var req listReposRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1*mb)).Decode(&req); err != nil {
			logger.ErrorContext(ctx, "failed to decode repository listing request",
				"code", http.StatusBadRequest,
				"body", errInvalidRequestBody,
				"error", err)
			s.h.RenderJSON(w, http.StatusBadRequest, errInvalidRequestBody)
			return
		}

		provider, err := forge.ParseProvider(req.Provider)
		if err != nil {
			logger.ErrorContext(ctx, "rejected repository listing request",
				"code", http.StatusBadRequest,
				"error", err)
			s.h.RenderJSON(w, http.StatusBadRequest, err)
			return
		}
		if req.Token.IsZero() {
			logger.ErrorContext(ctx, "rejected repository listing request",
				"code", http.StatusBadRequest,
				"body", errMissingToken)
			s.h.RenderJSON(w, http.StatusBadRequest, errMissingToken)
			return
		}

		repos, err := s.engine.ListRepos(ctx, provider, req.Host, req.Token)
		if err != nil {
			code := http.StatusBadGateway
			if errors.Is(err, forge.ErrUnsupportedProvider) {
				code = http.StatusBadRequest
			}
			msg := forge.RedactAll(err.Error(), req.Token)
			logger.ErrorContext(ctx, "failed to list repositories",
				"code", code,
				"error", msg)
			s.h.RenderJSON(w, code, errors.New(msg))
			return
		}

		s.h.RenderJSON(w, http.StatusOK, repos)
	})
}

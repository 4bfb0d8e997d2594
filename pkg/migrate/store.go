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

import "sync"

// Status is the lifecycle state of a migration job as reported to API
// consumers.
type Status string

const (
	StatusPending    = Status("pending")
	StatusScheduled  = Status("scheduled")
	StatusProcessing = Status("processing")
	StatusCompleted  = Status("completed")
	StatusFailed     = Status("failed")
	StatusNotFound   = Status("not_found")
)

// Record is the externally observable state of one migration job. Results is
// a per-action map whose values are written once and treated as frozen
// afterwards, so a shallow copy of the map is a safe snapshot. Error is only
// set when Status is failed, and always post-redaction.
type Record struct {
	Status  Status         `json:"status"`
	Results map[string]any `json:"results,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func (r *Record) clone() *Record {
	out := &Record{Status: r.Status, Error: r.Error}
	if r.Results != nil {
		out.Results = make(map[string]any, len(r.Results))
		for k, v := range r.Results {
			out.Results[k] = v
		}
	}
	return out
}

// Store is the in-memory job table. Records are never evicted; the process
// is the unit of retention.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*Record
}

func NewStore() *Store {
	return &Store{jobs: make(map[string]*Record)}
}

// Upsert applies update to the record for id, creating a pending record
// first when none exists. The callback runs under the store lock and must
// not call back into the store.
func (s *Store) Upsert(id string, update func(r *Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		rec = &Record{Status: StatusPending, Results: map[string]any{}}
		s.jobs[id] = rec
	}
	update(rec)
}

// Snapshot returns a defensive copy of the record for id, or a synthetic
// not_found record for unknown ids.
func (s *Store) Snapshot(id string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return &Record{Status: StatusNotFound}
	}
	return rec.clone()
}

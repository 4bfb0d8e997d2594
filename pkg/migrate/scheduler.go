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
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Scheduler re-runs registered migrations at fixed intervals. It drives off
// an injected clock so tests can advance time instead of sleeping.
type Scheduler struct {
	clock clockwork.Clock

	mu   sync.Mutex
	jobs map[string]*schedEntry
	wg   sync.WaitGroup
}

type schedEntry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		clock: clock,
		jobs:  make(map[string]*schedEntry),
	}
}

// Add registers run to fire every interval until Stop. Re-adding an ID
// replaces its ticker. Fires never wait on a previous run: overlapping
// executions are allowed, and the job record reflects whichever run wrote
// last.
func (s *Scheduler) Add(ctx context.Context, id string, interval time.Duration, run func(context.Context)) {
	ctx, cancel := context.WithCancel(ctx)
	entry := &schedEntry{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	prev := s.jobs[id]
	s.jobs[id] = entry
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(entry.done)

		ticker := s.clock.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				// The run's context outlives scheduler shutdown; an
				// in-flight run finishes against the job table on its
				// own.
				go run(context.WithoutCancel(ctx))
			}
		}
	}()
}

// Stop cancels every ticker. In-flight runs are not joined.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, entry := range s.jobs {
		entry.cancel()
	}
	s.jobs = map[string]*schedEntry{}
	s.mu.Unlock()

	s.wg.Wait()
}

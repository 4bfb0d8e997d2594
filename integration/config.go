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

package integration

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// config points the suite at a running service and a pair of scratch
// repositories the tokens can write to. The destination repository is
// force-pushed; never point it at anything you want to keep.
type config struct {
	EndpointURL             string        `env:"ENDPOINT_URL,required"`
	SourceType              string        `env:"SOURCE_TYPE,default=github"`
	SourceToken             string        `env:"SOURCE_TOKEN,required"`
	SourceRepoURL           string        `env:"SOURCE_REPO_URL,required"`
	DestType                string        `env:"DEST_TYPE,default=gitlab"`
	DestToken               string        `env:"DEST_TOKEN,required"`
	DestRepoURL             string        `env:"DEST_REPO_URL,required"`
	HTTPRequestTimeout      time.Duration `env:"HTTP_REQUEST_TIMEOUT,default=60s"`
	StatusRetryWaitDuration time.Duration `env:"STATUS_RETRY_WAIT_DURATION,default=5s"`
	StatusRetryLimit        uint64        `env:"STATUS_RETRY_COUNT,default=10"`
}

func newTestConfig(ctx context.Context) (*config, error) {
	var c config
	if err := envconfig.ProcessWith(ctx, &c, envconfig.OsLookuper()); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	return &c, nil
}

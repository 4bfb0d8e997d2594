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

package forge

import (
	"context"
	"fmt"
)

// ListAccountRepos lists the repositories a credential can reach on a
// provider, for discovering what there is to migrate. An empty host means
// the provider's public cloud.
func ListAccountRepos(ctx context.Context, provider Provider, host string, token Secret, opts *ClientOptions) ([]RepoSummary, error) {
	switch provider {
	case ProviderGitHub:
		return listGitHubAccountRepos(ctx, host, token, opts)
	case ProviderGitLab:
		return listGitLabAccountRepos(ctx, host, token, opts)
	case ProviderBitbucket:
		return listBitbucketAccountRepos(ctx, host, token, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
}

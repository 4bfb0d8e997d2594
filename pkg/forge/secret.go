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
	"log/slog"
	"net/url"
	"strings"
)

// Redacted is the replacement text for secret material in any externally
// visible string.
const Redacted = "***"

// Secret is an access token or app password. It behaves like a string for
// JSON decoding, but every formatting and marshaling path emits the redacted
// placeholder. The raw value is only reachable through Raw, which keeps
// accidental token exposure to an explicit, greppable call.
type Secret string

// Raw returns the verbatim secret value for use in request authorization and
// transport URLs.
func (s Secret) Raw() string {
	return string(s)
}

// IsZero reports whether the secret is empty.
func (s Secret) IsZero() bool {
	return s == ""
}

// RedactIn replaces every occurrence of the secret in text with the redacted
// placeholder. Percent-encoded renderings of the secret are replaced as well,
// since tokens travel inside URLs. For secrets in user:password form each
// half is additionally scrubbed on its own, because URL encoding can separate
// the halves. An empty secret leaves text untouched.
func (s Secret) RedactIn(text string) string {
	raw := string(s)
	if raw == "" {
		return text
	}

	for _, needle := range encodings(raw) {
		text = strings.ReplaceAll(text, needle, Redacted)
	}

	if user, pass, ok := strings.Cut(raw, ":"); ok {
		for _, half := range []string{user, pass} {
			if half == "" {
				continue
			}
			for _, needle := range encodings(half) {
				text = strings.ReplaceAll(text, needle, Redacted)
			}
		}
	}
	return text
}

// encodings returns the distinct textual forms a value can take inside a URL.
func encodings(v string) []string {
	out := []string{v}
	for _, enc := range []string{url.QueryEscape(v), url.PathEscape(v)} {
		if enc != v && enc != out[len(out)-1] {
			out = append(out, enc)
		}
	}
	return out
}

// RedactAll applies every secret's redaction to text.
func RedactAll(text string, secrets ...Secret) string {
	for _, s := range secrets {
		text = s.RedactIn(text)
	}
	return text
}

// String implements fmt.Stringer and always hides the value.
func (s Secret) String() string {
	return Redacted
}

// GoString implements fmt.GoStringer so %#v does not leak either.
func (s Secret) GoString() string {
	return Redacted
}

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(Redacted)
}

// MarshalJSON hides the value from any serialized form.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + Redacted + `"`), nil
}

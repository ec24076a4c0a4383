// SPDX-License-Identifier: MIT

// Package prompts implements a versioned prompt template registry. Templates
// use {{variable}} placeholders; each registered version is immutable and
// addressable by number or by a movable alias.
package prompts

import (
	"regexp"

	"github.com/mlfoundry/trackd/internal/tracking"
)

// Prompt is a named template with one or more immutable versions.
type Prompt struct {
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	CreationTime   int64             `json:"creation_time"`
	LastUpdateTime int64             `json:"last_update_time"`
	LatestVersion  int               `json:"latest_version"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// Version is one immutable revision of a prompt template.
type Version struct {
	Name          string            `json:"name"`
	Version       int               `json:"version"`
	Template      string            `json:"template"`
	CommitMessage string            `json:"commit_message,omitempty"`
	Variables     []string          `json:"variables,omitempty"`
	CreationTime  int64             `json:"creation_time"`
	Tags          map[string]string `json:"tags,omitempty"`
	Aliases       []string          `json:"aliases,omitempty"`
}

// Alias is a movable pointer from a name to a version number.
type Alias struct {
	Name    string `json:"name"`
	Alias   string `json:"alias"`
	Version int    `json:"version"`
}

var (
	namePattern     = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
	variablePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
)

// MaxTemplateLength caps stored templates.
const MaxTemplateLength = 100_000

// ValidateName checks prompt and alias naming rules.
func ValidateName(name, kind string) error {
	if name == "" {
		return tracking.NewError(tracking.CodeInvalidParameterValue, "%s name must not be empty", kind)
	}
	if len(name) > tracking.MaxKeyLength {
		return tracking.NewError(tracking.CodeInvalidParameterValue, "%s name exceeds %d characters", kind, tracking.MaxKeyLength)
	}
	if !namePattern.MatchString(name) {
		return tracking.NewError(tracking.CodeInvalidParameterValue,
			"%s name %q may only contain alphanumerics, dots, underscores and dashes", kind, name)
	}
	return nil
}

// ExtractVariables returns the distinct {{variable}} names of a template in
// first-appearance order.
func ExtractVariables(template string) []string {
	matches := variablePattern.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}

// SPDX-License-Identifier: MIT

package search

import (
	"encoding/base64"
	"encoding/json"

	"github.com/mlfoundry/trackd/internal/tracking"
)

// pageToken is the wire form of a page token: base64-encoded JSON carrying
// the absolute offset into the sorted result set.
type pageToken struct {
	Offset int `json:"offset"`
}

// EncodeToken produces an opaque page token for the given offset.
func EncodeToken(offset int) string {
	raw, _ := json.Marshal(pageToken{Offset: offset})
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeToken parses a page token. An empty token means offset zero.
func DecodeToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return 0, tracking.WrapError(tracking.CodeInvalidParameterValue, err, "invalid page token %q", token)
	}
	var pt pageToken
	if err := json.Unmarshal(raw, &pt); err != nil {
		return 0, tracking.WrapError(tracking.CodeInvalidParameterValue, err, "invalid page token %q", token)
	}
	if pt.Offset < 0 {
		return 0, tracking.NewError(tracking.CodeInvalidParameterValue, "invalid page token %q: negative offset", token)
	}
	return pt.Offset, nil
}

// NormalizeMaxResults applies the default and upper bound shared by all
// search endpoints.
func NormalizeMaxResults(maxResults int) (int, error) {
	if maxResults == 0 {
		return tracking.SearchMaxResultsDefault, nil
	}
	if maxResults < 0 {
		return 0, tracking.NewError(tracking.CodeInvalidParameterValue, "max_results must be positive, got %d", maxResults)
	}
	if maxResults > tracking.SearchMaxResultsThreshold {
		return 0, tracking.NewError(tracking.CodeInvalidParameterValue,
			"max_results of %d exceeds the limit of %d", maxResults, tracking.SearchMaxResultsThreshold)
	}
	return maxResults, nil
}

// Paginate slices one page out of the full sorted result set and returns the
// token for the next page, or "" when the set is exhausted.
func Paginate[T any](items []T, token string, maxResults int) ([]T, string, error) {
	offset, err := DecodeToken(token)
	if err != nil {
		return nil, "", err
	}
	if offset >= len(items) {
		return nil, "", nil
	}
	end := offset + maxResults
	if end >= len(items) {
		return items[offset:], "", nil
	}
	return items[offset:end], EncodeToken(end), nil
}

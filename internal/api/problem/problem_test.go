// SPDX-License-Identifier: MIT

package problem

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlfoundry/trackd/internal/tracking"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		code tracking.ErrorCode
		want int
	}{
		{tracking.CodeResourceDoesNotExist, http.StatusNotFound},
		{tracking.CodeResourceAlreadyExists, http.StatusConflict},
		{tracking.CodeInvalidParameterValue, http.StatusBadRequest},
		{tracking.CodeInvalidState, http.StatusBadRequest},
		{tracking.CodeInternalError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusFor(tc.code), string(tc.code))
	}
}

func TestWriteDomainError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/runs/get", nil)

	Write(rec, req, tracking.NewError(tracking.CodeResourceDoesNotExist, "run %q not found", "abc"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ContentType, rec.Header().Get("Content-Type"))

	var p Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "RESOURCE_DOES_NOT_EXIST", p.Code)
	assert.Contains(t, p.Detail, "abc")
}

func TestWriteHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)

	Write(rec, req, errors.New("dial tcp 10.0.0.5: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var p Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "internal error", p.Detail)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

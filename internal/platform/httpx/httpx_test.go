package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondErrorMapsSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("grant: %w", ErrNotFound), http.StatusNotFound},
		{ErrConflict, http.StatusConflict},
		{fmt.Errorf("%w: user_email:required", ErrValidation), http.StatusBadRequest},
		{ErrForbidden, http.StatusForbidden},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

		var problem ProblemDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
		assert.Equal(t, tc.status, problem.Status)
	}
}

func TestRespondErrorHidesForbiddenDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, fmt.Errorf("%w: role-restricted-feature-deny", ErrForbidden))
	assert.NotContains(t, rec.Body.String(), "role-restricted")
}

func TestDecodeJSON(t *testing.T) {
	var target struct {
		Key string `json:"key"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"key":"students"}`))
	require.NoError(t, DecodeJSON(req, &target))
	assert.Equal(t, "students", target.Key)

	for _, body := range []string{`{"key":`, `{"other":1}`, `{"key":"a"}{"key":"b"}`} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		assert.ErrorIs(t, DecodeJSON(req, &target), ErrValidation, body)
	}
}

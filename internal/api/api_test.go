package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{
			name:    "canonical header",
			headers: map[string]string{"Authorization": "Bearer abc123"},
			want:    "abc123",
		},
		{
			name:    "lowercase header",
			headers: map[string]string{"authorization": "Bearer abc123"},
			want:    "abc123",
		},
		{
			name:    "surrounding whitespace",
			headers: map[string]string{"Authorization": "  Bearer abc123  "},
			want:    "abc123",
		},
		{
			name:    "no bearer prefix",
			headers: map[string]string{"Authorization": "abc123"},
			want:    "abc123",
		},
		{
			name:    "missing header",
			headers: map[string]string{"Content-Type": "application/json"},
			want:    "",
		},
		{
			name:    "nil headers",
			headers: nil,
			want:    "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, BearerToken(tc.headers))
		})
	}
}

func TestParseBody(t *testing.T) {
	var v struct {
		Region string `json:"region"`
	}
	require.NoError(t, ParseBody(`{"region":"us-west-1"}`, &v))
	assert.Equal(t, "us-west-1", v.Region)

	require.NoError(t, ParseBody("", &v))

	err := ParseBody("{not json", &v)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: missing region", ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: region not live", ErrNotFound), http.StatusBadRequest},
		{fmt.Errorf("%w: bad token", ErrAuth), http.StatusForbidden},
		{fmt.Errorf("%w: limit reached", ErrQuota), http.StatusForbidden},
		{fmt.Errorf("%w: launch rejected", ErrProvisioning), http.StatusInternalServerError},
		{fmt.Errorf("%w: ledger unreachable", ErrDependency), http.StatusInternalServerError},
		{errors.New("anything else"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, StatusFor(tc.err), "error: %v", tc.err)
	}
}

func TestFailRedactsInternalDetail(t *testing.T) {
	internal := fmt.Errorf("%w: RequestError: dial tcp 10.0.0.1: i/o timeout", ErrDependency)
	resp := Fail(internal, "failed to retrieve secrets")

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	assert.Equal(t, "failed to retrieve secrets", body["error"])
	assert.NotContains(t, resp.Body, "i/o timeout")
}

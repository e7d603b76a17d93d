package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ao/litestack/pkg/api"
)

func TestRunCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/servers/i-1/commands", r.URL.Path)
		assert.Equal(t, "Bearer u1.secret", r.Header.Get("Authorization"))

		var req api.CommandRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, api.CommandRequest{Command: "grafana", Action: "install"}, req)

		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(api.CommandResponse{JobID: "job-1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithToken("u1.secret"))
	id, err := c.RunCommand(context.Background(), "i-1", "grafana", "install")
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

func TestErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(api.Error{
			Error:              "needs_manual_cleanup",
			Code:               http.StatusInternalServerError,
			Message:            "failed to attach floating ip",
			NeedsManualCleanup: true,
			Resources:          []string{"instance i-9"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.CreateServer(context.Background(), api.CreateServerRequest{Name: "web", Configuration: "small-ubuntu"})
	require.Error(t, err)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.True(t, apiErr.Body.NeedsManualCleanup)
	assert.Contains(t, err.Error(), "instance i-9")
}

func TestDeleteServerNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	assert.NoError(t, NewClient(srv.URL).DeleteServer(context.Background(), "i-1"))
}

func TestUndecodableError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).ListServers(context.Background())
	assert.ErrorContains(t, err, "502")
}

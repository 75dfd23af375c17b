// ABOUTME: Tests for the backend HTTP client's unary calls
// ABOUTME: Covers auth headers, conflict mapping, and error surfaces

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/approval"
)

func TestCreateSession(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody SessionRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"session_id": "sess-123"})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-token")
	id, err := c.CreateSession(context.Background(), SessionRequest{Title: "telegram / alice"})
	require.NoError(t, err)
	assert.Equal(t, "sess-123", id)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "/v1/sessions", gotPath)
	assert.Equal(t, "telegram / alice", gotBody.Title)
}

func TestCreateSession_EmptyIDIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "t").CreateSession(context.Background(), SessionRequest{})
	assert.Error(t, err)
}

func TestSendMessage_ConflictMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "t").SendMessage(context.Background(), "sess-1",
		MessageRequest{Content: "hi", Type: "message"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSendMessage_ReturnsRunID(t *testing.T) {
	var gotReq MessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]string{"run_id": "run-7"})
	}))
	defer srv.Close()

	runID, err := New(srv.URL, "t").SendMessage(context.Background(), "sess-1",
		MessageRequest{Content: "hello", Type: "follow_up", Model: "fast"})
	require.NoError(t, err)
	assert.Equal(t, "run-7", runID)
	assert.Equal(t, "follow_up", gotReq.Type)
	assert.Equal(t, "fast", gotReq.Model)
}

func TestDeleteSession_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := New(srv.URL, "t").DeleteSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveTools_SubmitsDecisions(t *testing.T) {
	var gotPath string
	var gotBody struct {
		Decisions []approval.Decision `json:"decisions"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
	}))
	defer srv.Close()

	err := New(srv.URL, "t").ResolveTools(context.Background(), "sess-1", "run-7",
		[]approval.Decision{{ToolCallID: "t1", Verdict: approval.Approve}})
	require.NoError(t, err)
	assert.Equal(t, "/v1/sessions/sess-1/runs/run-7/tools", gotPath)
	require.Len(t, gotBody.Decisions, 1)
	assert.Equal(t, approval.Approve, gotBody.Decisions[0].Verdict)
}

func TestServerErrorIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("model overloaded"))
	}))
	defer srv.Close()

	err := New(srv.URL, "t").CancelRun(context.Background(), "sess-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "model overloaded")
}

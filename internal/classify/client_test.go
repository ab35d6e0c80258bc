package classify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newServer(t *testing.T, reply string, seen *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRequiresBaseURLAndModel(t *testing.T) {
	_, err := New(Config{Model: "m"})
	require.Error(t, err)
	_, err = New(Config{BaseURL: "http://localhost"})
	require.Error(t, err)
}

func TestClassifySendsPromptAndScrubbedPayload(t *testing.T) {
	var seen chatRequest
	srv := newServer(t, "  FLAGGED: spam  ", &seen)

	c, err := New(Config{BaseURL: srv.URL, Model: "test-model"})
	require.NoError(t, err)

	out, err := c.Classify(context.Background(), "review this", "hi token=abc123 there")
	require.NoError(t, err)
	assert.Equal(t, "FLAGGED: spam", out)

	assert.Equal(t, "test-model", seen.Model)
	require.Len(t, seen.Messages, 2)
	assert.Equal(t, "system", seen.Messages[0].Role)
	assert.Equal(t, "review this", seen.Messages[0].Content)
	assert.Equal(t, "user", seen.Messages[1].Role)
	assert.NotContains(t, seen.Messages[1].Content, "abc123")
}

func TestClassifyServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)
	_, err = c.Classify(context.Background(), "p", "x")
	require.Error(t, err)
}

func TestClassifyNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[]}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)
	_, err = c.Classify(context.Background(), "p", "x")
	require.ErrorIs(t, err, ErrEmptyResponse)
}

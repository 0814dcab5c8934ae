package agents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modelsmith/cad-orchestrator/internal/model"
)

func TestNewRuntimeClient(t *testing.T) {
	client := NewRuntimeClient("http://localhost:9000", zap.NewNop())

	assert.NotNil(t, client)
	assert.NotNil(t, client.httpClient)
	assert.NotNil(t, client.tracer)
	assert.NotNil(t, client.breaker)
	assert.Equal(t, "http://localhost:9000", client.baseURL)
}

func TestRuntimeClient_Invoke(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse func(w http.ResponseWriter, r *http.Request)
		expectedError  string
		expectedOutput string
	}{
		{
			name: "successful_invocation",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "POST", r.Method)
				assert.Equal(t, "/agents/planner/invoke", r.URL.Path)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

				var req invokeRequest
				err := json.NewDecoder(r.Body).Decode(&req)
				assert.NoError(t, err)
				assert.Equal(t, "planner", req.Role)
				assert.NotEmpty(t, req.TraceID)

				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(invokeResponse{
					Output: json.RawMessage(`{"ok":true}`),
				})
			},
			expectedOutput: `{"ok":true}`,
		},
		{
			name: "server_error",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte("internal error"))
			},
			expectedError: "agent runtime returned status 500",
		},
		{
			name: "agent_reported_failure",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(invokeResponse{Error: "model refused"})
			},
			expectedError: "agent reported failure: model refused",
		},
		{
			name: "empty_output",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(invokeResponse{})
			},
			expectedError: "agent returned empty output",
		},
		{
			name: "invalid_json_response",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
			expectedError: "failed to decode response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(tt.serverResponse))
			defer server.Close()

			client := NewRuntimeClient(server.URL, zap.NewNop())

			output, err := client.Invoke(context.Background(), "planner", 5*time.Second, map[string]string{"request": "a washer"})

			if tt.expectedError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)

				var agentErr *model.AgentError
				require.ErrorAs(t, err, &agentErr)
				assert.Equal(t, "planner", agentErr.Role)
			} else {
				require.NoError(t, err)
				assert.JSONEq(t, tt.expectedOutput, string(output))
			}
		})
	}
}

func TestRuntimeClient_Invoke_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(invokeResponse{Output: json.RawMessage(`{}`)})
	}))
	defer server.Close()

	client := NewRuntimeClient(server.URL, zap.NewNop())

	_, err := client.Invoke(context.Background(), "solid", 20*time.Millisecond, nil)
	require.Error(t, err)
}

func TestRuntimeClient_IsHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewRuntimeClient(server.URL, zap.NewNop())
	assert.True(t, client.IsHealthy(context.Background()))

	client.SetBaseURL("http://localhost:1")
	assert.False(t, client.IsHealthy(context.Background()))
}

package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockDiscordServer creates a test server that mocks Discord REST API responses
type MockDiscordServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockDiscordServer creates a new mock Discord API server
func NewMockDiscordServer(t *testing.T) *MockDiscordServer {
	t.Helper()
	m := &MockDiscordServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockChannelResponse adds a handler for the channel metadata endpoint
func (m *MockDiscordServer) MockChannelResponse(channelID, name string) {
	m.Handlers["/channels/"+channelID] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]string{"id": channelID, "name": name}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockMessagesResponse adds a handler for the channel messages endpoint.
// Messages should be supplied newest-first, matching the wire format.
func (m *MockDiscordServer) MockMessagesResponse(channelID string, messages []map[string]any, remaining string) {
	m.Handlers["/channels/"+channelID+"/messages"] = func(w http.ResponseWriter, r *http.Request) {
		if remaining != "" {
			w.Header().Set("X-RateLimit-Remaining", remaining)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(messages) //nolint:errcheck // test mock response
	}
}

package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockRequest logs incoming requests
type MockRequest struct {
	Method    string
	Path      string
	Header    http.Header
	Body      []byte
	Timestamp time.Time
}

// MockNotificationServer accepts chat webhook, generic webhook and SMS gateway calls
// and remembers them.
type MockNotificationServer struct {
	Server *httptest.Server

	mu         sync.RWMutex
	requests   []MockRequest
	failStatus int
}

func NewMockNotificationServer() *MockNotificationServer {
	mock := &MockNotificationServer{}
	mock.Server = httptest.NewServer(http.HandlerFunc(mock.handleRequest))
	return mock
}

func (m *MockNotificationServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{
		Method:    r.Method,
		Path:      r.URL.Path,
		Header:    r.Header.Clone(),
		Body:      body,
		Timestamp: time.Now(),
	})
	status := m.failStatus
	m.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SetFailStatus makes every following request answer with status; 0 restores 200.
func (m *MockNotificationServer) SetFailStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStatus = status
}

// Requests returns the requests received on path, or all of them when path is empty.
func (m *MockNotificationServer) Requests(path string) []MockRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MockRequest, 0, len(m.requests))
	for _, r := range m.requests {
		if path == "" || r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (m *MockNotificationServer) Close() {
	m.Server.Close()
}

// URL returns the server URL joined with path.
func (m *MockNotificationServer) URL(path string) string {
	return m.Server.URL + path
}

// MockTelegramBotAPI is a mock HTTP server for Telegram Bot API
type MockTelegramBotAPI struct {
	Server *httptest.Server

	mu         sync.RWMutex
	messages   []map[string]string
	shouldFail bool
}

func NewMockTelegramBotAPI() *MockTelegramBotAPI {
	mock := &MockTelegramBotAPI{}
	mock.Server = httptest.NewServer(http.HandlerFunc(mock.handleRequest))
	return mock
}

func (m *MockTelegramBotAPI) handleRequest(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	fail := m.shouldFail
	m.mu.RUnlock()
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if strings.HasSuffix(r.URL.Path, "/sendMessage") {
		_ = r.ParseMultipartForm(1 << 20)
		msg := map[string]string{
			"chat_id":    r.FormValue("chat_id"),
			"text":       r.FormValue("text"),
			"parse_mode": r.FormValue("parse_mode"),
		}
		m.mu.Lock()
		m.messages = append(m.messages, msg)
		m.mu.Unlock()
	}

	response := map[string]interface{}{
		"ok": true,
		"result": map[string]interface{}{
			"message_id": 1,
			"date":       time.Now().Unix(),
			"chat":       map[string]interface{}{"id": 1, "type": "private"},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// SentMessages returns the sendMessage calls seen so far
func (m *MockTelegramBotAPI) SentMessages() []map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]map[string]string{}, m.messages...)
}

// SetShouldFail configures the server to return errors
func (m *MockTelegramBotAPI) SetShouldFail(shouldFail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFail = shouldFail
}

func (m *MockTelegramBotAPI) Close() {
	m.Server.Close()
}

func (m *MockTelegramBotAPI) URL() string {
	return m.Server.URL
}

package kiro

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiro2chat/internal/encryption"
	app_errors "kiro2chat/internal/errors"
	"kiro2chat/internal/eventstream"
	"kiro2chat/internal/httpclient"
	"kiro2chat/internal/types"
)

// stubConfig satisfies types.ConfigManager with fixed values for tests.
type stubConfig struct {
	upstream types.UpstreamConfig
	model    types.ModelConfig
}

func (s *stubConfig) IsMaster() bool                  { return true }
func (s *stubConfig) GetAuthConfig() types.AuthConfig { return types.AuthConfig{} }
func (s *stubConfig) GetCORSConfig() types.CORSConfig { return types.CORSConfig{} }
func (s *stubConfig) GetPerformanceConfig() types.PerformanceConfig {
	return types.PerformanceConfig{}
}
func (s *stubConfig) GetLogConfig() types.LogConfig           { return types.LogConfig{} }
func (s *stubConfig) GetDatabaseConfig() types.DatabaseConfig { return types.DatabaseConfig{} }
func (s *stubConfig) GetRedisDSN() string                     { return "" }
func (s *stubConfig) GetEncryptionKey() string                { return "" }
func (s *stubConfig) GetEffectiveServerConfig() types.ServerConfig {
	return types.ServerConfig{}
}
func (s *stubConfig) GetUpstreamConfig() types.UpstreamConfig { return s.upstream }
func (s *stubConfig) GetModelConfig() types.ModelConfig       { return s.model }
func (s *stubConfig) GetTelegramConfig() types.TelegramConfig { return types.TelegramConfig{} }
func (s *stubConfig) IsDebugMode() bool                       { return false }
func (s *stubConfig) Validate() error                         { return nil }
func (s *stubConfig) DisplayServerConfig()                    {}
func (s *stubConfig) ReloadConfig() error                     { return nil }

// writeCredentialFile drops a plaintext credential cache with a token valid
// for hours, so no refresh traffic happens during the test.
func writeCredentialFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	doc := fmt.Sprintf(
		`{"accessToken":"test-access-token","refreshToken":"test-refresh-token","expiresAt":%q,"clientId":"client-id","clientSecret":"client-secret","clientSecretExpiresAt":%q,"profileArn":"arn:aws:codewhisperer:us-east-1:000000000000:profile/test"}`,
		time.Now().Add(2*time.Hour).UTC().Format(time.RFC3339),
		time.Now().Add(48*time.Hour).UTC().Format(time.RFC3339),
	)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func newTestClient(t *testing.T, endpoint string, maxRetries int) *Client {
	t.Helper()
	cfg := &stubConfig{upstream: types.UpstreamConfig{
		Endpoint:       endpoint,
		CredentialFile: writeCredentialFile(t),
		ConnectTimeout: 5,
		ReadTimeout:    30,
		MaxRetries:     maxRetries,
	}}
	encryptionSvc, err := encryption.NewService("")
	require.NoError(t, err)
	return NewClient(cfg, NewTokenManager(cfg, encryptionSvc), httpclient.NewHTTPClientManager())
}

func fastBackoff(t *testing.T) {
	t.Helper()
	saved := retryBackoff
	retryBackoff = []time.Duration{time.Millisecond}
	t.Cleanup(func() { retryBackoff = saved })
}

func collectStream(t *testing.T, stream *EventStream) []eventstream.Message {
	t.Helper()
	defer stream.Close()

	var messages []eventstream.Message
	for {
		msg, err := stream.Next()
		if err == io.EOF {
			return messages
		}
		require.NoError(t, err)
		messages = append(messages, msg)
	}
}

func TestClientGenerateStreamsEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-access-token", r.Header.Get("Authorization"))
		assert.Equal(t, "true", r.Header.Get("x-amzn-codewhisperer-optout"))
		assert.Contains(t, r.Header.Get("User-Agent"), "KiroIDE")

		w.Write(eventstream.EncodeEvent(eventstream.EventAssistantResponse, []byte(`{"content":"Hello"}`)))
		w.Write(eventstream.EncodeEvent(eventstream.EventAssistantResponse, []byte(`{"content":" world"}`)))
		w.Write(eventstream.EncodeEvent(eventstream.EventToolUse, []byte(`{"toolUseId":"t1","name":"get_weather","input":"{}","stop":true}`)))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3)
	stream, err := client.Generate(context.Background(), BuildRequest(BuildOptions{
		Messages: []Message{{Role: "user", Content: text("hi")}},
		ModelID:  testModelID,
	}))
	require.NoError(t, err)

	messages := collectStream(t, stream)
	require.Len(t, messages, 3)
	assert.Equal(t, eventstream.KindAssistantText, messages[0].Kind())
	assert.JSONEq(t, `{"content":"Hello"}`, string(messages[0].Payload))
	assert.Equal(t, eventstream.KindToolUse, messages[2].Kind())
}

func TestClientRetriesServerErrors(t *testing.T) {
	fastBackoff(t)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"message":"internal failure"}`, http.StatusServiceUnavailable)
			return
		}
		w.Write(eventstream.EncodeEvent(eventstream.EventAssistantResponse, []byte(`{"content":"ok"}`)))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3)
	stream, err := client.Generate(context.Background(), BuildRequest(BuildOptions{
		Messages: []Message{{Role: "user", Content: text("hi")}},
		ModelID:  testModelID,
	}))
	require.NoError(t, err)

	messages := collectStream(t, stream)
	require.Len(t, messages, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientFailsFastOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"Improperly formed request."}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3)
	_, err := client.Generate(context.Background(), BuildRequest(BuildOptions{
		Messages: []Message{{Role: "user", Content: text("hi")}},
		ModelID:  testModelID,
	}))
	require.Error(t, err)

	apiErr, ok := err.(*app_errors.APIError)
	require.True(t, ok, "expected APIError, got %T", err)
	assert.Equal(t, http.StatusBadRequest, apiErr.HTTPStatus)
	assert.Contains(t, apiErr.Message, "Improperly formed request.")
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestClientExhaustsRetries(t *testing.T) {
	fastBackoff(t)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message":"backend overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 2)
	_, err := client.Generate(context.Background(), BuildRequest(BuildOptions{
		Messages: []Message{{Role: "user", Content: text("hi")}},
		ModelID:  testModelID,
	}))
	require.Error(t, err)

	apiErr, ok := err.(*app_errors.APIError)
	require.True(t, ok, "expected APIError, got %T", err)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.HTTPStatus)
	assert.Contains(t, apiErr.Message, "backend overloaded")
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientNoRetryAfterStreamStart(t *testing.T) {
	fastBackoff(t)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Announce more bytes than are sent so the client sees the
		// connection die mid-stream after the first frame.
		frame := eventstream.EncodeEvent(eventstream.EventAssistantResponse, []byte(`{"content":"partial"}`))
		w.Header().Set("Content-Length", fmt.Sprint(len(frame)+512))
		w.Write(frame)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3)
	stream, err := client.Generate(context.Background(), BuildRequest(BuildOptions{
		Messages: []Message{{Role: "user", Content: text("hi")}},
		ModelID:  testModelID,
	}))
	require.NoError(t, err)
	defer stream.Close()

	msg, err := stream.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"partial"}`, string(msg.Payload))

	_, err = stream.Next()
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err, "a truncated stream is not a clean end")
	assert.Equal(t, int32(1), calls.Load(), "mid-stream failures must not trigger a second request")
}

func TestClientTokenFromFileCache(t *testing.T) {
	cfg := &stubConfig{upstream: types.UpstreamConfig{
		CredentialFile: writeCredentialFile(t),
	}}
	encryptionSvc, err := encryption.NewService("")
	require.NoError(t, err)

	manager := NewTokenManager(cfg, encryptionSvc)
	token, err := manager.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-access-token", token)
	assert.Equal(t, "arn:aws:codewhisperer:us-east-1:000000000000:profile/test", manager.ProfileArn())
}

package proxy

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app_errors "kiro2chat/internal/errors"
	"kiro2chat/internal/kiro"
	"kiro2chat/internal/types"
)

func TestCompleteAggregatesText(t *testing.T) {
	backend := newScriptedBackend(t, [][]byte{
		textFrame("All systems "),
		textFrame("nominal."),
	})
	ps := newTestProxyServer(t, backend.server.URL, types.ModelConfig{})

	result, err := ps.Complete(context.Background(), "m", []kiro.Message{
		textMessage("user", "status report"),
	})

	require.NoError(t, err)
	assert.Equal(t, "All systems nominal.", result.Text)
	assert.Empty(t, result.ToolCalls)
	assert.False(t, result.Truncated)
	assert.Equal(t, 1, backend.requestCount())
}

func TestCompleteToolCalls(t *testing.T) {
	backend := newScriptedBackend(t, [][]byte{
		toolUseFrame(`{"toolUseId":"t1","name":"get_weather","input":""}`),
		toolUseFrame(`{"toolUseId":"t1","input":"{\"city\":\"Paris\"}"}`),
		toolUseFrame(`{"toolUseId":"t1","stop":true}`),
	})
	ps := newTestProxyServer(t, backend.server.URL, types.ModelConfig{})

	result, err := ps.Complete(context.Background(), "m", []kiro.Message{
		textMessage("user", "weather in paris"),
	})

	require.NoError(t, err)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "t1", result.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", result.ToolCalls[0].Name)
	assert.JSONEq(t, `{"city":"Paris"}`, result.ToolCalls[0].Arguments)
}

func TestCompleteContinuation(t *testing.T) {
	backend := newScriptedBackend(t,
		[][]byte{textFrame("part one"), contextUsageFrame(0.97)},
		[][]byte{textFrame(" and part two")},
	)
	ps := newTestProxyServer(t, backend.server.URL, types.ModelConfig{ContinuationRounds: 2})

	result, err := ps.Complete(context.Background(), "m", []kiro.Message{
		textMessage("user", "write a long story"),
	})

	require.NoError(t, err)
	assert.Equal(t, 2, backend.requestCount())
	assert.Equal(t, "part one and part two", result.Text)
	assert.False(t, result.Truncated)
	assert.Contains(t, backend.requestBody(1), "cut off mid-stream")
}

func TestCompleteUpstreamException(t *testing.T) {
	backend := newScriptedBackend(t, [][]byte{
		exceptionFrame("model is overloaded"),
	})
	ps := newTestProxyServer(t, backend.server.URL, types.ModelConfig{})

	_, err := ps.Complete(context.Background(), "m", []kiro.Message{
		textMessage("user", "hi"),
	})

	var apiErr *app_errors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.HTTPStatus)
	assert.Contains(t, apiErr.Message, "model is overloaded")
}

func TestCompleteRejectsBadInput(t *testing.T) {
	backend := newScriptedBackend(t, [][]byte{textFrame("unused")})
	ps := newTestProxyServer(t, backend.server.URL, types.ModelConfig{
		ModelMap: map[string]string{"gpt-4o": "backbone-model-v1"},
	})

	t.Run("empty messages", func(t *testing.T) {
		_, err := ps.Complete(context.Background(), "gpt-4o", nil)

		var apiErr *app_errors.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.HTTPStatus)
	})

	t.Run("unmapped model", func(t *testing.T) {
		_, err := ps.Complete(context.Background(), "unlisted", []kiro.Message{
			textMessage("user", "hi"),
		})

		var apiErr *app_errors.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Contains(t, apiErr.Message, "not available")
	})

	assert.Equal(t, 0, backend.requestCount(), "rejected calls never reach the backend")
}

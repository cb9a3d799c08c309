package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	app_errors "kiro2chat/internal/errors"
	"kiro2chat/internal/eventstream"
	"kiro2chat/internal/httpclient"
	"kiro2chat/internal/types"
	"kiro2chat/internal/utils"
)

const (
	// apiUserAgent mirrors the AWS SDK identification the backend expects.
	apiUserAgent = "aws-sdk-js/3.738.0 ua/2.1 os/other lang/js md/browser#unknown_unknown api/codewhisperer#3.738.0 m/E KiroIDE"

	defaultConnectTimeout = 30
	// The backend streams for up to two hours on long generations, so the
	// read timeout has to cover the whole stream, not a single round trip.
	defaultReadTimeout = 7200
	defaultMaxRetries  = 3

	// maxUpstreamErrorChars bounds how much of an upstream error body is
	// surfaced to clients.
	maxUpstreamErrorChars = 500

	streamReadBufferSize = 32 * 1024
)

// retryBackoff holds the delay before each retry; the last entry is reused
// when attempts outnumber entries.
var retryBackoff = []time.Duration{1 * time.Second, 3 * time.Second, 10 * time.Second}

// Client sends conversation requests to the assistant backend and exposes the
// response as a pull-based event stream.
//
// Retries cover timeouts and 5xx responses only. Once a 2xx response begins
// streaming there are no retries: mid-stream failures surface through the
// returned EventStream so callers can report them in-band.
type Client struct {
	endpoint   string
	maxRetries int
	tokens     *TokenManager
	httpClient *http.Client
}

// NewClient builds a backend client from the upstream configuration. The
// standard transport comes from the shared client manager; the stealth
// transport is used when the bypass method selects it.
func NewClient(configManager types.ConfigManager, tokenManager *TokenManager, clientManager *httpclient.HTTPClientManager) *Client {
	upstream := configManager.GetUpstreamConfig()

	connectTimeout := upstream.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	readTimeout := upstream.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	maxRetries := upstream.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	var client *http.Client
	if httpclient.IsStealthBypass(upstream.BypassMethod) {
		client = httpclient.NewStealthClientManager(time.Duration(readTimeout) * time.Second).GetClient(upstream.ProxyURL)
	} else {
		client = clientManager.GetClient(&httpclient.Config{
			ConnectTimeout:        time.Duration(connectTimeout) * time.Second,
			RequestTimeout:        time.Duration(readTimeout) * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			ResponseHeaderTimeout: 600 * time.Second,
			ForceAttemptHTTP2:     true,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ProxyURL:              upstream.ProxyURL,
		})
	}

	return &Client{
		endpoint:   upstream.Endpoint,
		maxRetries: maxRetries,
		tokens:     tokenManager,
		httpClient: client,
	}
}

// Generate sends the conversation request and returns the decoded event
// stream. The caller owns the returned stream and must Close it.
func (c *Client) Generate(ctx context.Context, request *Request) (*EventStream, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, app_errors.NewAPIError(app_errors.ErrInternalServer, fmt.Sprintf("marshal conversation request: %v", err))
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		stream, retryable, err := c.attempt(ctx, body)
		if err == nil {
			return stream, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		if attempt == c.maxRetries-1 {
			break
		}

		delay := retryBackoff[len(retryBackoff)-1]
		if attempt < len(retryBackoff) {
			delay = retryBackoff[attempt]
		}
		logrus.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"max":     c.maxRetries,
			"delay":   delay,
		}).WithError(err).Warn("Upstream request failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	// A failed attempt with an upstream status keeps that status; repeated
	// timeouts have nothing better to surface than the retry budget.
	var apiErr *app_errors.APIError
	if stderrors.As(lastErr, &apiErr) {
		return nil, lastErr
	}
	return nil, app_errors.NewAPIError(app_errors.ErrMaxRetriesExceeded,
		fmt.Sprintf("upstream unreachable after %d attempts: %v", c.maxRetries, lastErr))
}

// attempt performs one request cycle. The boolean reports whether the failure
// is worth retrying.
func (c *Client) attempt(ctx context.Context, body []byte) (*EventStream, bool, error) {
	token, err := c.tokens.GetAccessToken(ctx)
	if err != nil {
		// Credential problems do not improve with retries.
		var apiErr *app_errors.APIError
		if stderrors.As(err, &apiErr) {
			return nil, false, err
		}
		return nil, true, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, app_errors.NewAPIError(app_errors.ErrInternalServer, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", apiUserAgent)
	req.Header.Set("x-amzn-codewhisperer-optout", "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		var netErr net.Error
		if stderrors.As(err, &netErr) && netErr.Timeout() {
			return nil, true, fmt.Errorf("upstream timeout: %w", err)
		}
		return nil, false, app_errors.NewAPIError(app_errors.ErrBadGateway, fmt.Sprintf("upstream connection failed: %v", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return newEventStream(resp), false, nil
	}

	message := c.readErrorBody(resp)
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, true, app_errors.NewAPIErrorWithUpstream(resp.StatusCode, "UPSTREAM_ERROR", message)
	}
	return nil, false, app_errors.NewAPIErrorWithUpstream(resp.StatusCode, "UPSTREAM_ERROR", message)
}

// readErrorBody extracts a bounded, decompressed error message from a failed
// response.
func (c *Client) readErrorBody(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil && len(raw) == 0 {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}
	decoded, _ := utils.DecompressResponse(resp.Header.Get("Content-Encoding"), raw)
	message := app_errors.ParseUpstreamError(decoded)
	if message == "" {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}
	return utils.TruncateWithMarker(message, maxUpstreamErrorChars)
}

// EventStream decodes the backend's binary event frames on demand.
type EventStream struct {
	resp    *http.Response
	decoder *eventstream.Decoder
	pending []eventstream.Message
	buf     []byte
	readErr error
}

func newEventStream(resp *http.Response) *EventStream {
	return &EventStream{
		resp:    resp,
		decoder: eventstream.NewDecoder(),
		buf:     make([]byte, streamReadBufferSize),
	}
}

// Next returns the next decoded message. io.EOF signals a cleanly finished
// stream; any other error means the connection failed mid-stream. A partial
// frame left in the decoder at EOF is discarded.
func (s *EventStream) Next() (eventstream.Message, error) {
	for {
		if len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending = s.pending[1:]
			return msg, nil
		}
		if s.readErr != nil {
			return eventstream.Message{}, s.readErr
		}

		n, err := s.resp.Body.Read(s.buf)
		if n > 0 {
			s.pending = s.decoder.Feed(s.buf[:n])
		}
		if err != nil {
			s.readErr = err
		}
	}
}

// Close releases the underlying connection. Safe to call after Next returned
// an error.
func (s *EventStream) Close() error {
	return s.resp.Body.Close()
}

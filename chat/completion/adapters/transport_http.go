package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/streamchat/chat/completion/decoder"
	ports "github.com/ZanzyTHEbar/streamchat/chat/completion/ports"
)

// wireMessage is the outbound message shape.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Messages []wireMessage `json:"messages"`
}

// HTTPTransportConfig configures an HTTPTransport.
type HTTPTransportConfig struct {
	BaseURL string
	Path    string
	// HeaderTimeout bounds the wait for response headers. The body stream
	// itself is bounded only by the request context.
	HeaderTimeout time.Duration
	Headers       map[string]string
	Mode          decoder.Mode
}

// HTTPTransport posts the conversation as JSON and returns the streaming body.
type HTTPTransport struct {
	client  *http.Client
	url     string
	headers map[string]string
	accept  string
	logger  zerolog.Logger
}

// NewHTTPTransport creates a transport for cfg.
func NewHTTPTransport(cfg HTTPTransportConfig, logger zerolog.Logger) *HTTPTransport {
	rt := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ResponseHeaderTimeout: cfg.HeaderTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   2,
	}

	accept := "text/event-stream"
	if cfg.Mode == decoder.ModeNDJSON {
		accept = "application/x-ndjson"
	}

	return &HTTPTransport{
		client:  &http.Client{Transport: rt},
		url:     strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.Path, "/"),
		headers: cfg.Headers,
		accept:  accept,
		logger:  logger.With().Str("component", "http_transport").Logger(),
	}
}

// URL returns the completion endpoint.
func (t *HTTPTransport) URL() string { return t.url }

// Send posts req and returns the response without reading the body. Non-2xx
// responses are returned as-is for the caller to classify.
func (t *HTTPTransport) Send(ctx context.Context, req ports.Request) (*ports.Response, error) {
	body := wireRequest{Messages: make([]wireMessage, len(req.Messages))}
	for i, m := range req.Messages {
		body.Messages[i] = wireMessage{Role: string(m.Role), Content: m.Content}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", t.accept)
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	t.logger.Debug().Str("url", t.url).Int("messages", len(req.Messages)).Msg("Sending completion request")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	out := &ports.Response{StatusCode: resp.StatusCode, Body: resp.Body}
	if resp.Body == http.NoBody {
		resp.Body.Close()
		out.Body = nil
	}
	return out, nil
}

var _ ports.Transport = (*HTTPTransport)(nil)

package adapters

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/streamchat/chat/completion/decoder"
	ports "github.com/ZanzyTHEbar/streamchat/chat/completion/ports"
	"github.com/ZanzyTHEbar/streamchat/chat/transcript"
)

func TestHTTPTransport_Send(t *testing.T) {
	var got wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/completion", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Accept"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, `{"message":{"content":"Hi"}}`+"\n")
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPTransportConfig{
		BaseURL: srv.URL + "/",
		Path:    "v1/completion",
		Headers: map[string]string{"X-Api-Key": "secret"},
		Mode:    decoder.ModeNDJSON,
	}, zerolog.Nop())
	assert.Equal(t, srv.URL+"/v1/completion", tr.URL())

	resp, err := tr.Send(context.Background(), ports.Request{Messages: []transcript.Message{
		transcript.System("be brief"),
		transcript.User("Hello"),
	}})
	require.NoError(t, err)
	require.NotNil(t, resp.Body)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"message":{"content":"Hi"}}`+"\n", string(body))

	require.Len(t, got.Messages, 2)
	assert.Equal(t, wireMessage{Role: "system", Content: "be brief"}, got.Messages[0])
	assert.Equal(t, wireMessage{Role: "user", Content: "Hello"}, got.Messages[1])
}

func TestHTTPTransport_NonSuccessIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPTransportConfig{BaseURL: srv.URL, Path: "/v1/completion", Mode: decoder.ModeDelimited}, zerolog.Nop())
	resp, err := tr.Send(context.Background(), ports.Request{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NotNil(t, resp.Body)
	resp.Body.Close()
}

func TestHTTPTransport_EmptyBodyIsAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPTransportConfig{BaseURL: srv.URL, Path: "/v1/completion"}, zerolog.Nop())
	resp, err := tr.Send(context.Background(), ports.Request{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, resp.Body)
}

func TestHTTPTransport_ConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransport(HTTPTransportConfig{BaseURL: url, Path: "/v1/completion"}, zerolog.Nop())
	_, err := tr.Send(context.Background(), ports.Request{})
	assert.Error(t, err)
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/streamchat/chat/completion"
	"github.com/ZanzyTHEbar/streamchat/chat/completion/adapters"
	"github.com/ZanzyTHEbar/streamchat/chat/completion/decoder"
	"github.com/ZanzyTHEbar/streamchat/chat/config"
	"github.com/ZanzyTHEbar/streamchat/chat/retrieval"
	"github.com/ZanzyTHEbar/streamchat/chat/transcript"
)

const ollamaReply = `{"model":"mixtral","message":{"role":"assistant","content":"Hi"},"done":false}` + "\n" +
	`{"model":"mixtral","message":{"role":"assistant","content":" there!"},"done":false}` + "\n" +
	`{"model":"mixtral","message":{"role":"assistant","content":""},"done":true}` + "\n"

// fakeOllama streams ollamaReply line by line and records the last request.
type fakeOllama struct {
	mu   sync.Mutex
	last upstreamRequest
}

func (f *fakeOllama) lastRequest() upstreamRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req upstreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/x-ndjson")
	for _, line := range strings.SplitAfter(ollamaReply, "\n") {
		io.WriteString(w, line)
		w.(http.Flusher).Flush()
	}
}

// fakeRetriever returns docs for every query and records the queries.
type fakeRetriever struct {
	mu      sync.Mutex
	docs    []retrieval.Document
	err     error
	queries []string
}

func (f *fakeRetriever) Search(ctx context.Context, query string, k int) ([]retrieval.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if len(f.docs) > k {
		return f.docs[:k], f.err
	}
	return f.docs, f.err
}

func (f *fakeRetriever) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func newRelay(t *testing.T, upstream string, opts ...Option) *httptest.Server {
	t.Helper()
	s, err := NewServer(config.RelayConfig{
		UpstreamURL: upstream,
		Model:       "mixtral",
		Version:     "1.2.3",
	}, zerolog.Nop(), opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/v1/completion", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRelay_StreamsUpstreamBytes(t *testing.T) {
	up := &fakeOllama{}
	upstream := httptest.NewServer(up)
	defer upstream.Close()
	relay := newRelay(t, upstream.URL)

	resp := post(t, relay.URL, `{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"Hello"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, ollamaReply, string(body))

	last := up.lastRequest()
	assert.Equal(t, "mixtral", last.Model)
	assert.Equal(t, []message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "Hello"}}, last.Messages)
}

func TestRelay_RejectsInvalidRequests(t *testing.T) {
	relay := newRelay(t, "http://127.0.0.1:1")

	for name, body := range map[string]string{
		"not json":       `{"messages":`,
		"no messages":    `{}`,
		"empty messages": `{"messages":[]}`,
		"unknown role":   `{"messages":[{"role":"tool","content":"x"}]}`,
		"missing text":   `{"messages":[{"role":"user"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := post(t, relay.URL, body)
			assert.GreaterOrEqual(t, resp.StatusCode, 400)
			assert.Less(t, resp.StatusCode, 500)

			var out map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.NotEmpty(t, out["detail"])
		})
	}
}

func TestRelay_UpstreamFailureIsBadGateway(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model 'mixtral' not found"}`, http.StatusNotFound)
	}))
	defer upstream.Close()
	relay := newRelay(t, upstream.URL)

	resp := post(t, relay.URL, `{"messages":[{"role":"user","content":"Hello"}]}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out["detail"], "upstream status 404")
	assert.Contains(t, out["detail"], "not found")
}

func TestRelay_UpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	resp := post(t, newRelay(t, url).URL, `{"messages":[{"role":"user","content":"Hello"}]}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestRelay_Health(t *testing.T) {
	relay := newRelay(t, "http://127.0.0.1:1")
	resp, err := http.Get(relay.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, map[string]string{"status": "ok", "version": "1.2.3"}, out)
}

func TestRelay_OrchestratorEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(&fakeOllama{})
	defer upstream.Close()
	relay := newRelay(t, upstream.URL)

	store := transcript.NewStore()
	transport := adapters.NewHTTPTransport(adapters.HTTPTransportConfig{
		BaseURL: relay.URL,
		Path:    "/v1/completion",
		Mode:    decoder.ModeNDJSON,
	}, zerolog.Nop())
	o, err := completion.NewOrchestrator(store, transport, nil, nil, nil, nil, zerolog.Nop(),
		completion.Options{Mode: decoder.ModeNDJSON})
	require.NoError(t, err)
	defer o.Close()

	res, err := o.Run(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, completion.StateCompleted, res.State)
	assert.Equal(t, "Hi there!", res.Content)

	snap := store.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "Hello", snap[0].Content)
	assert.Equal(t, "Hi there!", snap[1].Content)
}

func TestRelay_DefaultConfigEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(&fakeOllama{})
	defer upstream.Close()
	relay := newRelay(t, upstream.URL)

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Client.BaseURL = relay.URL

	factory := completion.NewFactory(cfg, nil, zerolog.Nop())
	store := factory.CreateStore()
	o, err := factory.CreateOrchestrator(store, nil)
	require.NoError(t, err)
	defer o.Close()

	res, err := o.Run(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, completion.StateCompleted, res.State)
	assert.Equal(t, "Hi there!", res.Content)
}

func TestRelay_AugmentsLatestUserMessage(t *testing.T) {
	up := &fakeOllama{}
	upstream := httptest.NewServer(up)
	defer upstream.Close()

	docs := []retrieval.Document{
		{Content: "Ollama serves models on port 11434."},
		{Content: "Mixtral is a sparse mixture of experts."},
		{Content: "The relay streams replies as they arrive."},
		{Content: "never returned"},
	}
	retriever := &fakeRetriever{docs: docs}
	relay := newRelay(t, upstream.URL, WithAugmenter(retrieval.NewAugmenter(retriever, 3, zerolog.Nop())))

	resp := post(t, relay.URL, `{"messages":[{"role":"user","content":"Hi"},{"role":"assistant","content":"Hello!"},{"role":"user","content":"Which port?"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, []string{"Which port?"}, retriever.seen())

	msgs := up.lastRequest().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, message{Role: "user", Content: "Hi"}, msgs[0])
	assert.Equal(t, message{Role: "assistant", Content: "Hello!"}, msgs[1])
	assert.Equal(t, "user", msgs[2].Role)
	assert.Equal(t, "Answer based only on the context, nothing else.\n"+
		"QUERY:\nWhich port?\n"+
		"CONTEXT:\nOllama serves models on port 11434.\n"+
		"Mixtral is a sparse mixture of experts.\n"+
		"The relay streams replies as they arrive.", msgs[2].Content)
}

func TestRelay_AugmentSkipsNonUserTail(t *testing.T) {
	up := &fakeOllama{}
	upstream := httptest.NewServer(up)
	defer upstream.Close()

	retriever := &fakeRetriever{docs: []retrieval.Document{{Content: "ctx"}}}
	relay := newRelay(t, upstream.URL, WithAugmenter(retrieval.NewAugmenter(retriever, 3, zerolog.Nop())))

	resp := post(t, relay.URL, `{"messages":[{"role":"system","content":"be brief"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Empty(t, retriever.seen())
	assert.Equal(t, "be brief", up.lastRequest().Messages[0].Content)
}

func TestRelay_AugmentFailures(t *testing.T) {
	cases := map[string]struct {
		retriever *fakeRetriever
		status    int
		detail    string
	}{
		"no documents": {&fakeRetriever{}, http.StatusNotFound, "no documents found"},
		"search error": {&fakeRetriever{err: errors.New("index offline")}, http.StatusBadGateway, "context retrieval unavailable"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			up := &fakeOllama{}
			upstream := httptest.NewServer(up)
			defer upstream.Close()
			relay := newRelay(t, upstream.URL, WithAugmenter(retrieval.NewAugmenter(tc.retriever, 3, zerolog.Nop())))

			resp := post(t, relay.URL, `{"messages":[{"role":"user","content":"Which port?"}]}`)
			assert.Equal(t, tc.status, resp.StatusCode)

			var out map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.Contains(t, out["detail"], tc.detail)
			assert.Empty(t, up.lastRequest().Messages)
		})
	}
}

func TestServer_ListenAndServeStopsWithContext(t *testing.T) {
	s, err := NewServer(config.RelayConfig{ListenAddr: "127.0.0.1:0", ShutdownTimeout: time.Second}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.ListenAndServe(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not shut down")
	}
}

func TestRequestValidator(t *testing.T) {
	v, err := NewRequestValidator()
	require.NoError(t, err)
	assert.NoError(t, v.Validate([]byte(`{"messages":[{"role":"assistant","content":""}]}`)))
	err = v.Validate([]byte(`{"messages":[{"role":"robot","content":"x"}]}`))
	assert.ErrorContains(t, err, "schema validation errors")
}

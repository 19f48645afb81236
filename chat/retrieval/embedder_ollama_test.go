package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaEmbedder_Embed(t *testing.T) {
	var got embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"model":"all-minilm","embeddings":[[0.1,0.2],[0.3,0.4]]}`))
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL+"/", "all-minilm", time.Second)
	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)

	assert.Equal(t, embedRequest{Model: "all-minilm", Input: []string{"a", "b"}}, got)
	assert.Equal(t, [][]float32{{0.1, 0.2}, {0.3, 0.4}}, vecs)
}

func TestOllamaEmbedder_Errors(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
		want   string
	}{
		"status":      {http.StatusNotFound, `{"error":"model not found"}`, "status 404"},
		"error field": {http.StatusOK, `{"error":"input too long"}`, "input too long"},
		"count":       {http.StatusOK, `{"embeddings":[[0.1]]}`, "got 1 vectors for 2 inputs"},
		"bad json":    {http.StatusOK, `{"embeddings":`, "decode"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewOllamaEmbedder(srv.URL, "m", time.Second).Embed(context.Background(), []string{"a", "b"})
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestOllamaEmbedder_EmptyInput(t *testing.T) {
	vecs, err := NewOllamaEmbedder("http://127.0.0.1:1", "m", time.Second).Embed(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, vecs)
}

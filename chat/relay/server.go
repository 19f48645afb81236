// Package relay serves the completion endpoint the chat client talks to and
// streams replies from an Ollama-compatible upstream.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/streamchat/chat/config"
	"github.com/ZanzyTHEbar/streamchat/chat/retrieval"
)

const (
	maxRequestBytes = 4 << 20
	copyBufferSize  = 4 << 10
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Messages []message `json:"messages"`
}

type upstreamRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

// Augmenter rewrites the latest user message before it goes upstream.
type Augmenter interface {
	Augment(ctx context.Context, query string) (string, error)
}

// Option configures a Server.
type Option func(*Server)

// WithAugmenter grounds the latest user message on retrieved context.
func WithAugmenter(a Augmenter) Option {
	return func(s *Server) { s.augmenter = a }
}

// Server relays completion requests to the upstream chat API.
type Server struct {
	cfg       config.RelayConfig
	client    *http.Client
	validator *RequestValidator
	augmenter Augmenter
	logger    zerolog.Logger
}

// NewServer creates a relay for cfg.
func NewServer(cfg config.RelayConfig, logger zerolog.Logger, opts ...Option) (*Server, error) {
	validator, err := NewRequestValidator()
	if err != nil {
		return nil, err
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/event-stream"
	}
	s := &Server{
		cfg: cfg,
		client: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			ResponseHeaderTimeout: cfg.UpstreamTimeout,
		}},
		validator: validator,
		logger:    logger.With().Str("component", "relay").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the relay routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/completion", s.handleCompletion)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Str("upstream", s.cfg.UpstreamURL).Msg("Starting up the relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		s.logger.Info().Msg("Shutting down the relay")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.cfg.Version})
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxRequestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if err := s.validator.Validate(body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	var req completionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.augmenter != nil {
		if status, err := s.augment(r.Context(), req.Messages); err != nil {
			writeError(w, status, err.Error())
			return
		}
	}

	payload, err := json.Marshal(upstreamRequest{Model: s.cfg.Model, Messages: req.Messages})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode upstream request")
		return
	}

	url := strings.TrimRight(s.cfg.UpstreamURL, "/") + "/api/chat"
	upReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build upstream request")
		return
	}
	upReq.Header.Set("Content-Type", "application/json")

	log := s.logger.With().Int("messages", len(req.Messages)).Str("model", s.cfg.Model).Logger()
	resp, err := s.client.Do(upReq)
	if err != nil {
		log.Error().Err(err).Msg("Upstream request failed")
		writeError(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		log.Warn().Int("upstream_status", resp.StatusCode).Msg("Upstream rejected request")
		writeError(w, http.StatusBadGateway, fmt.Sprintf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
		return
	}

	w.Header().Set("Content-Type", s.cfg.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	n, err := copyFlush(w, resp.Body)
	if err != nil && r.Context().Err() == nil {
		log.Warn().Err(err).Int64("bytes", n).Msg("Stream interrupted")
		return
	}
	log.Debug().Int64("bytes", n).Msg("Stream relayed")
}

// augment replaces the content of the last message, when it is from the
// user, with the grounded prompt. On failure it returns the response status.
func (s *Server) augment(ctx context.Context, msgs []message) (int, error) {
	last := &msgs[len(msgs)-1]
	if last.Role != "user" {
		return http.StatusOK, nil
	}
	prompt, err := s.augmenter.Augment(ctx, last.Content)
	switch {
	case errors.Is(err, retrieval.ErrNoDocuments):
		return http.StatusNotFound, err
	case err != nil:
		s.logger.Error().Err(err).Msg("Context retrieval failed")
		return http.StatusBadGateway, errors.New("context retrieval unavailable")
	}
	last.Content = prompt
	return http.StatusOK, nil
}

// copyFlush forwards src to w, flushing after every read so the client sees
// each chunk as it arrives.
func copyFlush(w http.ResponseWriter, src io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, copyBufferSize)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return total, ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

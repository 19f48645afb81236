package completion

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/streamchat/chat/completion/adapters"
	"github.com/ZanzyTHEbar/streamchat/chat/completion/decoder"
	ports "github.com/ZanzyTHEbar/streamchat/chat/completion/ports"
	"github.com/ZanzyTHEbar/streamchat/chat/config"
	"github.com/ZanzyTHEbar/streamchat/chat/transcript"
)

const maxTurnTimeout = time.Hour

// Factory creates and wires orchestrator components from configuration.
type Factory struct {
	cfg    *config.Config
	db     *sql.DB // Optional, for the turn archive
	logger zerolog.Logger
}

// NewFactory creates a new orchestrator factory.
func NewFactory(cfg *config.Config, db *sql.DB, logger zerolog.Logger) *Factory {
	return &Factory{
		cfg:    cfg,
		db:     db,
		logger: logger,
	}
}

// CreateStore creates a transcript seeded with the configured system prompt.
func (f *Factory) CreateStore() *transcript.Store {
	if f.cfg.Chat.SystemPrompt == "" {
		return transcript.NewStore()
	}
	return transcript.NewStore(transcript.System(f.cfg.Chat.SystemPrompt))
}

// CreateOrchestrator creates a fully wired Orchestrator writing to store. A
// nil transport selects the HTTP transport for the configured endpoint.
func (f *Factory) CreateOrchestrator(store *transcript.Store, transport ports.Transport) (*Orchestrator, error) {
	mode, err := decoder.ParseMode(f.cfg.Client.DecoderMode)
	if err != nil {
		return nil, fmt.Errorf("client.decoder_mode: %w", err)
	}
	policy, err := f.CreatePolicy()
	if err != nil {
		return nil, err
	}
	if transport == nil {
		transport = f.createTransport(mode)
	}

	return NewOrchestrator(
		store,
		transport,
		f.createRateLimiter(),
		f.createTracer(),
		f.createArchive(),
		adapters.NewZerologSink(f.logger),
		f.logger,
		Options{
			Mode:           mode,
			DecoderOptions: f.decoderOptions(),
			ChunkSize:      f.cfg.Client.ChunkSize,
			Policy:         policy,
		},
	)
}

// CreateArchive returns the libsql archive, or nil without a database.
func (f *Factory) CreateArchive() *adapters.LibSQLArchive {
	if f.db == nil {
		return nil
	}
	return adapters.NewLibSQLArchive(f.db)
}

// CreatePolicy creates a policy from config with validation.
func (f *Factory) CreatePolicy() (Policy, error) {
	busy, err := ParseBusyPolicy(f.cfg.Chat.BusyPolicy)
	if err != nil {
		return Policy{}, fmt.Errorf("chat.busy_policy: %w", err)
	}
	policy := Policy{Busy: busy, TurnTimeout: f.cfg.Chat.TurnTimeout}

	if policy.TurnTimeout < 0 {
		policy.TurnTimeout = 0
		f.logger.Warn().Dur("turn_timeout", f.cfg.Chat.TurnTimeout).Msg("TurnTimeout clamped to 0 (disabled)")
	}
	if policy.TurnTimeout > maxTurnTimeout {
		policy.TurnTimeout = maxTurnTimeout
		f.logger.Warn().Dur("turn_timeout", f.cfg.Chat.TurnTimeout).Msg("TurnTimeout clamped to maximum of 1h")
	}

	return policy, nil
}

func (f *Factory) decoderOptions() []decoder.Option {
	return []decoder.Option{
		decoder.WithMarker(f.cfg.Client.Marker),
		decoder.WithPreserveSpace(f.cfg.Client.PreserveSpace),
		decoder.WithMaxUnitBytes(f.cfg.Client.MaxUnitBytes),
	}
}

func (f *Factory) createTransport(mode decoder.Mode) ports.Transport {
	return adapters.NewHTTPTransport(adapters.HTTPTransportConfig{
		BaseURL:       f.cfg.Client.BaseURL,
		Path:          f.cfg.Client.Path,
		HeaderTimeout: f.cfg.Client.Timeout,
		Headers:       f.cfg.Client.Headers,
		Mode:          mode,
	}, f.logger)
}

func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.Chat.RateLimitEnabled {
		return nil
	}
	return adapters.NewTokenBucket(f.cfg.Chat.RateLimitCapacity, f.cfg.Chat.RateLimitRefillRate)
}

func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Chat.EnableTracing {
		return nil
	}
	return adapters.NewZerologTracer(f.logger)
}

func (f *Factory) createArchive() ports.Archive {
	if a := f.CreateArchive(); a != nil {
		return a
	}
	return nil
}

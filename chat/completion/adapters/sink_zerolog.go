package adapters

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/streamchat/chat/completion/decoder"
	ports "github.com/ZanzyTHEbar/streamchat/chat/completion/ports"
)

// ZerologSink logs reported errors. Malformed stream units are warnings;
// anything else is an error.
type ZerologSink struct {
	logger zerolog.Logger
}

func NewZerologSink(logger zerolog.Logger) *ZerologSink {
	return &ZerologSink{logger: logger}
}

func (s *ZerologSink) Report(ctx context.Context, err error) {
	if err == nil {
		return
	}
	var mu *decoder.MalformedUnitError
	if errors.As(err, &mu) {
		s.logger.Warn().Err(mu.Err).Str("unit", mu.Unit).Msg("Skipped malformed stream unit")
		return
	}
	s.logger.Error().Err(err).Msg("Turn failed")
}

var _ ports.ErrorSink = (*ZerologSink)(nil)

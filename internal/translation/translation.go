// Package translation provides the gateways the relay router calls to turn a
// teacher transcription into each student's language.
package translation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"classrelay/internal/config"
	"classrelay/pkg/interfaces"
)

const (
	ProviderPassthrough = "passthrough"
	ProviderGemini      = "gemini"
)

var (
	ErrUnknownProvider = errors.New("unknown translation provider")
	ErrEmptyResult     = errors.New("translation returned no text")
	ErrMissingAPIKey   = errors.New("translation api key is required")
)

// New builds the gateway named by cfg.Provider.
func New(ctx context.Context, cfg *config.TranslationConfig, logger *zap.Logger) (interfaces.TranslationGateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Provider {
	case "", ProviderPassthrough:
		logger.Warn("using passthrough translation, students receive the original text")
		return NewPassthrough(), nil
	case ProviderGemini:
		return NewGemini(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

package translation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
	"google.golang.org/genai"

	"classrelay/internal/config"
)

const defaultModel = "gemini-2.0-flash"

// generator is the part of *genai.Models the gateway calls.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini translates through the Gemini API. One call per target language,
// no retries: the caller bounds it with a deadline and skips failures.
type Gemini struct {
	models generator
	model  string
	logger *zap.Logger
}

// NewGemini creates a Gemini gateway from cfg.
func NewGemini(ctx context.Context, cfg *config.TranslationConfig, logger *zap.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return newGemini(client.Models, cfg.Model, logger), nil
}

func newGemini(models generator, model string, logger *zap.Logger) *Gemini {
	if model == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gemini{
		models: models,
		model:  model,
		logger: logger.Named("gemini"),
	}
}

func (g *Gemini) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(instruction(sourceLang, targetLang), genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.2),
	}

	resp, err := g.models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		g.logger.Warn("generation failed",
			zap.String("source", sourceLang),
			zap.String("target", targetLang),
			zap.Error(err))
		return "", fmt.Errorf("gemini %s->%s: %w", sourceLang, targetLang, err)
	}

	out := strings.TrimSpace(responseText(resp))
	if out == "" {
		g.logger.Warn("generation returned no text",
			zap.String("source", sourceLang),
			zap.String("target", targetLang),
			zap.String("finish_reason", finishReason(resp)))
		return "", ErrEmptyResult
	}
	return out, nil
}

func instruction(sourceLang, targetLang string) string {
	return fmt.Sprintf(
		"You are a live classroom interpreter. Translate the user's text from %s to %s. "+
			"Reply with the translation only, without quotes, notes or explanations.",
		languageName(sourceLang), languageName(targetLang))
}

// languageName renders a tag as "Spanish (es-ES)" so the model gets both
// the human name and the exact variant.
func languageName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	name := display.English.Tags().Name(tag)
	if name == "" {
		return code
	}
	return fmt.Sprintf("%s (%s)", name, code)
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

func finishReason(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return ""
	}
	return string(resp.Candidates[0].FinishReason)
}

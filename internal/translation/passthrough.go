package translation

import "context"

// Passthrough returns the source text unchanged. It keeps the relay usable
// in development without provider credentials.
type Passthrough struct{}

func NewPassthrough() *Passthrough {
	return &Passthrough{}
}

func (Passthrough) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return text, nil
}

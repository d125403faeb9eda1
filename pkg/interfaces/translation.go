package interfaces

import "context"

// TranslationGateway translates text between two BCP 47 languages. Callers
// bound every call with a context deadline.
type TranslationGateway interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

package router

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"classrelay/internal/config"
	"classrelay/pkg/interfaces"
	"classrelay/pkg/protocol"
	"classrelay/pkg/types"
)

// Sessions is the slice of the session registry the router needs.
type Sessions interface {
	TeacherSession(peer interfaces.Peer) (*types.Session, error)
	Students(sessionID string) []interfaces.Peer
	RecordTranslation(sessionID string, latency time.Duration) error
	Touch(sessionID string)
}

// Router fans teacher transcriptions out as per-language translations and
// relays teacher audio to the students of the same session.
type Router struct {
	sessions       Sessions
	gateway        interfaces.TranslationGateway
	store          interfaces.SessionStore
	limiter        *RateLimiter
	clock          clock.Clock
	timeout        time.Duration
	maxConcurrency int
	logger         *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithClock replaces the wall clock used for timestamps and latency.
func WithClock(c clock.Clock) Option {
	return func(r *Router) { r.clock = c }
}

// WithStore records delivered translations in store.
func WithStore(store interfaces.SessionStore) Option {
	return func(r *Router) { r.store = store }
}

// NewRouter creates a router.
func NewRouter(sessions Sessions, gateway interfaces.TranslationGateway, cfg *config.TranslationConfig, logger *zap.Logger, opts ...Option) *Router {
	if cfg == nil {
		cfg = config.DefaultConfig().Translation
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Router{
		sessions:       sessions,
		gateway:        gateway,
		limiter:        NewRateLimiter(cfg.RateLimitPerMinute),
		clock:          clock.New(),
		timeout:        cfg.Timeout,
		maxConcurrency: cfg.MaxConcurrency,
		logger:         logger.Named("router"),
	}
	if r.maxConcurrency <= 0 {
		r.maxConcurrency = 1
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleTranscription translates msg once per distinct student language and
// delivers each result to the students reading that language. It returns
// after every language has been delivered, failed or timed out.
func (r *Router) HandleTranscription(ctx context.Context, peer interfaces.Peer, msg *protocol.Transcription) error {
	s, err := r.sessions.TeacherSession(peer)
	if err != nil {
		return ErrNotTeacher
	}
	if !r.limiter.Allow(peer.ID(), r.clock.Now()) {
		return ErrRateLimitExceeded
	}

	r.sessions.Touch(s.ID)
	source := s.TeacherLanguage

	var targets []string
	for _, lang := range distinctLanguages(r.sessions.Students(s.ID)) {
		if lang == source {
			r.deliver(s.ID, lang, &protocol.Translation{
				Text:               msg.Text,
				OriginalLanguage:   source,
				TranslatedLanguage: lang,
				SessionID:          s.ID,
				Timestamp:          r.clock.Now().UnixMilli(),
			})
			continue
		}
		targets = append(targets, lang)
	}

	p := pool.New().WithMaxGoroutines(r.maxConcurrency)
	for _, target := range targets {
		p.Go(func() {
			r.translate(ctx, s.ID, msg, source, target)
		})
	}
	p.Wait()
	return nil
}

func (r *Router) translate(ctx context.Context, sessionID string, msg *protocol.Transcription, source, target string) {
	logger := r.logger.With(
		zap.String("session_id", sessionID),
		zap.String("source", source),
		zap.String("target", target))

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := r.clock.Now()
	text, err := r.gateway.Translate(callCtx, msg.Text, source, target)
	latency := r.clock.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("translation timed out", zap.Duration("timeout", r.timeout))
		} else {
			logger.Warn("translation failed", zap.Error(err))
		}
		return
	}

	if err := r.sessions.RecordTranslation(sessionID, latency); err != nil {
		logger.Debug("session ended before translation finished", zap.Error(err))
		return
	}

	now := r.clock.Now()
	delivered := r.deliver(sessionID, target, &protocol.Translation{
		Text:               text,
		OriginalLanguage:   source,
		TranslatedLanguage: target,
		SessionID:          sessionID,
		Timestamp:          now.UnixMilli(),
		Latency:            latency.Milliseconds(),
	})
	logger.Debug("translation delivered",
		zap.Int("recipients", delivered),
		zap.Duration("latency", latency),
		zap.Bool("final", msg.IsFinal))

	if r.store == nil {
		return
	}
	record := &types.TranslationRecord{
		ID:                 uuid.NewString(),
		SessionID:          sessionID,
		OriginalText:       msg.Text,
		TranslatedText:     text,
		OriginalLanguage:   source,
		TranslatedLanguage: target,
		LatencyMillis:      latency.Milliseconds(),
		CreatedAt:          now,
	}
	if err := r.store.AppendTranslation(ctx, record); err != nil {
		logger.Warn("failed to record translation", zap.Error(err))
	}
}

// deliver sends msg to every student of the session whose language is lang
// at the moment of delivery. Full or closed queues lose this frame only.
func (r *Router) deliver(sessionID, lang string, msg protocol.Message) int {
	delivered := 0
	for _, student := range r.sessions.Students(sessionID) {
		if student.LanguageCode() != lang {
			continue
		}
		if err := student.Send(msg); err != nil {
			r.logger.Debug("dropped frame for student",
				zap.String("conn_id", student.ID()),
				zap.String("type", string(msg.Tag())),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// HandleAudio relays an audio chunk with its flags unchanged. When the chunk
// names a language only students reading it receive the chunk.
func (r *Router) HandleAudio(ctx context.Context, peer interfaces.Peer, msg *protocol.Audio) error {
	s, err := r.sessions.TeacherSession(peer)
	if err != nil {
		return ErrNotTeacher
	}

	lang := msg.Language
	if lang != "" {
		if lang, err = protocol.NormalizeLanguage(lang); err != nil {
			return err
		}
	}

	out := &protocol.Audio{
		SessionID:    s.ID,
		Data:         msg.Data,
		IsFirstChunk: msg.IsFirstChunk,
		IsFinalChunk: msg.IsFinalChunk,
		Language:     lang,
	}

	for _, student := range r.sessions.Students(s.ID) {
		if lang != "" && student.LanguageCode() != lang {
			continue
		}
		if err := student.Send(out); err != nil {
			r.logger.Debug("dropped audio chunk for student",
				zap.String("conn_id", student.ID()),
				zap.Error(err))
		}
	}
	r.sessions.Touch(s.ID)
	return nil
}

// Forget drops the rate limit state of a closed connection.
func (r *Router) Forget(peerID string) {
	r.limiter.Forget(peerID)
}

func distinctLanguages(students []interfaces.Peer) []string {
	seen := make(map[string]struct{}, len(students))
	var langs []string
	for _, s := range students {
		lang := s.LanguageCode()
		if lang == "" {
			continue
		}
		if _, ok := seen[lang]; ok {
			continue
		}
		seen[lang] = struct{}{}
		langs = append(langs, lang)
	}
	return langs
}

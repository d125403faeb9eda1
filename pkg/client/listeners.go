package client

import (
	"sync"

	"go.uber.org/zap"

	"classrelay/pkg/protocol"
)

// TagAny subscribes to every parsed message regardless of its tag.
const TagAny protocol.Tag = "message"

// Handler receives decoded messages.
type Handler func(protocol.Message)

type listener struct {
	id uint64
	fn Handler
}

// listeners is a registry of handlers keyed by tag. Handlers for a tag run
// in registration order, then the TagAny handlers run.
type listeners struct {
	mu     sync.RWMutex
	nextID uint64
	byTag  map[protocol.Tag][]listener
	logger *zap.Logger
}

func newListeners(logger *zap.Logger) *listeners {
	return &listeners{
		byTag:  make(map[protocol.Tag][]listener),
		logger: logger,
	}
}

func (l *listeners) subscribe(tag protocol.Tag, fn Handler) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.byTag[tag] = append(l.byTag[tag], listener{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(tag, id) })
	}
}

func (l *listeners) remove(tag protocol.Tag, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.byTag[tag]
	kept := make([]listener, 0, len(current))
	for _, entry := range current {
		if entry.id != id {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		delete(l.byTag, tag)
		return
	}
	l.byTag[tag] = kept
}

func (l *listeners) count(tag protocol.Tag) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byTag[tag])
}

func (l *listeners) dispatch(msg protocol.Message) {
	l.mu.RLock()
	tagged := append([]listener(nil), l.byTag[msg.Tag()]...)
	generic := append([]listener(nil), l.byTag[TagAny]...)
	l.mu.RUnlock()

	for _, entry := range tagged {
		l.invoke(msg.Tag(), entry.fn, msg)
	}
	for _, entry := range generic {
		l.invoke(TagAny, entry.fn, msg)
	}
}

func (l *listeners) invoke(tag protocol.Tag, fn Handler, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("message handler panicked",
				zap.String("tag", string(tag)),
				zap.Any("panic", r))
		}
	}()
	fn(msg)
}

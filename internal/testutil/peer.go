// Package testutil holds fakes shared by the server package tests.
package testutil

import (
	"errors"
	"sync"

	"classrelay/pkg/protocol"
)

// ErrPeerClosed is returned by Send after Close.
var ErrPeerClosed = errors.New("fake peer closed")

// FakePeer is an in-memory interfaces.Peer that records what it was sent.
type FakePeer struct {
	id string

	mu        sync.Mutex
	role      protocol.Role
	lang      string
	sessionID string
	sent      []protocol.Message
	sendErr   error
	closed    bool
}

// NewFakePeer creates an unregistered peer.
func NewFakePeer(id string) *FakePeer {
	return &FakePeer{id: id}
}

func (p *FakePeer) ID() string { return p.id }

func (p *FakePeer) Role() protocol.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

func (p *FakePeer) LanguageCode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lang
}

func (p *FakePeer) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

func (p *FakePeer) Bind(role protocol.Role, languageCode, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.role = role
	p.lang = languageCode
	p.sessionID = sessionID
}

func (p *FakePeer) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = ""
}

func (p *FakePeer) Send(msg protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *FakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// SetLanguage changes the language as a re-registration would.
func (p *FakePeer) SetLanguage(lang string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lang = lang
}

// FailSends makes every following Send return err.
func (p *FakePeer) FailSends(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErr = err
}

// Sent returns a copy of every message delivered so far.
func (p *FakePeer) Sent() []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Message(nil), p.sent...)
}

// SentOf returns the delivered messages carrying tag.
func (p *FakePeer) SentOf(tag protocol.Tag) []protocol.Message {
	var out []protocol.Message
	for _, m := range p.Sent() {
		if m.Tag() == tag {
			out = append(out, m)
		}
	}
	return out
}

// Translations returns the delivered translation messages.
func (p *FakePeer) Translations() []*protocol.Translation {
	var out []*protocol.Translation
	for _, m := range p.SentOf(protocol.TagTranslation) {
		out = append(out, m.(*protocol.Translation))
	}
	return out
}

// Errors returns the delivered error messages.
func (p *FakePeer) Errors() []*protocol.Error {
	var out []*protocol.Error
	for _, m := range p.SentOf(protocol.TagError) {
		out = append(out, m.(*protocol.Error))
	}
	return out
}

// IsClosed reports whether Close was called.
func (p *FakePeer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

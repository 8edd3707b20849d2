// Package transporttest provides a scripted in-memory transport
// provider for tests.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/petzap/wabridge/internal/domain"
	"github.com/petzap/wabridge/internal/transport"
)

// Provider hands out fake sessions and records every Open call.
type Provider struct {
	mu sync.Mutex

	// OpenErr, when set, fails the next Open call.
	OpenErr error
	// Authenticated marks new sessions as having stored credentials.
	Authenticated bool
	// PairingCode is returned by RequestPairingCode when PairingErr is
	// unset.
	PairingCode string
	PairingErr  error
	// OpenHook, when set, runs at the start of every Open call. Tests
	// use it to stall an Open in flight.
	OpenHook func()

	sessions []*Session
	openDirs []string
}

func NewProvider() *Provider {
	return &Provider{}
}

func (p *Provider) Open(ctx context.Context, credDir string) (transport.Session, error) {
	p.mu.Lock()
	hook := p.OpenHook
	p.mu.Unlock()
	if hook != nil {
		hook()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenErr != nil {
		err := p.OpenErr
		return nil, err
	}
	s := &Session{
		events:        make(chan transport.Event, 64),
		authenticated: p.Authenticated,
		pairingCode:   p.PairingCode,
		pairingErr:    p.PairingErr,
	}
	p.sessions = append(p.sessions, s)
	p.openDirs = append(p.openDirs, credDir)
	return s, nil
}

// SessionCount reports how many sessions were opened.
func (p *Provider) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// LastSession returns the most recently opened session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// OpenDirs returns every credential directory passed to Open.
func (p *Provider) OpenDirs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.openDirs...)
}

// Session is a scripted transport session driven by the test.
type Session struct {
	mu sync.Mutex

	events        chan transport.Event
	authenticated bool
	pairingCode   string
	pairingErr    error
	closed        bool

	pairRequests []string
	sent         []SentMessage
	loggedOut    bool
	disconnects  int
}

// SentMessage records one Send call.
type SentMessage struct {
	To   string
	Text string
}

func (s *Session) Events() <-chan transport.Event { return s.events }

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Session) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairRequests = append(s.pairRequests, phone)
	if s.pairingErr != nil {
		return "", s.pairingErr
	}
	if s.pairingCode == "" {
		return "", errors.New("no pairing code scripted")
	}
	return s.pairingCode, nil
}

func (s *Session) Send(ctx context.Context, to, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, SentMessage{To: to, Text: text})
	return "3EB0" + time.Now().Format("150405.000000"), nil
}

func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedOut = true
	return nil
}

// Test drivers.

func (s *Session) EmitConnected() {
	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()
	s.emit(transport.StateEvent{Connected: true})
}

func (s *Session) EmitDisconnected(reason domain.DisconnectReason) {
	s.emit(transport.StateEvent{Connected: false, Reason: reason})
}

func (s *Session) EmitQR(code string) {
	s.emit(transport.QREvent{Code: code})
}

func (s *Session) EmitMessage(evt transport.MessageEvent) {
	s.emit(transport.MessageEvent{
		ID:        evt.ID,
		Sender:    evt.Sender,
		FromMe:    evt.FromMe,
		Timestamp: evt.Timestamp,
		Kind:      evt.Kind,
		Text:      evt.Text,
		Caption:   evt.Caption,
	})
}

func (s *Session) emit(evt transport.Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.events <- evt
}

// PairRequests returns the phone numbers pairing codes were requested
// for.
func (s *Session) PairRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pairRequests...)
}

// Sent returns every message sent through this session.
func (s *Session) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

// LoggedOut reports whether Logout was called.
func (s *Session) LoggedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOut
}

// Disconnects counts Disconnect calls.
func (s *Session) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

// Package meow implements the transport provider on whatsmeow with a
// per-tenant sqlite credential store.
package meow

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/petzap/wabridge/internal/domain"
	"github.com/petzap/wabridge/internal/transport"
)

const eventBuffer = 256

// Provider opens whatsmeow sessions backed by a creds.db inside the
// tenant's credential directory.
type Provider struct{}

func NewProvider() *Provider {
	return &Provider{}
}

func (p *Provider) Open(ctx context.Context, credDir string) (transport.Session, error) {
	dbPath := filepath.Join(credDir, "creds.db")
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrapf(err, "open credential db %s", dbPath)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", nil)
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "upgrade credential store")
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "load device")
	}

	cli := whatsmeow.NewClient(device, nil)
	s := &session{
		cli:           cli,
		db:            db,
		events:        make(chan transport.Event, eventBuffer),
		authenticated: cli.Store.ID != nil,
	}
	cli.AddEventHandler(s.handleEvent)

	if err := cli.Connect(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connect")
	}
	return s, nil
}

type session struct {
	cli *whatsmeow.Client
	db  *sql.DB

	mu            sync.Mutex
	events        chan transport.Event
	closed        bool
	authenticated bool
}

func (s *session) Events() <-chan transport.Event { return s.events }

func (s *session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *session) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	code, err := s.cli.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", errors.Wrap(err, "request pairing code")
	}
	return code, nil
}

func (s *session) Send(ctx context.Context, to, text string) (string, error) {
	jid, err := waTypes.ParseJID(to)
	if err != nil {
		return "", errors.Wrapf(err, "parse recipient %s", to)
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	resp, err := s.cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", errors.Wrap(err, "send message")
	}
	return resp.ID, nil
}

func (s *session) Disconnect() {
	s.cli.Disconnect()
	s.closeEvents()
	if err := s.db.Close(); err != nil {
		zap.L().Warn("close credential db", zap.Error(err))
	}
}

func (s *session) Logout(ctx context.Context) error {
	return s.cli.Logout(ctx)
}

func (s *session) closeEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// handleEvent maps whatsmeow callbacks onto the ordered event channel.
// whatsmeow invokes handlers sequentially, so channel order matches
// emission order. A full buffer drops the event rather than stalling
// the client's dispatch goroutine.
func (s *session) handleEvent(raw interface{}) {
	var evt transport.Event
	switch e := raw.(type) {
	case *events.QR:
		if len(e.Codes) > 0 {
			evt = transport.QREvent{Code: e.Codes[0]}
		}
	case *events.PairSuccess:
		s.mu.Lock()
		s.authenticated = true
		s.mu.Unlock()
		evt = transport.CredentialsEvent{}
	case *events.Connected:
		s.mu.Lock()
		s.authenticated = true
		s.mu.Unlock()
		evt = transport.StateEvent{Connected: true}
	case *events.Disconnected:
		evt = transport.StateEvent{Connected: false, Reason: domain.ReasonConnectionLost}
	case *events.LoggedOut:
		evt = transport.StateEvent{Connected: false, Reason: domain.ReasonLoggedOut}
	case *events.StreamReplaced:
		evt = transport.StateEvent{Connected: false, Reason: domain.ReasonReplaced}
	case *events.TemporaryBan:
		evt = transport.StateEvent{Connected: false, Reason: domain.ReasonBanned}
	case *events.ClientOutdated:
		evt = transport.StateEvent{Connected: false, Reason: domain.ReasonBadSession}
	case *events.Message:
		evt = mapMessage(e)
	default:
		return
	}
	if evt == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
		return
	default:
	}
	if _, isState := evt.(transport.StateEvent); !isState {
		zap.L().Warn("transport event buffer full, dropping event")
		return
	}
	// Connectivity transitions must reach the consumer even under
	// backpressure, or a missed disconnect leaves the connection
	// looking healthy forever. Shed the oldest buffered event instead.
	select {
	case <-s.events:
	default:
	}
	select {
	case s.events <- evt:
	default:
	}
	zap.L().Warn("transport event buffer full, shed oldest event for state change")
}

func mapMessage(e *events.Message) transport.MessageEvent {
	out := transport.MessageEvent{
		ID:        string(e.Info.ID),
		Sender:    e.Info.Sender.String(),
		FromMe:    e.Info.IsFromMe,
		Timestamp: e.Info.Timestamp,
		Kind:      domain.MessageUnknown,
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}

	msg := e.Message
	if msg == nil {
		return out
	}
	switch {
	case msg.GetConversation() != "":
		out.Kind = domain.MessageText
		out.Text = msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		out.Kind = domain.MessageText
		out.Text = msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		out.Kind = domain.MessageImage
		out.Caption = msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		out.Kind = domain.MessageVideo
		out.Caption = msg.GetVideoMessage().GetCaption()
	case msg.GetAudioMessage() != nil:
		out.Kind = domain.MessageAudio
	case msg.GetDocumentMessage() != nil:
		out.Kind = domain.MessageDocument
		out.Caption = msg.GetDocumentMessage().GetCaption()
	case msg.GetStickerMessage() != nil:
		out.Kind = domain.MessageSticker
	case msg.GetLocationMessage() != nil:
		out.Kind = domain.MessageLocation
	case msg.GetContactMessage() != nil:
		out.Kind = domain.MessageContact
	}
	return out
}

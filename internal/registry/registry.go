// Package registry owns every live tenant connection and drives its
// lifecycle: authentication, supervision, recovery and teardown.
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/petzap/wabridge/internal/dispatch"
	"github.com/petzap/wabridge/internal/domain"
	"github.com/petzap/wabridge/internal/notify"
	"github.com/petzap/wabridge/internal/pairing"
	"github.com/petzap/wabridge/internal/session"
	"github.com/petzap/wabridge/internal/supervisor"
	"github.com/petzap/wabridge/internal/transport"
)

var (
	// ErrAlreadyRunning is returned when the tenant already has a
	// registered connection.
	ErrAlreadyRunning = errors.New("connection already running")
	// ErrUnauthorized is returned when the caller org does not own the
	// instance.
	ErrUnauthorized = errors.New("instance not owned by organization")
	// ErrNotFound is returned for instances the registry has no
	// connection for.
	ErrNotFound = errors.New("connection not found")
	// ErrNotConnected is returned by send operations before the
	// session is authenticated and connected.
	ErrNotConnected = errors.New("instance not connected")
	// ErrInvalidTenant is returned when an org or instance id cannot
	// be used as a session path component.
	ErrInvalidTenant = errors.New("invalid tenant identifier")

	// errEvicted aborts a reconnect whose connection was removed from
	// the registry while the new session was being opened.
	errEvicted = errors.New("connection evicted")
)

type connection struct {
	key         domain.TenantKey
	phone       string
	authMethod  domain.AuthMethod
	sess        transport.Session
	cancelLoop  context.CancelFunc
	state       domain.ConnectionState
	lastEvent   *time.Time
	connectedAt *time.Time
	attempts    int
	authTimer   *time.Timer
}

// InitializeResult is returned to the Initialize caller.
type InitializeResult struct {
	Success     bool                    `json:"success"`
	Status      domain.ConnectionStatus `json:"status"`
	PairingCode string                  `json:"pairing_code,omitempty"`
	ExpiresAt   *time.Time              `json:"pairing_code_expires_at,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// Registry is the mutex-guarded map of live connections plus its
// collaborators. Nothing blocking runs while the lock is held.
type Registry struct {
	provider    transport.Provider
	sessions    *session.Manager
	sup         *supervisor.Supervisor
	neg         *pairing.Negotiator
	disp        *dispatch.Dispatcher
	notifier    *notify.Notifier
	authTimeout time.Duration

	mu    sync.Mutex
	conns map[domain.TenantKey]*connection
}

func New(provider transport.Provider, sessions *session.Manager, sup *supervisor.Supervisor,
	neg *pairing.Negotiator, disp *dispatch.Dispatcher, notifier *notify.Notifier,
	authTimeout time.Duration) *Registry {
	return &Registry{
		provider:    provider,
		sessions:    sessions,
		sup:         sup,
		neg:         neg,
		disp:        disp,
		notifier:    notifier,
		authTimeout: authTimeout,
		conns:       make(map[domain.TenantKey]*connection),
	}
}

// Initialize starts a connection for the tenant. Exactly one of two
// concurrent calls wins the in-memory slot; the loser observes
// ErrAlreadyRunning before any I/O happens. The durable session record
// is written before this returns success.
func (r *Registry) Initialize(ctx context.Context, org, instance, phone string, method domain.AuthMethod) (InitializeResult, error) {
	if !validTenantID(org) || !validTenantID(instance) {
		return InitializeResult{}, ErrInvalidTenant
	}
	key := domain.TenantKey{OrganizationID: org, InstanceID: instance}
	if method == "" {
		method = domain.AuthQRCode
	}

	conn := &connection{key: key, phone: phone, authMethod: method, state: domain.StateConnecting{}}
	r.mu.Lock()
	if _, exists := r.conns[key]; exists {
		r.mu.Unlock()
		return InitializeResult{}, ErrAlreadyRunning
	}
	r.conns[key] = conn
	r.mu.Unlock()

	res, err := r.openAndNegotiate(ctx, conn)
	if err != nil {
		r.mu.Lock()
		delete(r.conns, key)
		r.mu.Unlock()
		return InitializeResult{Status: domain.StatusFailed, Error: err.Error()}, err
	}
	return res, nil
}

// openAndNegotiate persists metadata, opens a fresh transport session
// for conn and wires its event loop. Callers must already hold the
// registry slot for conn.key.
func (r *Registry) openAndNegotiate(ctx context.Context, conn *connection) (InitializeResult, error) {
	key := conn.key

	r.mu.Lock()
	if r.conns[key] != conn {
		r.mu.Unlock()
		return InitializeResult{}, errEvicted
	}
	r.mu.Unlock()

	rec := domain.SessionRecord{
		OrganizationID: key.OrganizationID,
		InstanceID:     key.InstanceID,
		AuthMethod:     conn.authMethod,
		PhoneNumber:    conn.phone,
		CreatedAt:      time.Now(),
	}
	if prev, err := r.sessions.LoadRecord(ctx, key); err == nil && prev != nil {
		rec.CreatedAt = prev.CreatedAt
		rec.LastConnected = prev.LastConnected
	}
	if err := r.sessions.SaveRecord(ctx, rec); err != nil {
		return InitializeResult{}, errors.Wrap(err, "persist session record")
	}

	dir, err := r.sessions.EnsureSessionDir(key)
	if err != nil {
		return InitializeResult{}, err
	}
	sess, err := r.provider.Open(ctx, dir)
	if err != nil {
		return InitializeResult{}, errors.Wrap(err, "open transport session")
	}

	result := r.neg.Negotiate(ctx, key, sess, conn.phone, conn.authMethod)

	loopCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if r.conns[key] != conn {
		// A deliberate teardown won the race while the session was
		// opening. The fresh session must not outlive it.
		r.mu.Unlock()
		cancel()
		sess.Disconnect()
		return InitializeResult{}, errEvicted
	}
	conn.sess = sess
	conn.cancelLoop = cancel
	switch result.Status {
	case domain.StatusPairingPending:
		conn.state = domain.StatePairingPending{Code: result.PairingCode, ExpiresAt: result.ExpiresAt}
	default:
		conn.state = domain.StateConnecting{}
	}
	if !sess.Authenticated() && r.authTimeout > 0 {
		if conn.authTimer != nil {
			conn.authTimer.Stop()
		}
		conn.authTimer = time.AfterFunc(r.authTimeout, func() { r.onAuthTimeout(key) })
	}
	r.mu.Unlock()

	go r.eventLoop(loopCtx, conn, sess)

	out := InitializeResult{Success: true, Status: result.Status, PairingCode: result.PairingCode}
	if !result.ExpiresAt.IsZero() {
		exp := result.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out, nil
}

// eventLoop consumes the session's ordered event stream. One goroutine
// per connection; events for one tenant are handled strictly in
// emission order.
func (r *Registry) eventLoop(ctx context.Context, conn *connection, sess transport.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sess.Events():
			if !ok {
				return
			}
			switch e := evt.(type) {
			case transport.QREvent:
				r.onQR(conn, e)
			case transport.CredentialsEvent:
				zap.L().Debug("credentials updated",
					zap.String("tenant", conn.key.String()))
			case transport.StateEvent:
				if e.Connected {
					r.onConnected(conn)
				} else {
					r.onDisconnected(conn, e.Reason)
					return
				}
			case transport.MessageEvent:
				r.onMessage(conn, e)
			}
		}
	}
}

func (r *Registry) onQR(conn *connection, evt transport.QREvent) {
	r.mu.Lock()
	conn.state = domain.StateQRPending{Payload: evt.Code}
	r.mu.Unlock()
	r.notifier.Emit(notify.EventQR, map[string]interface{}{
		"organization_id": conn.key.OrganizationID,
		"instance_id":     conn.key.InstanceID,
		"qr":              evt.Code,
	})
}

func (r *Registry) onConnected(conn *connection) {
	now := time.Now()
	r.mu.Lock()
	conn.state = domain.StateConnected{Since: now}
	conn.connectedAt = &now
	conn.lastEvent = &now
	conn.attempts = 0
	if conn.authTimer != nil {
		conn.authTimer.Stop()
		conn.authTimer = nil
	}
	r.mu.Unlock()

	r.sup.Reset(conn.key)
	if err := r.sessions.TouchConnected(context.Background(), conn.key, now); err != nil {
		zap.L().Warn("persist last-connected failed",
			zap.String("tenant", conn.key.String()), zap.Error(err))
	}
	r.notifier.Emit(notify.EventConnected, map[string]interface{}{
		"organization_id": conn.key.OrganizationID,
		"instance_id":     conn.key.InstanceID,
		"connected_at":    now,
	})
	zap.L().Info("instance connected", zap.String("tenant", conn.key.String()))
}

func (r *Registry) onDisconnected(conn *connection, reason domain.DisconnectReason) {
	key := conn.key
	r.mu.Lock()
	conn.state = domain.StateDisconnected{Reason: reason}
	r.mu.Unlock()
	r.notifier.Emit(notify.EventDisconnected, map[string]interface{}{
		"organization_id": key.OrganizationID,
		"instance_id":     key.InstanceID,
		"reason":          string(reason),
	})

	decision, delay := r.sup.OnDisconnect(key, reason, func() { r.reconnect(key) })
	if decision == supervisor.Terminal {
		r.teardown(key, true)
		topic := notify.EventReconnectFailed
		if reason == domain.ReasonLoggedOut {
			topic = notify.EventLoggedOut
		}
		r.notifier.Emit(topic, map[string]interface{}{
			"organization_id": key.OrganizationID,
			"instance_id":     key.InstanceID,
			"reason":          string(reason),
		})
		return
	}

	attempts := r.sup.Attempts(key)
	r.mu.Lock()
	conn.attempts = attempts
	r.mu.Unlock()
	r.notifier.Emit(notify.EventReconnecting, map[string]interface{}{
		"organization_id": key.OrganizationID,
		"instance_id":     key.InstanceID,
		"attempt":         attempts,
		"delay_ms":        delay.Milliseconds(),
	})
}

func (r *Registry) onMessage(conn *connection, evt transport.MessageEvent) {
	now := time.Now()
	r.mu.Lock()
	conn.lastEvent = &now
	r.mu.Unlock()
	r.disp.OnMessage(conn.key, evt)
}

// reconnect replaces the tenant's transport session. It runs from a
// supervisor timer or a force-retry, never under the registry lock.
func (r *Registry) reconnect(key domain.TenantKey) {
	r.mu.Lock()
	conn, ok := r.conns[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	if conn.cancelLoop != nil {
		conn.cancelLoop()
	}
	old := conn.sess
	conn.state = domain.StateConnecting{}
	r.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	if _, err := r.openAndNegotiate(context.Background(), conn); err != nil {
		if err == errEvicted {
			return
		}
		zap.L().Error("reconnect attempt failed",
			zap.String("tenant", key.String()), zap.Error(err))
		// Feed the failure back through the supervisor so the backoff
		// budget keeps counting down.
		r.onDisconnected(conn, domain.ReasonConnectionLost)
	}
}

// onAuthTimeout fires when a session never authenticated within the
// configured window.
func (r *Registry) onAuthTimeout(key domain.TenantKey) {
	r.mu.Lock()
	conn, ok := r.conns[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	if conn.state.Status() == domain.StatusConnected {
		r.mu.Unlock()
		return
	}
	conn.state = domain.StateFailed{Reason: "authentication timed out"}
	r.mu.Unlock()

	zap.L().Warn("authentication window expired",
		zap.String("tenant", key.String()))
	r.teardown(key, false)
	r.notifier.Emit(notify.EventDisconnected, map[string]interface{}{
		"organization_id": key.OrganizationID,
		"instance_id":     key.InstanceID,
		"reason":          string(domain.ReasonTimedOut),
	})
}

// teardown removes the connection from the map, stops its loop and
// optionally purges the stored session from both tiers.
func (r *Registry) teardown(key domain.TenantKey, purge bool) {
	r.mu.Lock()
	conn, ok := r.conns[key]
	if ok {
		delete(r.conns, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if conn.authTimer != nil {
		conn.authTimer.Stop()
	}
	if conn.cancelLoop != nil {
		conn.cancelLoop()
	}
	if conn.sess != nil {
		conn.sess.Disconnect()
	}
	r.sup.Forget(key)

	if purge {
		if err := r.sessions.Remove(context.Background(), key); err != nil {
			zap.L().Warn("session purge failed",
				zap.String("tenant", key.String()), zap.Error(err))
		}
	}
}

// lookupLocked resolves an instance id to its connection. When org is
// non-empty an ownership mismatch fails closed with ErrUnauthorized.
func (r *Registry) lookupLocked(instance, org string) (*connection, error) {
	if org != "" {
		if conn, ok := r.conns[domain.TenantKey{OrganizationID: org, InstanceID: instance}]; ok {
			return conn, nil
		}
	}
	for key, conn := range r.conns {
		if key.InstanceID != instance {
			continue
		}
		if org != "" && key.OrganizationID != org {
			return nil, ErrUnauthorized
		}
		return conn, nil
	}
	return nil, ErrNotFound
}

// Disconnect stops the tenant's session, logs it out of the network
// best-effort and purges the stored session. Unknown instances are a
// no-op success.
func (r *Registry) Disconnect(ctx context.Context, instance, org string) error {
	r.mu.Lock()
	conn, err := r.lookupLocked(instance, org)
	r.mu.Unlock()
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	key := conn.key
	r.sup.Cancel(key)

	r.mu.Lock()
	delete(r.conns, key)
	if conn.authTimer != nil {
		conn.authTimer.Stop()
	}
	if conn.cancelLoop != nil {
		conn.cancelLoop()
	}
	r.mu.Unlock()

	r.sup.Forget(key)
	if conn.sess != nil {
		if err := conn.sess.Logout(ctx); err != nil {
			zap.L().Warn("transport logout failed",
				zap.String("tenant", key.String()), zap.Error(err))
		}
		conn.sess.Disconnect()
	}
	if err := r.sessions.Remove(ctx, key); err != nil {
		return err
	}
	r.notifier.Emit(notify.EventDisconnected, map[string]interface{}{
		"organization_id": key.OrganizationID,
		"instance_id":     key.InstanceID,
		"reason":          string(domain.ReasonLoggedOut),
	})
	zap.L().Info("instance disconnected", zap.String("tenant", key.String()))
	return nil
}

// Status returns the connection status, degrading to disconnected for
// unknown instances.
func (r *Registry) Status(instance, org string) (domain.ConnectionStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, err := r.lookupLocked(instance, org)
	if err == ErrNotFound {
		return domain.StatusDisconnected, nil
	}
	if err != nil {
		return "", err
	}
	return conn.state.Status(), nil
}

// Info returns the full operator snapshot for a registered connection.
func (r *Registry) Info(instance, org string) (domain.ConnectionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, err := r.lookupLocked(instance, org)
	if err != nil {
		return domain.ConnectionInfo{}, err
	}
	return snapshotLocked(conn), nil
}

// Health answers for any instance id, known or not.
func (r *Registry) Health(instance, org string) (domain.InstanceHealth, error) {
	r.mu.Lock()
	conn, err := r.lookupLocked(instance, org)
	r.mu.Unlock()
	if err == ErrNotFound {
		h := domain.InstanceHealth{
			InstanceID: instance,
			Status:     domain.StatusDisconnected,
		}
		if org != "" {
			h.SessionExists = r.sessions.SessionExists(domain.TenantKey{OrganizationID: org, InstanceID: instance})
		}
		return h, nil
	}
	if err != nil {
		return domain.InstanceHealth{}, err
	}

	r.mu.Lock()
	status := conn.state.Status()
	h := domain.InstanceHealth{
		InstanceID:        instance,
		IsConnected:       status == domain.StatusConnected,
		Status:            status,
		PhoneNumber:       conn.phone,
		LastActivity:      conn.lastEvent,
		ReconnectAttempts: conn.attempts,
	}
	key := conn.key
	r.mu.Unlock()
	h.SessionExists = r.sessions.SessionExists(key)
	return h, nil
}

// ForceReconnect cancels any pending backoff timer and retries
// immediately. The attempt counter only resets on a subsequent
// successful connect.
func (r *Registry) ForceReconnect(instance, org string) error {
	r.mu.Lock()
	conn, err := r.lookupLocked(instance, org)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	key := conn.key
	zap.L().Info("forced reconnect", zap.String("tenant", key.String()))
	r.sup.ForceRetry(key, func() { r.reconnect(key) })
	return nil
}

// ListInstances snapshots every connection owned by org.
func (r *Registry) ListInstances(org string) []domain.ConnectionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ConnectionInfo
	for key, conn := range r.conns {
		if org != "" && key.OrganizationID != org {
			continue
		}
		out = append(out, snapshotLocked(conn))
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// History exposes the supervisor's reconnect totals for the tenant.
func (r *Registry) History(instance, org string) (supervisor.History, error) {
	r.mu.Lock()
	conn, err := r.lookupLocked(instance, org)
	r.mu.Unlock()
	if err != nil {
		return supervisor.History{}, err
	}
	return r.sup.GetHistory(conn.key), nil
}

// SendText delivers a text message through the tenant's session. Bare
// phone numbers are normalized to network addresses.
func (r *Registry) SendText(ctx context.Context, instance, org, to, text string) (string, error) {
	r.mu.Lock()
	conn, err := r.lookupLocked(instance, org)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	if conn.state.Status() != domain.StatusConnected {
		r.mu.Unlock()
		return "", ErrNotConnected
	}
	sess := conn.sess
	key := conn.key
	r.mu.Unlock()

	id, err := sess.Send(ctx, normalizeJID(to), text)
	if err != nil {
		return "", errors.Wrap(err, "send message")
	}
	now := time.Now()
	r.mu.Lock()
	conn.lastEvent = &now
	r.mu.Unlock()
	zap.L().Debug("message sent",
		zap.String("tenant", key.String()), zap.String("message_id", id))
	return id, nil
}

// CleanupOldSessions sweeps the durable tier, skipping tenants that
// still have a registered connection.
func (r *Registry) CleanupOldSessions(ctx context.Context, olderThan time.Duration) (int, error) {
	return r.sessions.CleanupOldSessions(ctx, olderThan, func(key domain.TenantKey) bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, live := r.conns[key]
		return live
	})
}

// Shutdown disconnects every session without purging stored
// credentials, so instances resume on the next start.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	conns := make([]*connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[domain.TenantKey]*connection)
	r.mu.Unlock()

	for _, conn := range conns {
		r.sup.Forget(conn.key)
		if conn.authTimer != nil {
			conn.authTimer.Stop()
		}
		if conn.cancelLoop != nil {
			conn.cancelLoop()
		}
		if conn.sess != nil {
			conn.sess.Disconnect()
		}
	}
	zap.L().Info("registry shut down", zap.Int("connections", len(conns)))
}

func snapshotLocked(conn *connection) domain.ConnectionInfo {
	info := domain.ConnectionInfo{
		OrganizationID:    conn.key.OrganizationID,
		InstanceID:        conn.key.InstanceID,
		Status:            conn.state.Status(),
		PhoneNumber:       conn.phone,
		ConnectedAt:       conn.connectedAt,
		LastActivity:      conn.lastEvent,
		ReconnectAttempts: conn.attempts,
	}
	switch st := conn.state.(type) {
	case domain.StatePairingPending:
		info.PairingCode = st.Code
	case domain.StateQRPending:
		info.QRPayload = st.Payload
	}
	return info
}

// validTenantID rejects ids that cannot serve as a session path
// component: empty strings, path separators and dot traversal would
// let a tenant escape the session root.
func validTenantID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\")
}

// normalizeJID turns a bare phone number into a network address and
// passes through anything already addressed.
func normalizeJID(to string) string {
	if strings.ContainsRune(to, '@') {
		return to
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, to)
	return digits + "@s.whatsapp.net"
}

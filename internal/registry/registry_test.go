package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petzap/wabridge/internal/dispatch"
	"github.com/petzap/wabridge/internal/domain"
	"github.com/petzap/wabridge/internal/notify"
	"github.com/petzap/wabridge/internal/pairing"
	"github.com/petzap/wabridge/internal/queue"
	"github.com/petzap/wabridge/internal/session"
	"github.com/petzap/wabridge/internal/supervisor"
	"github.com/petzap/wabridge/internal/transport"
	"github.com/petzap/wabridge/internal/transport/transporttest"
)

type fakeQueue struct {
	mu    sync.Mutex
	items []domain.InboundWorkItem
}

func (q *fakeQueue) Enqueue(ctx context.Context, topic string, payload interface{}, opts queue.Options) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, payload.(domain.InboundWorkItem))
	return nil
}

func (q *fakeQueue) all() []domain.InboundWorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.InboundWorkItem(nil), q.items...)
}

type fixture struct {
	provider *transporttest.Provider
	sessions *session.Manager
	sup      *supervisor.Supervisor
	notifier *notify.Notifier
	queue    *fakeQueue
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	provider := transporttest.NewProvider()
	sessions := session.NewManager(t.TempDir(), nil, time.Hour)
	sup := supervisor.New(supervisor.Config{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		Multiplier:  2,
	})
	notifier := notify.NewNotifier(nil)
	q := &fakeQueue{}
	reg := New(
		provider,
		sessions,
		sup,
		pairing.NewNegotiator(notifier),
		dispatch.NewDispatcher(q, "process-message", 3),
		notifier,
		time.Minute,
	)
	t.Cleanup(func() { reg.Shutdown(context.Background()) })
	return &fixture{
		provider: provider,
		sessions: sessions,
		sup:      sup,
		notifier: notifier,
		queue:    q,
		registry: reg,
	}
}

func waitStatus(t *testing.T, f *fixture, instance, org string, want domain.ConnectionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := f.registry.Status(instance, org)
		return err == nil && status == want
	}, 2*time.Second, time.Millisecond, "waiting for status %s", want)
}

func TestInitializePairingCodeFlow(t *testing.T) {
	f := newFixture(t)
	f.provider.PairingCode = "WXYZ-9876"

	res, err := f.registry.Initialize(context.Background(), "org1", "inst1", "6281234567", domain.AuthPairingCode)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.StatusPairingPending, res.Status)
	assert.Equal(t, "WXYZ-9876", res.PairingCode)
	require.NotNil(t, res.ExpiresAt)

	// durable record exists on disk before Initialize returned
	path := filepath.Join(f.sessions.SessionDir(domain.TenantKey{
		OrganizationID: "org1", InstanceID: "inst1",
	}), "metadata.json")
	_, err = os.Stat(path)
	require.NoError(t, err)

	// pairing completes on the event stream
	f.provider.LastSession().EmitConnected()
	waitStatus(t, f, "inst1", "org1", domain.StatusConnected)

	rec, err := f.sessions.LoadRecord(context.Background(), domain.TenantKey{
		OrganizationID: "org1", InstanceID: "inst1",
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Eventually(t, func() bool {
		rec, err := f.sessions.LoadRecord(context.Background(), rec.Key())
		return err == nil && rec != nil && rec.LastConnected != nil
	}, 2*time.Second, time.Millisecond)
}

func TestInitializeQRFlow(t *testing.T) {
	f := newFixture(t)

	res, err := f.registry.Initialize(context.Background(), "org1", "inst1", "", domain.AuthQRCode)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConnecting, res.Status)
	assert.Empty(t, res.PairingCode)

	f.provider.LastSession().EmitQR("qr-payload-1")
	waitStatus(t, f, "inst1", "org1", domain.StatusQRPending)

	info, err := f.registry.Info("inst1", "org1")
	require.NoError(t, err)
	assert.Equal(t, "qr-payload-1", info.QRPayload)
}

func TestConcurrentInitializeOneWinner(t *testing.T) {
	f := newFixture(t)
	f.provider.Authenticated = true

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.registry.Initialize(context.Background(), "org1", "inst1", "", domain.AuthQRCode)
		}(i)
	}
	wg.Wait()

	winners, conflicts := 0, 0
	for _, err := range errs {
		switch err {
		case nil:
			winners++
		case ErrAlreadyRunning:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, n-1, conflicts)
	assert.Equal(t, 1, f.provider.SessionCount())
}

func TestInstanceLookupVerifiesOwnership(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Initialize(context.Background(), "org1", "inst1", "", domain.AuthQRCode)
	require.NoError(t, err)

	_, err = f.registry.Status("inst1", "org2")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.registry.Info("inst1", "org2")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.registry.SendText(context.Background(), "inst1", "org2", "123", "hi")
	assert.ErrorIs(t, err, ErrUnauthorized)

	err = f.registry.Disconnect(context.Background(), "inst1", "org2")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestStatusDegradesForUnknownInstance(t *testing.T) {
	f := newFixture(t)

	status, err := f.registry.Status("ghost", "org1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDisconnected, status)

	health, err := f.registry.Health("ghost", "org1")
	require.NoError(t, err)
	assert.False(t, health.IsConnected)
	assert.Equal(t, domain.StatusDisconnected, health.Status)
	assert.False(t, health.SessionExists)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.provider.Authenticated = true

	_, err := f.registry.Initialize(context.Background(), "org1", "inst1", "", domain.AuthQRCode)
	require.NoError(t, err)
	sess := f.provider.LastSession()
	sess.EmitConnected()
	waitStatus(t, f, "inst1", "org1", domain.StatusConnected)

	key := domain.TenantKey{OrganizationID: "org1", InstanceID: "inst1"}
	require.NoError(t, f.registry.Disconnect(context.Background(), "inst1", "org1"))
	assert.True(t, sess.LoggedOut())
	assert.False(t, f.sessions.SessionExists(key))
	_, err = os.Stat(f.sessions.SessionDir(key))
	assert.True(t, os.IsNotExist(err))

	// second call and unknown instances are no-op successes
	assert.NoError(t, f.registry.Disconnect(context.Background(), "inst1", "org1"))
	assert.NoError(t, f.registry.Disconnect(context.Background(), "never-there", "org1"))
}

func TestTerminalDisconnectRemovesAndPurges(t *testing.T) {
	f := newFixture(t)
	f.provider.Authenticated = true

	_, err := f.registry.Initialize(context.Background(), "org1", "inst1", "", domain.AuthQRCode)
	require.NoError(t, err)
	sess := f.provider.LastSession()
	sess.EmitConnected()
	waitStatus(t, f, "inst1", "org1", domain.StatusConnected)

	var loggedOut sync.WaitGroup
	loggedOut.Add(1)
	require.NoError(t, f.notifier.Subscribe(notify.EventLoggedOut, func(payload map[string]interface{}) {
		loggedOut.Done()
	}))

	sess.EmitDisconnected(domain.ReasonLoggedOut)
	loggedOut.Wait()

	waitStatus(t, f, "inst1", "org1", domain.StatusDisconnected)
	assert.Equal(t, 0, f.registry.Count())
	key := domain.TenantKey{OrganizationID: "org1", InstanceID: "inst1"}
	require.Eventually(t, func() bool {
		_, err := os.Stat(f.sessions.SessionDir(key))
		return os.IsNotExist(err)
	}, 2*time.Second, time.Millisecond)
	// no reconnect was attempted
	assert.Equal(t, 1, f.provider.SessionCount())
}

func TestRecoverableDisconnectReconnects(t *testing.T) {
	f := newFixture(t)
	f.provider.Authenticated = true

	_, err := f.registry.Initialize(context.Background(), "org1", "inst1", "", domain.AuthQRCode)
	require.NoError(t, err)
	f.provider.LastSession().EmitConnected()
	waitStatus(t, f, "inst1", "org1", domain.StatusConnected)

	f.provider.LastSession().EmitDisconnected(domain.ReasonConnectionLost)

	// backoff fires and a fresh session is opened
	require.Eventually(t, func() bool {
		return f.provider.SessionCount() == 2
	}, 2*time.Second, time.Millisecond)

	f.provider.LastSession().EmitConnected()
	waitStatus(t, f, "inst1", "org1", domain.StatusConnected)

	// counter reset on successful connect
	key := domain.TenantKey{OrganizationID: "org1", InstanceID: "inst1"}
	require.Eventually(t, func() bool {
		return f.sup.Attempts(key) == 0
	}, 2*time.Second, time.Millisecond)
	h, err := f.registry.History("inst1", "org1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.SuccessfulReconnects)
}

func TestForceReconnectOpensFreshSession(t *testing.T) {
	f := newFixture(t)
	f.provider.Authenticated = true

	_, err := f.registry.Initialize(context.Background(), "org1", "inst1", "", domain.AuthQRCode)
	require.NoError(t, err)
	f.provider.LastSession().EmitConnected()
	waitStatus(t, f, "inst1", "org1", domain.StatusConnected)

	require.NoError(t, f.registry.ForceReconnect("inst1", "org1"))
	require.Eventually(t, func() bool {
		return f.provider.SessionCount() == 2
	}, 2*time.Second, time.Millisecond)

	assert.ErrorIs(t, f.registry.ForceReconnect("ghost", "org1"), ErrNotFound)
}

func TestDisconnectDuringInFlightReconnect(t *testing.T) {
	f := newFixture(t)
	f.provider.Authenticated = true

	_, err := f.registry.Initialize(context.Background(), "org1", "inst1", "", domain.AuthQRCode)
	require.NoError(t, err)
	f.provider.LastSession().EmitConnected()
	waitStatus(t, f, "inst1", "org1", domain.StatusConnected)

	// stall the next transport open so a teardown can race it
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	f.provider.OpenHook = func() {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}

	require.NoError(t, f.registry.ForceReconnect("inst1", "org1"))
	<-entered

	// deliberate teardown completes while the reconnect is mid-open
	require.NoError(t, f.registry.Disconnect(context.Background(), "inst1", "org1"))
	assert.Equal(t, 0, f.registry.Count())

	close(gate)

	// the late session must be closed again, not left as a live orphan
	require.Eventually(t, func() bool {
		return f.provider.SessionCount() == 2 && f.provider.LastSession().Disconnects() > 0
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, 0, f.registry.Count())
	key := domain.TenantKey{OrganizationID: "org1", InstanceID: "inst1"}
	rec, err := f.sessions.LoadRecord(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, rec, "purged session record must stay purged")
}

func TestInitializeRejectsUnusableIDs(t *testing.T) {
	f := newFixture(t)

	cases := []struct{ org, instance string }{
		{"../evil", "inst1"},
		{"org1", "a/b"},
		{"org1", `a\b`},
		{"org1", ".."},
		{"org1", "."},
		{"", "inst1"},
		{"org1", ""},
	}
	for _, tc := range cases {
		_, err := f.registry.Initialize(context.Background(), tc.org, tc.instance, "", domain.AuthQRCode)
		assert.ErrorIs(t, err, ErrInvalidTenant, "org=%q instance=%q", tc.org, tc.instance)
	}
	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, 0, f.provider.SessionCount())
}

func TestInboundMessagesReachTheQueue(t *testing.T) {
	f := newFixture(t)
	f.provider.Authenticated = true

	_, err := f.registry.Initialize(context.Background(), "org1", "inst1", "", domain.AuthQRCode)
	require.NoError(t, err)
	sess := f.provider.LastSession()
	sess.EmitConnected()
	waitStatus(t, f, "inst1", "org1", domain.StatusConnected)

	sess.EmitMessage(transporttestMessage("m1", "6281234567@s.whatsapp.net", "hello"))
	sess.EmitMessage(transporttestMessage("m2", "6281234567@s.whatsapp.net", "world"))

	require.Eventually(t, func() bool {
		return len(f.queue.all()) == 2
	}, 2*time.Second, time.Millisecond)

	items := f.queue.all()
	assert.Equal(t, "hello", items[0].Content)
	assert.Equal(t, "world", items[1].Content)
	assert.Equal(t, "org1", items[0].OrganizationID)
	assert.Equal(t, "inst1", items[0].InstanceID)

	health, err := f.registry.Health("inst1", "org1")
	require.NoError(t, err)
	assert.NotNil(t, health.LastActivity)
}

func TestSendTextRequiresConnection(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.Initialize(context.Background(), "org1", "inst1", "", domain.AuthQRCode)
	require.NoError(t, err)

	_, err = f.registry.SendText(context.Background(), "inst1", "org1", "+62 812-3456", "hi")
	assert.ErrorIs(t, err, ErrNotConnected)

	f.provider.LastSession().EmitConnected()
	waitStatus(t, f, "inst1", "org1", domain.StatusConnected)

	id, err := f.registry.SendText(context.Background(), "inst1", "org1", "+62 812-3456", "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	sent := f.provider.LastSession().Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "628123456@s.whatsapp.net", sent[0].To)
	assert.Equal(t, "hi", sent[0].Text)
}

func TestListInstancesFiltersByOrg(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Initialize(context.Background(), "org1", "a", "", domain.AuthQRCode)
	require.NoError(t, err)
	_, err = f.registry.Initialize(context.Background(), "org1", "b", "", domain.AuthQRCode)
	require.NoError(t, err)
	_, err = f.registry.Initialize(context.Background(), "org2", "c", "", domain.AuthQRCode)
	require.NoError(t, err)

	assert.Len(t, f.registry.ListInstances("org1"), 2)
	assert.Len(t, f.registry.ListInstances("org2"), 1)
	assert.Len(t, f.registry.ListInstances(""), 3)
	assert.Equal(t, 3, f.registry.Count())
}

func TestOpenFailureReleasesSlot(t *testing.T) {
	f := newFixture(t)
	f.provider.OpenErr = assert.AnError

	_, err := f.registry.Initialize(context.Background(), "org1", "inst1", "", domain.AuthQRCode)
	require.Error(t, err)
	assert.Equal(t, 0, f.registry.Count())

	// the slot is free again for a second attempt
	f.provider.OpenErr = nil
	_, err = f.registry.Initialize(context.Background(), "org1", "inst1", "", domain.AuthQRCode)
	assert.NoError(t, err)
}

func TestShutdownKeepsDurableSessions(t *testing.T) {
	f := newFixture(t)
	f.provider.Authenticated = true

	_, err := f.registry.Initialize(context.Background(), "org1", "inst1", "", domain.AuthQRCode)
	require.NoError(t, err)
	sess := f.provider.LastSession()
	sess.EmitConnected()
	waitStatus(t, f, "inst1", "org1", domain.StatusConnected)

	f.registry.Shutdown(context.Background())
	assert.Equal(t, 0, f.registry.Count())
	assert.False(t, sess.LoggedOut(), "shutdown must not invalidate credentials")

	key := domain.TenantKey{OrganizationID: "org1", InstanceID: "inst1"}
	rec, err := f.sessions.LoadRecord(context.Background(), key)
	require.NoError(t, err)
	assert.NotNil(t, rec, "metadata must survive shutdown")
}

func TestCleanupSkipsLiveConnections(t *testing.T) {
	f := newFixture(t)

	// a stale tenant on disk only
	old := time.Now().Add(-60 * 24 * time.Hour)
	require.NoError(t, f.sessions.SaveRecord(context.Background(), domain.SessionRecord{
		OrganizationID: "org1", InstanceID: "stale", CreatedAt: old, LastConnected: &old,
	}))

	// a live tenant whose record is just as old
	_, err := f.registry.Initialize(context.Background(), "org1", "live", "", domain.AuthQRCode)
	require.NoError(t, err)
	liveKey := domain.TenantKey{OrganizationID: "org1", InstanceID: "live"}
	rec, err := f.sessions.LoadRecord(context.Background(), liveKey)
	require.NoError(t, err)
	rec.CreatedAt = old
	rec.LastConnected = &old
	require.NoError(t, f.sessions.SaveRecord(context.Background(), *rec))

	removed, err := f.registry.CleanupOldSessions(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	liveRec, err := f.sessions.LoadRecord(context.Background(), liveKey)
	require.NoError(t, err)
	assert.NotNil(t, liveRec, "live tenant must survive the sweep")
	staleRec, err := f.sessions.LoadRecord(context.Background(), domain.TenantKey{
		OrganizationID: "org1", InstanceID: "stale",
	})
	require.NoError(t, err)
	assert.Nil(t, staleRec)
}

func transporttestMessage(id, sender, text string) transport.MessageEvent {
	return transport.MessageEvent{
		ID:        id,
		Sender:    sender,
		Timestamp: time.Now(),
		Kind:      domain.MessageText,
		Text:      text,
	}
}

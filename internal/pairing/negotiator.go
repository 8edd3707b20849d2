// Package pairing negotiates the authentication flow for a freshly
// opened transport session.
package pairing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/petzap/wabridge/internal/domain"
	"github.com/petzap/wabridge/internal/notify"
	"github.com/petzap/wabridge/internal/transport"
	"github.com/petzap/wabridge/pkg/metrics"
)

// codeValidity is how long a pairing code stays usable after issuance.
const codeValidity = 60 * time.Second

// Result is the immediate outcome of negotiation. When the status is
// connecting the flow continues asynchronously on the event stream.
type Result struct {
	Status      domain.ConnectionStatus
	PairingCode string
	ExpiresAt   time.Time
}

// Negotiator selects pairing-code or scannable-code authentication.
type Negotiator struct {
	notifier *notify.Notifier
}

func NewNegotiator(n *notify.Notifier) *Negotiator {
	return &Negotiator{notifier: n}
}

// Negotiate runs the auth decision for one session. A restored session
// skips pairing entirely. The pairing-code flow needs a declared phone
// number; issuance failure falls back to the scannable-code flow,
// observable only through notifications and the fallback counter.
func (n *Negotiator) Negotiate(ctx context.Context, key domain.TenantKey, sess transport.Session, phone string, preferred domain.AuthMethod) Result {
	if sess.Authenticated() {
		return Result{Status: domain.StatusConnecting}
	}
	if preferred != domain.AuthPairingCode || phone == "" {
		return Result{Status: domain.StatusConnecting}
	}

	code, err := sess.RequestPairingCode(ctx, phone)
	if err != nil {
		metrics.PairingFallbacks.Inc()
		zap.L().Warn("pairing code unavailable, falling back to QR",
			zap.String("tenant", key.String()),
			zap.Error(err))
		return Result{Status: domain.StatusConnecting}
	}

	expires := time.Now().Add(codeValidity)
	n.notifier.Emit(notify.EventPairingCode, map[string]interface{}{
		"organization_id": key.OrganizationID,
		"instance_id":     key.InstanceID,
		"pairing_code":    code,
		"expires_at":      expires,
	})
	zap.L().Info("pairing code issued",
		zap.String("tenant", key.String()))
	return Result{Status: domain.StatusPairingPending, PairingCode: code, ExpiresAt: expires}
}

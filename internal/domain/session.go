package domain

import "time"

// SessionRecord is the durable per-tenant session metadata persisted
// alongside the transport credential files.
type SessionRecord struct {
	OrganizationID string     `json:"organization_id"`
	InstanceID     string     `json:"instance_id"`
	AuthMethod     AuthMethod `json:"auth_method"`
	PhoneNumber    string     `json:"phone_number,omitempty"`
	LastConnected  *time.Time `json:"last_connected,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Key returns the tenant key this record belongs to.
func (r SessionRecord) Key() TenantKey {
	return TenantKey{OrganizationID: r.OrganizationID, InstanceID: r.InstanceID}
}

// SessionStats summarizes the durable session tier for operators.
type SessionStats struct {
	Total     int            `json:"total"`
	ByOrg     map[string]int `json:"by_org"`
	OldestAge time.Duration  `json:"oldest_age"`
	NewestAge time.Duration  `json:"newest_age"`
}

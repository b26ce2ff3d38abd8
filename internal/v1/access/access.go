// Package access maps an optional API key to the capability set a connection
// is granted. Restriction happens at policy level; individual keys can only
// add capabilities on top of the policy baseline.
package access

import (
	"context"

	"go.uber.org/zap"

	"github.com/syncroom/server/internal/v1/logging"
)

// Permissions is the capability set computed once at login; it is immutable
// for the life of the connection.
type Permissions struct {
	Connect bool
	Host    bool
}

// None grants nothing.
func None() Permissions { return Permissions{} }

// ConnectOnly grants connecting but not hosting.
func ConnectOnly() Permissions { return Permissions{Connect: true} }

// All grants every capability.
func All() Permissions { return Permissions{Connect: true, Host: true} }

// Policy is the process-wide restriction switch. A restricted capability is
// only granted through a matching API key.
type Policy struct {
	RestrictConnect bool `yaml:"restrict_connect"`
	RestrictHost    bool `yaml:"restrict_host"`
}

// Key is one configured API key and the capabilities it grants.
type Key struct {
	Key     string `yaml:"key"`
	Connect bool   `yaml:"connect"`
	Host    bool   `yaml:"host"`
}

// Config is the access section of the server configuration, loaded once at
// startup.
type Config struct {
	Policy Policy `yaml:"api_policy"`
	Keys   []Key  `yaml:"api_keys"`
}

// Manager answers permission lookups against a fixed configuration.
type Manager struct {
	config Config
}

func NewManager(config Config) *Manager {
	return &Manager{config: config}
}

// Permissions resolves the capability set for an optional API key.
//
// The baseline is what the policy leaves unrestricted. A missing or unknown
// key yields the baseline unchanged; a matching key ORs its grants on top, so
// a key can never downgrade a capability below the baseline.
func (m *Manager) Permissions(key *string) Permissions {
	baseline := Permissions{
		Connect: !m.config.Policy.RestrictConnect,
		Host:    !m.config.Policy.RestrictHost,
	}

	if key == nil {
		logging.Debug(context.Background(), "No API key provided, using baseline permissions")
		return baseline
	}

	var matched *Key
	for i := range m.config.Keys {
		if m.config.Keys[i].Key == *key {
			matched = &m.config.Keys[i]
			break
		}
	}
	if matched == nil {
		logging.Debug(context.Background(), "Unknown API key, using baseline permissions")
		return baseline
	}

	perms := Permissions{
		Connect: baseline.Connect || matched.Connect,
		Host:    baseline.Host || matched.Host,
	}
	logging.Debug(context.Background(), "API key matched",
		zap.Bool("connect", perms.Connect), zap.Bool("host", perms.Host))
	return perms
}

// Package store persists user accounts and their device bindings.
package store

import (
	"errors"
	"sort"
	"time"

	"indotex-license-server/internal/credential"
)

var (
	ErrNotFound = errors.New("user not found")
	ErrExists   = errors.New("user already exists")
)

// DeviceRecord is the state kept for one bound device. The device id (the
// fingerprint) is the map key, not a field; nothing in here changes on a
// repeat login, so re-authentication on a known device is a pure no-op.
type DeviceRecord struct {
	ActivatedAt time.Time `json:"activated_at"`
}

// UserAccount is the canonical stored record for one username. Records read
// back from the store always have this shape; older shapes are upgraded on
// load (see normalize.go).
type UserAccount struct {
	Username   string                  `json:"username"`
	Credential credential.Credential   `json:"credential"`
	Devices    map[string]DeviceRecord `json:"devices"`
	MaxDevices int                     `json:"max_devices"`
	ExpiresAt  *time.Time              `json:"expires_at,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
}

// DeviceIDs returns the bound device ids, sorted.
func (a *UserAccount) DeviceIDs() []string {
	ids := make([]string, 0, len(a.Devices))
	for id := range a.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Expired reports whether the license is strictly past its expiration at
// the given instant. An absent expiration never expires.
func (a *UserAccount) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// Store is the durable keyed collection of user accounts.
//
// Transact is the only way to mutate an existing record. It runs fn inside
// a single write transaction, serialized against every other mutation on
// the store, so a check made inside fn still holds when the record is
// written back. An error from fn aborts without persisting.
type Store interface {
	Close() error

	Get(username string) (*UserAccount, error)
	List() ([]*UserAccount, error)
	Create(acc *UserAccount) error
	Delete(username string) error
	Transact(username string, fn func(acc *UserAccount) error) error
}

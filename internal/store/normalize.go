package store

import (
	"bytes"
	"encoding/json"
	"time"

	"indotex-license-server/internal/credential"
)

// wireRecord tolerates every record shape the store has ever held: the
// canonical UserAccount plus the legacy fields the original deployment
// wrote (a plaintext "password", an "expiration" of whatever type, missing
// devices/max_devices).
type wireRecord struct {
	Username   string                  `json:"username"`
	Credential *credential.Credential  `json:"credential"`
	Password   string                  `json:"password"`
	Devices    map[string]DeviceRecord `json:"devices"`
	MaxDevices int                     `json:"max_devices"`
	ExpiresAt  json.RawMessage         `json:"expires_at"`
	Expiration json.RawMessage         `json:"expiration"`
	CreatedAt  time.Time               `json:"created_at"`
}

// decodeRecord upgrades a stored record to the canonical shape. The changed
// flag tells the caller whether the upgrade must be persisted; decoding an
// already-canonical record reports changed=false, which keeps normalization
// a fixed point.
func decodeRecord(v []byte) (*UserAccount, bool, error) {
	var w wireRecord
	if err := json.Unmarshal(v, &w); err != nil {
		return nil, false, err
	}

	changed := false
	acc := &UserAccount{
		Username:   w.Username,
		Devices:    w.Devices,
		MaxDevices: w.MaxDevices,
		CreatedAt:  w.CreatedAt,
	}

	if w.Credential != nil {
		acc.Credential = *w.Credential
		if w.Password != "" {
			// Plaintext leftover next to a real credential. Drop it.
			changed = true
		}
	} else {
		// The one place plaintext-at-rest becomes salted-at-rest. A record
		// with neither field still gets a credential (of the empty
		// password) so every later stage sees the canonical shape.
		c, err := credential.Hash(w.Password)
		if err != nil {
			return nil, false, err
		}
		acc.Credential = c
		changed = true
	}

	if acc.Devices == nil {
		acc.Devices = map[string]DeviceRecord{}
		changed = true
	}
	if acc.MaxDevices < 1 {
		acc.MaxDevices = 1
		changed = true
	}

	raw := w.ExpiresAt
	if len(raw) == 0 && len(w.Expiration) > 0 {
		raw = w.Expiration
		changed = true
	}
	if t, ok := parseExpiry(raw); ok {
		acc.ExpiresAt = &t
	} else if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		// Unparsable expiration never blocks login; drop it rather than
		// poison the record.
		changed = true
	}

	return acc, changed, nil
}

// parseExpiry accepts the expiration encodings seen in the wild: RFC 3339
// or a bare calendar date. Anything else reads as "no expiration".
func parseExpiry(raw json.RawMessage) (time.Time, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

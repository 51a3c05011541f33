// Package license implements the validation engine: credential check,
// expiration enforcement, and device-slot admission.
package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"indotex-license-server/internal/credential"
	"indotex-license-server/internal/device"
	"indotex-license-server/internal/metrics"
	"indotex-license-server/internal/store"
)

// LoginRequest is one validation attempt. Device carries the raw client
// descriptor; empty is allowed and fingerprints like any other value.
type LoginRequest struct {
	Username string
	Password string
	Device   string
}

// LoginResult is the success shape. Whether the device was already known or
// newly bound shows up only in Message; the structure is identical.
type LoginResult struct {
	Username string
	Message  string
	Devices  []string
}

// Validator runs the login stages in order: lookup, credential check,
// expiration check, device admission. Only admission writes, and its
// check-then-insert runs inside a store transaction, so concurrent logins
// for one user cannot push the device count past the limit. The validator
// keeps no state between calls.
type Validator struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewValidator(st store.Store, logger *slog.Logger) *Validator {
	return &Validator{
		store:  st,
		logger: logger.With("component", "validator"),
		now:    time.Now,
	}
}

func (v *Validator) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	acc, err := v.store.Get(req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Burn the same derivation cost as a real credential check so
			// response timing does not separate this stage from the next.
			_, _ = credential.Hash(req.Password)
			return nil, v.reject(ctx, req.Username, newError(CodeUserNotFound, "unknown username"))
		}
		return nil, v.reject(ctx, req.Username, StoreError(err))
	}

	// The expensive derivation runs against a snapshot read, outside the
	// write lock.
	ok, err := credential.Verify(req.Password, acc.Credential)
	if err != nil {
		return nil, v.reject(ctx, req.Username, &Error{
			Code: CodeCorruptCredential, Message: "stored credential unreadable", Err: err,
		})
	}
	if !ok {
		return nil, v.reject(ctx, req.Username, newError(CodeInvalidCredential, "invalid password"))
	}

	now := v.now()
	if acc.Expired(now) {
		return nil, v.reject(ctx, req.Username, newError(CodeLicenseExpired, "license expired"))
	}

	deviceID := device.Fingerprint(req.Device)
	var (
		res       *LoginResult
		newDevice bool
	)
	err = v.store.Transact(req.Username, func(acc *store.UserAccount) error {
		// Snapshot checks may be stale by now; everything the admission
		// decision depends on is re-evaluated under the write lock.
		if acc.Expired(now) {
			return newError(CodeLicenseExpired, "license expired")
		}
		if _, known := acc.Devices[deviceID]; known {
			res = &LoginResult{
				Username: acc.Username,
				Message:  "device already registered",
				Devices:  acc.DeviceIDs(),
			}
			return nil
		}
		if len(acc.Devices) >= acc.MaxDevices {
			return &Error{
				Code:       CodeDeviceLimit,
				Message:    fmt.Sprintf("device limit reached (%d of %d in use)", len(acc.Devices), acc.MaxDevices),
				MaxDevices: acc.MaxDevices,
				Devices:    acc.DeviceIDs(),
			}
		}
		acc.Devices[deviceID] = store.DeviceRecord{ActivatedAt: now}
		newDevice = true
		res = &LoginResult{
			Username: acc.Username,
			Message:  "device registered",
			Devices:  acc.DeviceIDs(),
		}
		return nil
	})
	if err != nil {
		var lerr *Error
		if errors.As(err, &lerr) {
			return nil, v.reject(ctx, req.Username, lerr)
		}
		if errors.Is(err, store.ErrNotFound) {
			// Deleted between the snapshot read and the transaction.
			return nil, v.reject(ctx, req.Username, newError(CodeUserNotFound, "unknown username"))
		}
		return nil, v.reject(ctx, req.Username, StoreError(err))
	}

	metrics.LoginAttempts.WithLabelValues("OK").Inc()
	if newDevice {
		metrics.DeviceRegistrations.Inc()
	}
	v.logger.InfoContext(ctx, "login ok",
		"username", req.Username,
		"device_id", deviceID,
		"new_device", newDevice,
		"devices", len(res.Devices),
	)
	return res, nil
}

func (v *Validator) reject(ctx context.Context, username string, e *Error) *Error {
	metrics.LoginAttempts.WithLabelValues(string(e.Code)).Inc()
	v.logger.InfoContext(ctx, "login rejected", "username", username, "code", string(e.Code))
	return e
}

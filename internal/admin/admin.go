// Package admin implements the administrative commands consumed by
// external consoles (HTTP API, Telegram bot). The service holds no state
// of its own; callers bring their own authentication context.
package admin

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"indotex-license-server/internal/credential"
	"indotex-license-server/internal/license"
	"indotex-license-server/internal/store"
)

const dateLayout = "2006-01-02"

// ExpirationNever, passed as the expiration in EditUser, clears a
// previously set expiration.
const ExpirationNever = "none"

type Service struct {
	store  store.Store
	logger *slog.Logger
}

func NewService(st store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger.With("component", "admin")}
}

// CreateUser adds a new account with a freshly hashed credential.
// maxDevices below 1 defaults to 1; an empty expiration means the license
// never expires.
func (s *Service) CreateUser(username, password string, maxDevices int, expiration string) (*store.UserAccount, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("username is required")
	}
	if password == "" {
		return nil, errors.New("password is required")
	}
	if maxDevices < 1 {
		maxDevices = 1
	}
	expires, err := parseExpiration(expiration)
	if err != nil {
		return nil, err
	}
	cred, err := credential.Hash(password)
	if err != nil {
		return nil, err
	}

	acc := &store.UserAccount{
		Username:   username,
		Credential: cred,
		Devices:    map[string]store.DeviceRecord{},
		MaxDevices: maxDevices,
		ExpiresAt:  expires,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.Create(acc); err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil, &license.Error{
				Code:    license.CodeUserExists,
				Message: fmt.Sprintf("user %q already exists", username),
			}
		}
		return nil, license.StoreError(err)
	}
	s.logger.Info("user created", "username", username, "max_devices", maxDevices)
	return acc, nil
}

// EditOptions are the per-field edits applied by EditUser. Zero values
// leave the corresponding field untouched; Expiration set to
// ExpirationNever clears the date.
type EditOptions struct {
	Password   string
	MaxDevices int
	Expiration string
}

// EditUser applies opts to an existing account. Devices are never touched
// here: the credential can rotate and the limit can move without unbinding
// anyone. Lowering MaxDevices below the current device count is rejected,
// since bound devices must never exceed the limit.
func (s *Service) EditUser(username string, opts EditOptions) (*store.UserAccount, error) {
	var cred *credential.Credential
	if opts.Password != "" {
		c, err := credential.Hash(opts.Password)
		if err != nil {
			return nil, err
		}
		cred = &c
	}

	clearExpiry := strings.EqualFold(strings.TrimSpace(opts.Expiration), ExpirationNever)
	var expires *time.Time
	if opts.Expiration != "" && !clearExpiry {
		t, err := parseExpiration(opts.Expiration)
		if err != nil {
			return nil, err
		}
		expires = t
	}

	var out *store.UserAccount
	err := s.store.Transact(username, func(acc *store.UserAccount) error {
		if cred != nil {
			acc.Credential = *cred
		}
		if opts.MaxDevices > 0 {
			if opts.MaxDevices < len(acc.Devices) {
				return fmt.Errorf("max devices %d is below the %d devices currently bound; unbind first",
					opts.MaxDevices, len(acc.Devices))
			}
			acc.MaxDevices = opts.MaxDevices
		}
		if clearExpiry {
			acc.ExpiresAt = nil
		} else if expires != nil {
			acc.ExpiresAt = expires
		}
		out = acc
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(username, err)
	}
	s.logger.Info("user edited", "username", username,
		"rotated_credential", cred != nil, "max_devices", opts.MaxDevices)
	return out, nil
}

// UnbindUser clears every device binding, freeing all slots.
func (s *Service) UnbindUser(username string) (*store.UserAccount, error) {
	var out *store.UserAccount
	err := s.store.Transact(username, func(acc *store.UserAccount) error {
		acc.Devices = map[string]store.DeviceRecord{}
		out = acc
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(username, err)
	}
	s.logger.Info("user unbound", "username", username)
	return out, nil
}

// DeleteUser removes the account entirely.
func (s *Service) DeleteUser(username string) error {
	if err := s.store.Delete(username); err != nil {
		return wrapStoreErr(username, err)
	}
	s.logger.Info("user deleted", "username", username)
	return nil
}

// GetUser returns one account.
func (s *Service) GetUser(username string) (*store.UserAccount, error) {
	acc, err := s.store.Get(username)
	if err != nil {
		return nil, wrapStoreErr(username, err)
	}
	return acc, nil
}

// ListUsers returns all accounts, sorted by username. Records are already
// canonical: normalization runs when the store opens.
func (s *Service) ListUsers() ([]*store.UserAccount, error) {
	accs, err := s.store.List()
	if err != nil {
		return nil, license.StoreError(err)
	}
	return accs, nil
}

// parseExpiration accepts YYYY-MM-DD or RFC 3339. Empty means no
// expiration. A failure surfaces as MALFORMED_DATE at command time and
// never reaches the login path.
func parseExpiration(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{dateLayout, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, &license.Error{
		Code:    license.CodeMalformedDate,
		Message: fmt.Sprintf("cannot parse expiration %q (want YYYY-MM-DD)", s),
	}
}

func wrapStoreErr(username string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &license.Error{
			Code:    license.CodeUserNotFound,
			Message: fmt.Sprintf("user %q not found", username),
		}
	}
	// Mutator errors (rule violations) pass through verbatim; front doors
	// treat them as bad requests.
	return err
}

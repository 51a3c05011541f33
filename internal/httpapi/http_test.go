package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"indotex-license-server/internal/admin"
	"indotex-license-server/internal/license"
	"indotex-license-server/internal/store"
)

const testToken = "test-admin-token"

func newTestServer(t *testing.T) (*httptest.Server, *admin.Service) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "store.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	adm := admin.NewService(st, logger)
	api := New(license.NewValidator(st, logger), adm, testToken, logger)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, adm
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginFlow(t *testing.T) {
	srv, adm := newTestServer(t)
	_, err := adm.CreateUser("alice", "pw", 1, "")
	require.NoError(t, err)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/login", "", map[string]any{
		"username": "alice", "password": "pw", "device": "laptop-A",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "alice", body["username"])
	assert.Len(t, body["devices"], 1)

	// Second device: limit reached, capacity detail included.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v1/login", "", map[string]any{
		"username": "alice", "password": "pw", "device": "laptop-B",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, string(license.CodeDeviceLimit), body["code"])
	assert.Equal(t, float64(1), body["max_devices"])
	assert.Len(t, body["devices"], 1)
}

func TestLoginErrorMapping(t *testing.T) {
	srv, adm := newTestServer(t)
	_, err := adm.CreateUser("alice", "pw", 1, "")
	require.NoError(t, err)
	_, err = adm.CreateUser("expired", "pw", 1, "2001-01-01")
	require.NoError(t, err)

	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
		wantCode   string
	}{
		{"unknown user", map[string]any{"username": "ghost", "password": "pw"}, http.StatusNotFound, string(license.CodeUserNotFound)},
		{"wrong password", map[string]any{"username": "alice", "password": "nope"}, http.StatusUnauthorized, string(license.CodeInvalidCredential)},
		{"expired", map[string]any{"username": "expired", "password": "pw"}, http.StatusForbidden, string(license.CodeLicenseExpired)},
		{"missing username", map[string]any{"password": "pw"}, http.StatusBadRequest, ""},
		{"missing password", map[string]any{"username": "alice"}, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/login", "", tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, "error", body["status"])
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, body["code"])
			}
		})
	}
}

func TestAdminRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/users", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/users", "wrong-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminUserLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/users", testToken, map[string]any{
		"username": "alice", "password": "pw", "max_devices": 2, "expiration": "2030-12-31",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "alice", body["username"])
	assert.Equal(t, float64(2), body["max_devices"])
	assert.NotContains(t, body, "credential")
	assert.NotContains(t, body, "password")

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/users", testToken, map[string]any{
		"username": "alice", "password": "pw",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPatch, srv.URL+"/api/users/alice", testToken, map[string]any{
		"max_devices": 5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(5), body["max_devices"])

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/users/alice", testToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/users/alice", testToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/users/alice", testToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminCreateMalformedDate(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/users", testToken, map[string]any{
		"username": "alice", "password": "pw", "expiration": "31/12/2030",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(license.CodeMalformedDate), body["code"])
}

func TestAdminUnbindViaAPI(t *testing.T) {
	srv, adm := newTestServer(t)
	_, err := adm.CreateUser("alice", "pw", 1, "")
	require.NoError(t, err)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/login", "", map[string]any{
		"username": "alice", "password": "pw", "device": "laptop-A",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/login", "", map[string]any{
		"username": "alice", "password": "pw", "device": "laptop-B",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/users/alice/unbind", testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["devices"], 0)

	// A previously rejected device now gets the freed slot.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/login", "", map[string]any{
		"username": "alice", "password": "pw", "device": "laptop-B",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListUsersView(t *testing.T) {
	srv, adm := newTestServer(t)
	_, err := adm.CreateUser("alice", "pw", 1, "")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/users", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var views []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	require.Len(t, views, 1)
	assert.Equal(t, "alice", views[0]["username"])
	assert.NotContains(t, views[0], "credential")
}

package store

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"indotex-license-server/internal/credential"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	st, err := OpenBolt(filepath.Join(t.TempDir(), "store.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newAccount(t *testing.T, username, password string, maxDevices int) *UserAccount {
	t.Helper()
	cred, err := credential.Hash(password)
	require.NoError(t, err)
	return &UserAccount{
		Username:   username,
		Credential: cred,
		Devices:    map[string]DeviceRecord{},
		MaxDevices: maxDevices,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestCreateGetDelete(t *testing.T) {
	st := openTestStore(t)

	acc := newAccount(t, "alice", "pw", 2)
	require.NoError(t, st.Create(acc))
	require.ErrorIs(t, st.Create(acc), ErrExists)

	got, err := st.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, 2, got.MaxDevices)
	assert.NotNil(t, got.Devices)

	_, err = st.Get("bob")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.Delete("alice"))
	assert.ErrorIs(t, st.Delete("alice"), ErrNotFound)
}

func TestTransactPersistsMutation(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.Create(newAccount(t, "alice", "pw", 3)))

	err := st.Transact("alice", func(acc *UserAccount) error {
		acc.Devices["dev-1"] = DeviceRecord{ActivatedAt: time.Now().UTC()}
		return nil
	})
	require.NoError(t, err)

	got, err := st.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-1"}, got.DeviceIDs())
}

func TestTransactErrorRollsBack(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.Create(newAccount(t, "alice", "pw", 1)))

	sentinel := assert.AnError
	err := st.Transact("alice", func(acc *UserAccount) error {
		acc.Devices["dev-1"] = DeviceRecord{ActivatedAt: time.Now()}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	got, err := st.Get("alice")
	require.NoError(t, err)
	assert.Empty(t, got.Devices)
}

func TestTransactMissingUser(t *testing.T) {
	st := openTestStore(t)
	err := st.Transact("ghost", func(acc *UserAccount) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSortedByUsername(t *testing.T) {
	st := openTestStore(t)
	for _, name := range []string{"carol", "alice", "bob"} {
		require.NoError(t, st.Create(newAccount(t, name, "pw", 1)))
	}
	accs, err := st.List()
	require.NoError(t, err)
	require.Len(t, accs, 3)
	assert.Equal(t, "alice", accs[0].Username)
	assert.Equal(t, "bob", accs[1].Username)
	assert.Equal(t, "carol", accs[2].Username)
}

// seedRaw writes raw record bytes straight into the users bucket, bypassing
// normalization, the way a legacy deployment would have left them.
func seedRaw(t *testing.T, path string, records map[string]string) {
	t.Helper()
	db, err := bbolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucketUsers))
		if err != nil {
			return err
		}
		for k, v := range records {
			if err := b.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, db.Close())
}

func readRaw(t *testing.T, path string) map[string]string {
	t.Helper()
	db, err := bbolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	defer db.Close()
	out := map[string]string{}
	require.NoError(t, db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketUsers))
		return b.ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	}))
	return out
}

func TestOpenNormalizesLegacyPlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	seedRaw(t, path, map[string]string{
		"legacy": `{"username":"legacy","password":"oldpw","expiration":"2030-06-15"}`,
	})

	st, err := OpenBolt(path, testLogger())
	require.NoError(t, err)

	acc, err := st.Get("legacy")
	require.NoError(t, err)

	ok, err := credential.Verify("oldpw", acc.Credential)
	require.NoError(t, err)
	assert.True(t, ok, "migrated credential must verify the old plaintext")

	assert.NotNil(t, acc.Devices)
	assert.Equal(t, 1, acc.MaxDevices)
	require.NotNil(t, acc.ExpiresAt)
	assert.Equal(t, 2030, acc.ExpiresAt.Year())

	// The plaintext must be gone from disk.
	require.NoError(t, st.Close())
	raw := readRaw(t, path)
	assert.NotContains(t, raw["legacy"], "oldpw")
	assert.NotContains(t, raw["legacy"], `"password"`)
}

func TestNormalizationIsFixedPoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	seedRaw(t, path, map[string]string{
		"legacy": `{"username":"legacy","password":"pw"}`,
	})

	st, err := OpenBolt(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	first := readRaw(t, path)

	st, err = OpenBolt(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	second := readRaw(t, path)

	assert.Equal(t, first, second, "second open must rewrite nothing")
}

func TestOpenDropsUnparsableExpiration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	seedRaw(t, path, map[string]string{
		"odd": `{"username":"odd","password":"pw","expiration":12345}`,
	})

	st, err := OpenBolt(path, testLogger())
	require.NoError(t, err)
	defer st.Close()

	acc, err := st.Get("odd")
	require.NoError(t, err)
	assert.Nil(t, acc.ExpiresAt, "unparsable expiration reads as never-expires")
}

func TestOpenSkipsCorruptRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	seedRaw(t, path, map[string]string{
		"broken": `{{{not json`,
		"fine":   `{"username":"fine","password":"pw"}`,
	})

	st, err := OpenBolt(path, testLogger())
	require.NoError(t, err, "one corrupt record must not block the store")
	defer st.Close()

	_, err = st.Get("fine")
	assert.NoError(t, err)
}

func TestImportLegacyFile(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "users.json")
	payload := []map[string]any{
		{"username": "alice", "password": "pw-a", "max_devices": 2},
		{"username": "bob", "password": "pw-b", "expiration": "2031-01-01"},
		{"password": "no-name"},
	}
	buf, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(legacy, buf, 0o600))

	st, err := OpenBolt(filepath.Join(dir, "store.db"), testLogger())
	require.NoError(t, err)
	defer st.Close()

	n, err := st.ImportLegacyFile(legacy)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the record without a username is skipped")

	alice, err := st.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, 2, alice.MaxDevices)
	ok, err := credential.Verify("pw-a", alice.Credential)
	require.NoError(t, err)
	assert.True(t, ok)

	// Importing again touches nothing.
	n, err = st.ImportLegacyFile(legacy)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestImportLegacyFileMissing(t *testing.T) {
	st := openTestStore(t)
	n, err := st.ImportLegacyFile(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

package account

import (
	"strings"
	"testing"
	"time"

	"github.com/aeolun/peerchat/pkg/protocol"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func hashed(t testing.TB, password string) []byte {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return h
}

func newTestRegistry(t testing.TB, blockDuration time.Duration) *Registry {
	t.Helper()
	reg := NewRegistry(blockDuration)
	require.NoError(t, reg.Add("alice", hashed(t, "pw1")))
	require.NoError(t, reg.Add("bob", hashed(t, "pw2")))
	return reg
}

func TestCheckCredentialsLockout(t *testing.T) {
	reg := newTestRegistry(t, 60*time.Second)

	assert.Equal(t, protocol.StatusPassword, reg.CheckCredentials("alice", "wrongpw", epoch))
	assert.Equal(t, protocol.StatusPassword, reg.CheckCredentials("alice", "wrongpw", epoch))
	assert.Equal(t, protocol.StatusBlock, reg.CheckCredentials("alice", "wrongpw", epoch))

	// Locked: even the right password is refused.
	assert.Equal(t, protocol.StatusBlocked, reg.CheckCredentials("alice", "pw1", epoch.Add(59*time.Second)))

	// Expiry is evaluated lazily at the next attempt.
	assert.Equal(t, protocol.StatusSuccess, reg.CheckCredentials("alice", "pw1", epoch.Add(60*time.Second)))
	alice, _ := reg.Lookup("alice")
	assert.True(t, alice.Online())
	assert.Equal(t, 0, alice.LoginAttempts())
}

func TestCheckCredentialsAfterExpiryRestartsCount(t *testing.T) {
	reg := newTestRegistry(t, 10*time.Second)

	for i := 0; i < 2; i++ {
		reg.CheckCredentials("bob", "nope", epoch)
	}
	require.Equal(t, protocol.StatusBlock, reg.CheckCredentials("bob", "nope", epoch))

	later := epoch.Add(time.Minute)
	assert.Equal(t, protocol.StatusPassword, reg.CheckCredentials("bob", "nope", later))
	assert.Equal(t, protocol.StatusPassword, reg.CheckCredentials("bob", "nope", later))
	assert.Equal(t, protocol.StatusBlock, reg.CheckCredentials("bob", "nope", later))
}

func TestCheckCredentialsStatuses(t *testing.T) {
	reg := newTestRegistry(t, time.Minute)

	assert.Equal(t, protocol.StatusUsername, reg.CheckCredentials("carol", "pw", epoch))
	assert.Equal(t, protocol.StatusSuccess, reg.CheckCredentials("alice", "pw1", epoch))
	assert.Equal(t, protocol.StatusOnline, reg.CheckCredentials("alice", "pw1", epoch))

	alice, _ := reg.Lookup("alice")
	login, ok := alice.LastLogin()
	assert.True(t, ok)
	assert.Equal(t, epoch, login)
}

func TestSuccessResetsAttempts(t *testing.T) {
	reg := newTestRegistry(t, time.Minute)

	reg.CheckCredentials("alice", "x", epoch)
	reg.CheckCredentials("alice", "x", epoch)
	require.Equal(t, protocol.StatusSuccess, reg.CheckCredentials("alice", "pw1", epoch))

	alice, _ := reg.Lookup("alice")
	alice.GoOffline(epoch.Add(time.Second))
	assert.Equal(t, protocol.StatusPassword, reg.CheckCredentials("alice", "x", epoch.Add(2*time.Second)))
	assert.Equal(t, protocol.StatusPassword, reg.CheckCredentials("alice", "x", epoch.Add(2*time.Second)))
}

func TestWasOnline(t *testing.T) {
	a := New("alice", nil)
	assert.False(t, a.WasOnline(epoch), "never logged in")

	a.GoOnline(epoch)
	assert.True(t, a.WasOnline(epoch.Add(-time.Hour)), "online now")

	a.GoOffline(epoch.Add(time.Hour))
	assert.False(t, a.WasOnline(epoch.Add(-time.Second)))
	assert.True(t, a.WasOnline(epoch))
	assert.True(t, a.WasOnline(epoch.Add(59*time.Minute)))
	assert.False(t, a.WasOnline(epoch.Add(time.Hour)))
}

func TestBlockUnblockIdempotent(t *testing.T) {
	a := New("bob", nil)

	assert.True(t, a.Block("alice"))
	assert.False(t, a.Block("alice"))
	assert.True(t, a.HasBlocked("alice"))
	assert.False(t, a.HasBlocked("carol"))

	// Not validated against the registry.
	assert.True(t, a.Block("nobody"))

	assert.True(t, a.Unblock("alice"))
	assert.False(t, a.Unblock("alice"))
	assert.False(t, a.HasBlocked("alice"))
}

func TestOfflineQueueDrain(t *testing.T) {
	a := New("bob", nil)
	a.Enqueue(protocol.Packet{Type: protocol.TypeMessage, Payload: "one", Sender: "alice", Dest: "bob"})
	a.Enqueue(protocol.Packet{Type: protocol.TypeMessage, Payload: "two", Sender: "carol", Dest: "bob"})
	assert.Equal(t, 2, a.Pending())

	drained := a.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "one", drained[0].Payload)
	assert.Equal(t, "carol", drained[1].Sender)
	assert.Empty(t, a.Drain())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := newTestRegistry(t, time.Minute)
	err := reg.Add("alice", hashed(t, "other"))
	assert.ErrorIs(t, err, ErrDuplicate)

	names := []string{}
	for _, a := range reg.Accounts() {
		names = append(names, a.Username())
	}
	assert.Equal(t, []string{"alice", "bob"}, names)
	assert.True(t, reg.Exists("bob"))
	assert.False(t, reg.Exists("carol"))
}

func TestLoadSeed(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	input := strings.Join([]string{
		"alice pw1",
		"",
		"bob   correct horse battery",
		"alice pw-dup",
		"loner",
		"",
	}, "\n")

	reg, err := Load(strings.NewReader(input), SeedOptions{BlockDuration: time.Minute, PasswordCost: bcrypt.MinCost})
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, time.Minute, reg.BlockDuration())

	// First occurrence wins.
	assert.Equal(t, protocol.StatusSuccess, reg.CheckCredentials("alice", "pw1", epoch))
	assert.Equal(t, protocol.StatusSuccess, reg.CheckCredentials("bob", "correct horse battery", epoch))

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile("/nonexistent/credentials.txt", SeedOptions{})
	assert.Error(t, err)
}

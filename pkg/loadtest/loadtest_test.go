package loadtest

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/peerchat/pkg/account"
	"github.com/aeolun/peerchat/pkg/logging"
	"github.com/aeolun/peerchat/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestMain(m *testing.M) {
	logging.Silence()
	m.Run()
}

const seed = "alice pw1\nbob pw2\n\ncarol two words\nbroken\n"

func TestReadCredentials(t *testing.T) {
	creds, err := ReadCredentials(strings.NewReader(seed))
	require.NoError(t, err)
	assert.Equal(t, []Credential{
		{"alice", "pw1"},
		{"bob", "pw2"},
		{"carol", "two words"},
	}, creds)
}

func TestRunRequiresCredentials(t *testing.T) {
	_, err := Run(context.Background(), Options{Duration: time.Millisecond})
	assert.Error(t, err)
}

func TestRunAgainstServer(t *testing.T) {
	accounts, err := account.Load(strings.NewReader(seed), account.SeedOptions{
		BlockDuration: time.Minute,
		PasswordCost:  bcrypt.MinCost,
	})
	require.NoError(t, err)
	srv := server.NewServer(server.Config{BlockDuration: time.Minute}, accounts, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	_, portStr, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	creds, err := ReadCredentials(strings.NewReader(seed))
	require.NoError(t, err)
	creds = append(creds, Credential{"alice", "wrong"})

	snap, err := Run(context.Background(), Options{
		Host:        "127.0.0.1",
		Port:        port,
		Credentials: creds,
		Duration:    400 * time.Millisecond,
		MinDelay:    5 * time.Millisecond,
		MaxDelay:    15 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Zero(t, snap.ConnectErrors)
	assert.Equal(t, int64(1), snap.LoginFailures, "the second alice is refused")
	assert.Positive(t, snap.Sent)
	assert.Positive(t, snap.Received)
	assert.Zero(t, snap.ActiveBots)
	for _, a := range accounts.Accounts() {
		assert.False(t, a.Online(), "%s still online", a.Username())
	}
}

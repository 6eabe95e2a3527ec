package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/peerchat/pkg/account"
	"github.com/aeolun/peerchat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordActiveSessions(1)
		m.RecordLogin(protocol.StatusSuccess)
		m.RecordBroadcastFanout(2, 1)
		m.RecordProcessDuration(time.Millisecond)
	})
}

func TestMetricsCountTraffic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	accounts, err := account.Load(strings.NewReader(seedAccounts), account.SeedOptions{PasswordCost: bcrypt.MinCost})
	require.NoError(t, err)
	srv := NewServer(Config{BlockDuration: time.Minute}, accounts, m)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	s := &journeyServer{srv: srv, addr: loopbackAddr(t, srv)}
	c := s.dialTCP(t)
	require.Equal(t, protocol.StatusPassword, c.login(t, "alice", "nope"))
	require.Equal(t, protocol.StatusSuccess, c.login(t, "alice", "pw1"))
	c.message(t, "bob", "queued")
	c.command(t, protocol.TypeWhoElse, "")
	c.expectNotice(t, "No other users online")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.logins.WithLabelValues("SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.logins.WithLabelValues("PASSWORD")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.offlineQueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.onlineUsers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsCreated))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.packetsReceived.WithLabelValues("LOGIN")))
}

func TestHealthHandler(t *testing.T) {
	s := startJourneyServer(t, nil)
	c := s.dialTCP(t)
	require.Equal(t, protocol.StatusSuccess, c.login(t, "alice", "pw1"))

	rec := httptest.NewRecorder()
	s.srv.HealthHandler(rec, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
		Online   int    `json:"online"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Sessions)
	assert.Equal(t, 1, body.Online)
}

func TestMetricsIdleTimeoutIsALogout(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	accounts, err := account.Load(strings.NewReader(seedAccounts), account.SeedOptions{PasswordCost: bcrypt.MinCost})
	require.NoError(t, err)
	srv := NewServer(Config{BlockDuration: time.Minute, Timeout: 200 * time.Millisecond}, accounts, m)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	s := &journeyServer{srv: srv, addr: loopbackAddr(t, srv)}
	c := s.dialTCP(t)
	require.Equal(t, protocol.StatusSuccess, c.login(t, "alice", "pw1"))
	c.expect(t, protocol.TypeTimeout)

	require.Equal(t, protocol.StatusSuccess, c.login(t, "alice", "pw1"))
	c.command(t, protocol.TypeLogout, "")
	c.expect(t, protocol.TypeLogout)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.logouts.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.logouts.WithLabelValues("logout")))
	// The connection is still up, so nothing counts as a disconnect.
	assert.Equal(t, 0, testutil.CollectAndCount(m.disconnects))
}

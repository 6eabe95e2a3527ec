package server

import (
	"time"

	"github.com/aeolun/peerchat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics records
// nothing, which keeps tests free of registration conflicts.
type Metrics struct {
	activeSessions   prometheus.Gauge
	onlineUsers      prometheus.Gauge
	sessionsCreated  prometheus.Counter
	disconnects      *prometheus.CounterVec
	logouts          *prometheus.CounterVec
	packetsReceived  *prometheus.CounterVec
	packetsSent      *prometheus.CounterVec
	logins           *prometheus.CounterVec
	broadcastFanout  prometheus.Histogram
	broadcastBlocked prometheus.Counter
	offlineQueued    prometheus.Counter
	processDuration  prometheus.Histogram
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "peerchat_active_sessions",
			Help: "Connections currently held by the server.",
		}),
		onlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "peerchat_online_users",
			Help: "Accounts currently logged in.",
		}),
		sessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "peerchat_sessions_created_total",
			Help: "Connections accepted since start.",
		}),
		disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peerchat_session_disconnects_total",
			Help: "Session endings by reason.",
		}, []string{"reason"}),
		logouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peerchat_logouts_total",
			Help: "Accounts leaving the online set while the connection stays up or closes cleanly, by reason.",
		}, []string{"reason"}),
		packetsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peerchat_packets_received_total",
			Help: "Packets received by type.",
		}, []string{"type"}),
		packetsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peerchat_packets_sent_total",
			Help: "Packets sent by type.",
		}, []string{"type"}),
		logins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peerchat_login_attempts_total",
			Help: "Login attempts by resulting status.",
		}, []string{"status"}),
		broadcastFanout: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "peerchat_broadcast_fanout",
			Help:    "Recipients reached per broadcast.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		broadcastBlocked: f.NewCounter(prometheus.CounterOpts{
			Name: "peerchat_broadcast_blocked_total",
			Help: "Broadcast recipients skipped because they blocked the sender.",
		}),
		offlineQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "peerchat_offline_messages_queued_total",
			Help: "Messages queued for offline recipients.",
		}),
		processDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "peerchat_packet_process_seconds",
			Help:    "Time spent handling one inbound packet, lock wait included.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) RecordActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordSessionDisconnected(reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason).Inc()
}

// RecordLogout counts an account going offline through LOGOUT, EXIT or an
// idle timeout. Timeouts keep the connection, so they are not disconnects.
func (m *Metrics) RecordLogout(reason string) {
	if m == nil {
		return
	}
	m.logouts.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordPacketReceived(t protocol.PacketType) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) RecordPacketSent(t protocol.PacketType) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) RecordLogin(status protocol.LoginStatus) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) RecordBroadcastFanout(delivered, blocked int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(delivered))
	m.broadcastBlocked.Add(float64(blocked))
}

func (m *Metrics) RecordOfflineQueued() {
	if m == nil {
		return
	}
	m.offlineQueued.Inc()
}

func (m *Metrics) RecordProcessDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.processDuration.Observe(d.Seconds())
}

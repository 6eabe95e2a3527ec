// Package loadtest drives many scripted chat users against a running server.
//
// Each bot logs in with one seeded account, then alternates broadcasts,
// direct messages and whoelse round trips until the run ends. Whoelse round
// trips give the latency figure.
package loadtest

import (
	"bufio"
	"context"
	"io"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/peerchat/pkg/account"
	"github.com/aeolun/peerchat/pkg/protocol"
	"github.com/aeolun/peerchat/pkg/transport"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

const replyTimeout = 10 * time.Second

// Credential is one account a bot can log in as.
type Credential struct {
	Username string
	Password string
}

// ReadCredentials parses the server's credentials format.
func ReadCredentials(r io.Reader) ([]Credential, error) {
	var creds []Credential
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		user, pass, ok := account.SplitCredentials(line)
		if !ok {
			continue
		}
		creds = append(creds, Credential{Username: user, Password: pass})
	}
	return creds, errors.Wrap(scanner.Err(), "read credentials")
}

// Options configures a run.
type Options struct {
	Host        string
	Port        int
	WebSocket   bool
	Credentials []Credential
	Duration    time.Duration
	MinDelay    time.Duration
	MaxDelay    time.Duration
	// RampUp spreads bot logins over this window.
	RampUp time.Duration
	// ReportEvery logs running totals at this interval. Zero disables.
	ReportEvery time.Duration
}

// Stats are updated concurrently by every bot.
type Stats struct {
	sent          atomic.Int64
	received      atomic.Int64
	roundTrips    atomic.Int64
	totalLatency  atomic.Int64 // microseconds
	timeouts      atomic.Int64
	connectErrors atomic.Int64
	loginFailures atomic.Int64
	disconnects   atomic.Int64
	activeBots    atomic.Int64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Sent          int64
	Received      int64
	RoundTrips    int64
	AvgLatency    time.Duration
	Timeouts      int64
	ConnectErrors int64
	LoginFailures int64
	Disconnects   int64
	ActiveBots    int64
}

func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Sent:          s.sent.Load(),
		Received:      s.received.Load(),
		RoundTrips:    s.roundTrips.Load(),
		Timeouts:      s.timeouts.Load(),
		ConnectErrors: s.connectErrors.Load(),
		LoginFailures: s.loginFailures.Load(),
		Disconnects:   s.disconnects.Load(),
		ActiveBots:    s.activeBots.Load(),
	}
	if snap.RoundTrips > 0 {
		snap.AvgLatency = time.Duration(s.totalLatency.Load()/snap.RoundTrips) * time.Microsecond
	}
	return snap
}

// Run starts one bot per credential and blocks until they all finish or ctx
// is cancelled.
func Run(ctx context.Context, opts Options) (Snapshot, error) {
	if len(opts.Credentials) == 0 {
		return Snapshot{}, errors.New("no credentials to log in with")
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}

	ctx, cancel := context.WithTimeout(ctx, opts.RampUp+opts.Duration)
	defer cancel()

	stats := &Stats{}
	if opts.ReportEvery > 0 {
		go report(ctx, stats, opts.ReportEvery)
	}

	stagger := opts.RampUp / time.Duration(len(opts.Credentials))
	var wg sync.WaitGroup
	for i, cred := range opts.Credentials {
		wg.Add(1)
		go func(id int, cred Credential) {
			defer wg.Done()
			b := &bot{id: id, cred: cred, stats: stats, peers: opts.Credentials}
			b.run(ctx, opts)
		}(i, cred)

		if stagger > 0 {
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
			}
		}
	}
	wg.Wait()

	snap := stats.Snapshot()
	logger.WithFields(logrus.Fields{
		"sent":           snap.Sent,
		"received":       snap.Received,
		"round_trips":    snap.RoundTrips,
		"avg_latency":    snap.AvgLatency,
		"timeouts":       snap.Timeouts,
		"connect_errors": snap.ConnectErrors,
		"login_failures": snap.LoginFailures,
		"disconnects":    snap.Disconnects,
	}).Info("load test finished")
	return snap, nil
}

func report(ctx context.Context, stats *Stats, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ticker.C:
			snap := stats.Snapshot()
			logger.WithFields(logrus.Fields{
				"bots":        snap.ActiveBots,
				"sent":        snap.Sent,
				"rate":        float64(snap.Sent) / time.Since(start).Seconds(),
				"received":    snap.Received,
				"avg_latency": snap.AvgLatency,
			}).Info("load test progress")
		case <-ctx.Done():
			return
		}
	}
}

type bot struct {
	id    int
	cred  Credential
	peers []Credential
	stats *Stats
	conn  *protocol.Conn

	// replies carries SERVER packets that answer this bot's own requests.
	replies chan protocol.Packet
	exited  chan struct{}
}

func (b *bot) dial(ctx context.Context, opts Options) error {
	var nc net.Conn
	var err error
	if opts.WebSocket {
		nc, err = transport.Dial(ctx, opts.Host, opts.Port)
	} else {
		var d net.Dialer
		nc, err = d.DialContext(ctx, "tcp", net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)))
	}
	if err != nil {
		return err
	}
	b.conn = protocol.NewConn(nc)
	return nil
}

func (b *bot) run(ctx context.Context, opts Options) {
	log := logger.WithFields(logrus.Fields{"bot": b.id, "user": b.cred.Username})

	if err := b.dial(ctx, opts); err != nil {
		b.stats.connectErrors.Add(1)
		log.WithError(err).Debug("connect failed")
		return
	}
	defer b.conn.Close()

	if err := b.login(); err != nil {
		b.stats.loginFailures.Add(1)
		log.WithError(err).Debug("login failed")
		return
	}
	b.stats.activeBots.Add(1)
	defer b.stats.activeBots.Add(-1)

	b.replies = make(chan protocol.Packet, 16)
	b.exited = make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		b.readLoop()
	}()

	b.loop(ctx, opts)

	b.send(protocol.NewPacket(protocol.TypeExit, ""))
	select {
	case <-b.exited:
	case <-readerDone:
	case <-time.After(replyTimeout):
		b.stats.timeouts.Add(1)
	}
}

func (b *bot) login() error {
	if err := b.conn.WritePacket(protocol.NewPacket(protocol.TypeLogin, b.cred.Username+" "+b.cred.Password)); err != nil {
		return err
	}
	if err := b.conn.SetReadDeadline(time.Now().Add(replyTimeout)); err != nil {
		return err
	}
	defer b.conn.SetReadDeadline(time.Time{})

	for {
		p, err := b.conn.ReadPacket()
		if err != nil {
			return err
		}
		if p.Type != protocol.TypeLogin {
			continue
		}
		if status := protocol.LoginStatus(p.Payload); status != protocol.StatusSuccess {
			return errors.Errorf("login status %s", status)
		}
		return nil
	}
}

func (b *bot) readLoop() {
	for {
		p, err := b.conn.ReadPacket()
		if err != nil {
			return
		}
		b.stats.received.Add(1)

		switch p.Type {
		case protocol.TypeExit:
			close(b.exited)
			return
		case protocol.TypeTimeout:
			b.stats.disconnects.Add(1)
			return
		case protocol.TypeServer:
			if isPresenceNotice(p.Payload) {
				continue
			}
			select {
			case b.replies <- p:
			default:
			}
		}
	}
}

func isPresenceNotice(text string) bool {
	return strings.HasSuffix(text, " logged in") || strings.HasSuffix(text, " logged out")
}

func (b *bot) loop(ctx context.Context, opts Options) {
	for {
		switch n := rand.Intn(10); {
		case n < 5:
			b.send(protocol.NewPacket(protocol.TypeBroadcast, randomText()))
		case n < 8:
			peer := b.peers[rand.Intn(len(b.peers))].Username
			if peer != b.cred.Username {
				b.send(protocol.Packet{Type: protocol.TypeMessage, Payload: randomText(), Dest: peer})
			}
		default:
			b.roundTrip(ctx)
		}

		delay := opts.MinDelay
		if span := opts.MaxDelay - opts.MinDelay; span > 0 {
			delay += time.Duration(rand.Int63n(int64(span)))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// roundTrip times a whoelse request against its reply.
func (b *bot) roundTrip(ctx context.Context) {
	// Stale replies, such as block notices, would skew the timing.
	for len(b.replies) > 0 {
		<-b.replies
	}

	start := time.Now()
	if !b.send(protocol.NewPacket(protocol.TypeWhoElse, "")) {
		return
	}
	select {
	case <-b.replies:
		b.stats.roundTrips.Add(1)
		b.stats.totalLatency.Add(time.Since(start).Microseconds())
	case <-time.After(replyTimeout):
		b.stats.timeouts.Add(1)
	case <-ctx.Done():
	}
}

func (b *bot) send(p protocol.Packet) bool {
	if err := b.conn.WritePacket(p); err != nil {
		b.stats.disconnects.Add(1)
		return false
	}
	b.stats.sent.Add(1)
	return true
}

func randomText() string {
	n := 5 + rand.Intn(16)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

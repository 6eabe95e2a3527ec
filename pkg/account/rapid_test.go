package account

import (
	"fmt"
	"testing"
	"time"

	"github.com/aeolun/peerchat/pkg/protocol"
	"golang.org/x/crypto/bcrypt"
	"pgregory.net/rapid"
)

var lockoutHash []byte

func init() {
	h, err := bcrypt.GenerateFromPassword([]byte("right"), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	lockoutHash = h
}

// TestLockoutProperty checks that three failures lock the account until
// blockDuration has passed, and that the lock is only lifted by a later attempt.
func TestLockoutProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		blockSecs := rapid.IntRange(1, 3600).Draw(t, "blockSecs")
		blockDuration := time.Duration(blockSecs) * time.Second

		reg := NewRegistry(blockDuration)
		if err := reg.Add("alice", lockoutHash); err != nil {
			t.Fatal(err)
		}

		start := epoch
		for i := 1; i <= MaxLoginAttempts; i++ {
			got := reg.CheckCredentials("alice", "wrong", start)
			want := protocol.StatusPassword
			if i == MaxLoginAttempts {
				want = protocol.StatusBlock
			}
			if got != want {
				t.Fatalf("attempt %d: got %s, want %s", i, got, want)
			}
		}

		inside := rapid.IntRange(0, blockSecs*1000-1).Draw(t, "insideMillis")
		password := rapid.SampledFrom([]string{"right", "wrong"}).Draw(t, "password")
		if got := reg.CheckCredentials("alice", password, start.Add(time.Duration(inside)*time.Millisecond)); got != protocol.StatusBlocked {
			t.Fatalf("inside lock window: got %s", got)
		}

		after := rapid.IntRange(0, 10000).Draw(t, "afterMillis")
		at := start.Add(blockDuration + time.Duration(after)*time.Millisecond)
		got := reg.CheckCredentials("alice", password, at)
		want := protocol.StatusPassword
		if password == "right" {
			want = protocol.StatusSuccess
		}
		if got != want {
			t.Fatalf("after expiry with %q: got %s, want %s", password, got, want)
		}
	})
}

// TestWasOnlineInterval checks wasOnline against a logged-out session [L, O).
func TestWasOnlineInterval(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		loginAt := rapid.IntRange(0, 10000).Draw(t, "login")
		length := rapid.IntRange(1, 10000).Draw(t, "length")
		probe := rapid.IntRange(-1000, 25000).Draw(t, "probe")

		a := New("bob", nil)
		a.GoOnline(epoch.Add(time.Duration(loginAt) * time.Second))
		if !a.WasOnline(epoch.Add(time.Duration(probe) * time.Second)) {
			t.Fatalf("online account reported offline at %d", probe)
		}

		a.GoOffline(epoch.Add(time.Duration(loginAt+length) * time.Second))
		want := probe >= loginAt && probe < loginAt+length
		if got := a.WasOnline(epoch.Add(time.Duration(probe) * time.Second)); got != want {
			t.Fatalf("session [%d,%d) probe %d: got %v, want %v", loginAt, loginAt+length, probe, got, want)
		}
	})
}

// TestOfflineQueueFIFO checks that drained packets come back exactly once in
// the order they were queued.
func TestOfflineQueueFIFO(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 50).Draw(t, "n")
		a := New("bob", nil)

		var want []protocol.Packet
		for i := 0; i < n; i++ {
			p := protocol.Packet{
				Type:    protocol.TypeMessage,
				Payload: fmt.Sprintf("%d:%s", i, rapid.String().Draw(t, "body")),
				Sender:  rapid.SampledFrom([]string{"alice", "carol", "dave"}).Draw(t, "sender"),
				Dest:    "bob",
			}
			a.Enqueue(p)
			want = append(want, p)
		}

		got := a.Drain()
		if len(got) != len(want) {
			t.Fatalf("drained %d packets, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("packet %d: got %+v, want %+v", i, got[i], want[i])
			}
		}
		if rest := a.Drain(); len(rest) != 0 {
			t.Fatalf("second drain returned %d packets", len(rest))
		}
	})
}

// Package account holds per-user chat state and the registry of all accounts.
//
// Accounts are not internally synchronised. The server serialises every
// access behind its session registry lock.
package account

import (
	"time"

	"github.com/aeolun/peerchat/pkg/protocol"
	"golang.org/x/crypto/bcrypt"
)

// MaxLoginAttempts is the number of consecutive failures that locks an account.
const MaxLoginAttempts = 3

// Account is one user's credentials, presence, lockout state, block list and
// offline queue. Zero time values stand for "never".
type Account struct {
	username     string
	passwordHash []byte

	online        bool
	lockedOut     bool
	lockedSince   time.Time
	loginAttempts int

	blocked map[string]struct{}

	lastLogin  time.Time
	lastLogout time.Time

	offline []protocol.Packet
}

// New creates a logged-out account from a bcrypt hash.
func New(username string, passwordHash []byte) *Account {
	return &Account{
		username:     username,
		passwordHash: passwordHash,
		blocked:      make(map[string]struct{}),
	}
}

func (a *Account) Username() string { return a.username }

func (a *Account) Online() bool { return a.online }

func (a *Account) LoginAttempts() int { return a.loginAttempts }

// LastLogin returns the most recent login instant and whether there was one.
func (a *Account) LastLogin() (time.Time, bool) {
	return a.lastLogin, !a.lastLogin.IsZero()
}

// LastLogout returns the most recent logout instant and whether there was one.
func (a *Account) LastLogout() (time.Time, bool) {
	return a.lastLogout, !a.lastLogout.IsZero()
}

// CheckPassword compares password against the stored hash. Every call counts
// as an attempt; a match resets the counter.
func (a *Account) CheckPassword(password string) bool {
	a.loginAttempts++
	if bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) != nil {
		return false
	}
	a.loginAttempts = 0
	return true
}

// LockedOut reports whether the account is locked at now. A lock older than
// blockDuration is lifted here, and the attempt counter restarts.
func (a *Account) LockedOut(now time.Time, blockDuration time.Duration) bool {
	if !a.lockedOut {
		return false
	}
	if lockExpired(a.lockedSince, now, blockDuration) {
		a.lockedOut = false
		a.lockedSince = time.Time{}
		a.loginAttempts = 0
		return false
	}
	return true
}

func lockExpired(lockedSince, now time.Time, blockDuration time.Duration) bool {
	return !now.Before(lockedSince.Add(blockDuration))
}

// Lock locks the account out starting at now.
func (a *Account) Lock(now time.Time) {
	a.lockedOut = true
	a.lockedSince = now
}

func (a *Account) GoOnline(now time.Time) {
	a.online = true
	a.lastLogin = now
}

func (a *Account) GoOffline(now time.Time) {
	a.online = false
	a.lastLogout = now
}

// WasOnline reports whether the account was online at t. Only the most recent
// login/logout pair is known, so earlier sessions are invisible.
func (a *Account) WasOnline(t time.Time) bool {
	if a.online {
		return true
	}
	if a.lastLogin.IsZero() || a.lastLogin.After(t) {
		return false
	}
	return a.lastLogout.IsZero() || a.lastLogout.After(t)
}

// Block adds u to the accounts this one refuses traffic from. It reports
// false if u was already blocked.
func (a *Account) Block(u string) bool {
	if _, ok := a.blocked[u]; ok {
		return false
	}
	a.blocked[u] = struct{}{}
	return true
}

// Unblock reports false if u was not blocked.
func (a *Account) Unblock(u string) bool {
	if _, ok := a.blocked[u]; !ok {
		return false
	}
	delete(a.blocked, u)
	return true
}

// HasBlocked reports whether this account refuses traffic from u.
func (a *Account) HasBlocked(u string) bool {
	_, ok := a.blocked[u]
	return ok
}

// Enqueue appends a packet to the offline queue.
func (a *Account) Enqueue(p protocol.Packet) {
	a.offline = append(a.offline, p)
}

// Drain returns the offline queue in arrival order and empties it.
func (a *Account) Drain() []protocol.Packet {
	queued := a.offline
	a.offline = nil
	return queued
}

// Pending returns the offline queue length.
func (a *Account) Pending() int { return len(a.offline) }

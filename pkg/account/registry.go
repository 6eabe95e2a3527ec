package account

import (
	"time"

	"github.com/aeolun/peerchat/pkg/protocol"
	"github.com/pkg/errors"
)

// ErrDuplicate is returned when a username is added twice.
var ErrDuplicate = errors.New("duplicate username")

// Registry is the fixed set of accounts, keyed by username. Membership only
// changes while seeding.
type Registry struct {
	accounts      map[string]*Account
	order         []string
	blockDuration time.Duration
}

// NewRegistry creates an empty registry whose lockouts last blockDuration.
func NewRegistry(blockDuration time.Duration) *Registry {
	return &Registry{
		accounts:      make(map[string]*Account),
		blockDuration: blockDuration,
	}
}

// Add registers a new account. The first registration of a name wins.
func (r *Registry) Add(username string, passwordHash []byte) error {
	if _, ok := r.accounts[username]; ok {
		return errors.Wrap(ErrDuplicate, username)
	}
	r.accounts[username] = New(username, passwordHash)
	r.order = append(r.order, username)
	return nil
}

// Lookup returns the account for username.
func (r *Registry) Lookup(username string) (*Account, bool) {
	a, ok := r.accounts[username]
	return a, ok
}

func (r *Registry) Exists(username string) bool {
	_, ok := r.accounts[username]
	return ok
}

// Accounts returns every account in registration order.
func (r *Registry) Accounts() []*Account {
	out := make([]*Account, 0, len(r.order))
	for _, u := range r.order {
		out = append(out, r.accounts[u])
	}
	return out
}

func (r *Registry) Len() int { return len(r.order) }

func (r *Registry) BlockDuration() time.Duration { return r.blockDuration }

// CheckCredentials runs one login attempt at now. On SUCCESS the account is
// marked online; the third consecutive wrong password locks it.
func (r *Registry) CheckCredentials(username, password string, now time.Time) protocol.LoginStatus {
	a, ok := r.accounts[username]
	if !ok {
		return protocol.StatusUsername
	}
	if a.Online() {
		return protocol.StatusOnline
	}
	if a.LockedOut(now, r.blockDuration) {
		return protocol.StatusBlocked
	}
	if a.CheckPassword(password) {
		a.GoOnline(now)
		return protocol.StatusSuccess
	}
	if a.LoginAttempts() >= MaxLoginAttempts {
		a.Lock(now)
		return protocol.StatusBlock
	}
	return protocol.StatusPassword
}

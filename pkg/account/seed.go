package account

import (
	"bufio"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// SeedOptions controls how a credentials source is turned into a Registry.
type SeedOptions struct {
	BlockDuration time.Duration
	// PasswordCost is the bcrypt cost used to hash seed passwords.
	// Values outside bcrypt's range fall back to bcrypt.DefaultCost.
	PasswordCost int
}

// Load reads "username password" lines. The password is the remainder of the
// line after the first run of whitespace. Blank lines are ignored; malformed
// lines and repeated usernames are logged and skipped.
func Load(r io.Reader, opts SeedOptions) (*Registry, error) {
	cost := opts.PasswordCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}

	reg := NewRegistry(opts.BlockDuration)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		username, password, ok := SplitCredentials(line)
		if !ok {
			logger.WithField("line", lineNo).Warn("skipping credentials line without a password")
			continue
		}
		if reg.Exists(username) {
			logger.WithFields(logrus.Fields{"line": lineNo, "user": username}).Warn("skipping duplicate username")
			continue
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
		if err != nil {
			return nil, errors.Wrapf(err, "hash password for %s", username)
		}
		if err := reg.Add(username, hash); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read credentials")
	}
	return reg, nil
}

// LoadFile opens path and calls Load.
func LoadFile(path string, opts SeedOptions) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open credentials")
	}
	defer f.Close()

	reg, err := Load(f, opts)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	logger.WithFields(logrus.Fields{"path": path, "accounts": reg.Len()}).Info("loaded credentials")
	return reg, nil
}

// SplitCredentials parses one trimmed, non-blank credentials line.
func SplitCredentials(line string) (username, password string, ok bool) {
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return "", "", false
	}
	username = line[:i]
	password = strings.TrimSpace(line[i+1:])
	return username, password, password != ""
}

package client

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrUsage matches every *UsageError.
	ErrUsage = errors.New("invalid usage")
	// ErrUnknownCommand is returned for a command word not in the table.
	ErrUnknownCommand = errors.New("invalid command")
)

// UsageError reports a command used with the wrong number of arguments.
type UsageError struct {
	Command string
	Usage   string
}

func (e *UsageError) Error() string {
	return "Invalid use of " + e.Command + ": " + e.Usage
}

func (e *UsageError) Is(target error) bool { return target == ErrUsage }

// Command is one parsed line of operator input.
type Command struct {
	Name    string
	Target  string // user argument, when the command takes one
	Text    string // raw remainder for message, private and broadcast
	Seconds int    // whoelsesince only
}

type commandSpec struct {
	usage     string
	minTokens int
	maxTokens int // 0 means unbounded
}

// Token counts include the command word itself.
var commandTable = map[string]commandSpec{
	"whoelse":      {"whoelse", 1, 1},
	"logout":       {"logout", 1, 1},
	"exit":         {"exit", 1, 1},
	"whoelsesince": {"whoelsesince <seconds>", 2, 2},
	"block":        {"block <user>", 2, 2},
	"unblock":      {"unblock <user>", 2, 2},
	"startprivate": {"startprivate <user>", 2, 2},
	"stopprivate":  {"stopprivate <user>", 2, 2},
	"message":      {"message <user> <message>", 3, 0},
	"private":      {"private <user> <message>", 3, 0},
	"broadcast":    {"broadcast <message>", 2, 0},
}

// ParseCommand validates line against the command table. Message text keeps
// its inner spacing.
func ParseCommand(line string) (Command, error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return Command{}, ErrUnknownCommand
	}

	name := tokens[0]
	spec, ok := commandTable[name]
	if !ok {
		return Command{}, errors.Wrap(ErrUnknownCommand, name)
	}
	if len(tokens) < spec.minTokens || (spec.maxTokens > 0 && len(tokens) > spec.maxTokens) {
		return Command{}, &UsageError{Command: name, Usage: spec.usage}
	}

	cmd := Command{Name: name}
	_, rest := cutWord(line)
	switch name {
	case "broadcast":
		cmd.Text = rest
	case "message", "private":
		cmd.Target, cmd.Text = cutWord(rest)
	case "whoelsesince":
		n, err := strconv.Atoi(tokens[1])
		if err != nil || n < 0 {
			return Command{}, &UsageError{Command: name, Usage: spec.usage}
		}
		cmd.Seconds = n
	case "block", "unblock", "startprivate", "stopprivate":
		cmd.Target = tokens[1]
	}
	return cmd, nil
}

// cutWord splits off the first whitespace-delimited word. rest starts at the
// first non-space character after it.
func cutWord(s string) (word, rest string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i:], " \t")
}

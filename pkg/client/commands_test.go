package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want Command
	}{
		{"whoelse", Command{Name: "whoelse"}},
		{"  logout  ", Command{Name: "logout"}},
		{"exit", Command{Name: "exit"}},
		{"whoelsesince 60", Command{Name: "whoelsesince", Seconds: 60}},
		{"block bob", Command{Name: "block", Target: "bob"}},
		{"unblock bob", Command{Name: "unblock", Target: "bob"}},
		{"startprivate bob", Command{Name: "startprivate", Target: "bob"}},
		{"stopprivate bob", Command{Name: "stopprivate", Target: "bob"}},
		{"message bob hi there", Command{Name: "message", Target: "bob", Text: "hi there"}},
		{"message bob  spaced   out ", Command{Name: "message", Target: "bob", Text: "spaced   out "}},
		{"private bob psst", Command{Name: "private", Target: "bob", Text: "psst"}},
		{"broadcast hello all", Command{Name: "broadcast", Text: "hello all"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommandUsage(t *testing.T) {
	tests := []struct {
		line  string
		usage string
	}{
		{"whoelse now", "Invalid use of whoelse: whoelse"},
		{"logout please", "Invalid use of logout: logout"},
		{"whoelsesince", "Invalid use of whoelsesince: whoelsesince <seconds>"},
		{"whoelsesince soon", "Invalid use of whoelsesince: whoelsesince <seconds>"},
		{"whoelsesince -5", "Invalid use of whoelsesince: whoelsesince <seconds>"},
		{"block", "Invalid use of block: block <user>"},
		{"block bob carol", "Invalid use of block: block <user>"},
		{"message bob", "Invalid use of message: message <user> <message>"},
		{"private", "Invalid use of private: private <user> <message>"},
		{"broadcast", "Invalid use of broadcast: broadcast <message>"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := ParseCommand(tt.line)
			require.ErrorIs(t, err, ErrUsage)
			assert.Equal(t, tt.usage, err.Error())
		})
	}
}

func TestParseCommandUnknown(t *testing.T) {
	for _, line := range []string{"", "   ", "dance", "Message bob hi"} {
		_, err := ParseCommand(line)
		assert.ErrorIs(t, err, ErrUnknownCommand, "line %q", line)
	}
}

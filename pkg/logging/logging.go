// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"strings"
	"time"

	"github.com/aeolun/peerchat/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Setup sets the standard logger's level and formatter. Unknown levels fall
// back to fallback.
func Setup(level string, fallback logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = time.RFC3339
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = fallback
	}
	logrus.SetLevel(lvl)
}

// Level picks debug when the debug toggle is on, def otherwise.
func Level(debug bool, def logrus.Level) string {
	if debug {
		return logrus.DebugLevel.String()
	}
	return def.String()
}

// Silence discards all log output. Tests call it from TestMain.
func Silence() {
	logrus.SetOutput(io.Discard)
}

// PacketFields describes a packet for structured logs. Payloads are left out
// since LOGIN carries a password.
func PacketFields(p protocol.Packet) logrus.Fields {
	fields := logrus.Fields{
		"type":        p.Type.String(),
		"payload_len": len(p.Payload),
	}
	if p.Sender != "" {
		fields["sender"] = p.Sender
	}
	if p.Dest != "" {
		fields["dest"] = p.Dest
	}
	return fields
}

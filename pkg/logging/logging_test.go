package logging

import (
	"testing"

	"github.com/aeolun/peerchat/pkg/protocol"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestSetupLevels(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)

	Setup("debug", logrus.InfoLevel)
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	Setup("WARN", logrus.InfoLevel)
	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())

	Setup("nonsense", logrus.ErrorLevel)
	assert.Equal(t, logrus.ErrorLevel, logrus.GetLevel())
}

func TestLevel(t *testing.T) {
	assert.Equal(t, "debug", Level(true, logrus.WarnLevel))
	assert.Equal(t, "warning", Level(false, logrus.WarnLevel))
}

func TestPacketFieldsOmitPayload(t *testing.T) {
	fields := PacketFields(protocol.Packet{Type: protocol.TypeLogin, Payload: "alice secret"})
	assert.Equal(t, "LOGIN", fields["type"])
	assert.Equal(t, 12, fields["payload_len"])
	assert.NotContains(t, fields, "sender")
	for _, v := range fields {
		assert.NotEqual(t, "alice secret", v)
	}

	fields = PacketFields(protocol.Packet{Type: protocol.TypeMessage, Sender: "alice", Dest: "bob"})
	assert.Equal(t, "alice", fields["sender"])
	assert.Equal(t, "bob", fields["dest"])
}

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePort(t *testing.T) {
	port, err := parsePort("6465")
	require.NoError(t, err)
	assert.Equal(t, 6465, port)

	for _, bad := range []string{"", "http", "0", "-1", "70000"} {
		_, err := parsePort(bad)
		assert.Error(t, err, "port %q", bad)
	}
}

func TestCommandArgs(t *testing.T) {
	assert.NoError(t, serverCmd.Args(serverCmd, []string{"6465", "60", "120"}))
	assert.Error(t, serverCmd.Args(serverCmd, []string{"1", "2", "3", "4"}))
	assert.NoError(t, clientCmd.Args(clientCmd, []string{"localhost", "6465"}))
	assert.Error(t, clientCmd.Args(clientCmd, []string{"localhost"}))

	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["server"] && names["client"] && names["loadtest"])
}

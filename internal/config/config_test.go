package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, 13700, cfg.Port)
	require.Equal(t, 1024, cfg.MaxConns)
	require.Empty(t, cfg.Peers)
	require.Zero(t, cfg.Verbosity)
}

func TestParseOverridesAndRepeatableFlags(t *testing.T) {
	cfg, err := Parse([]string{
		"-p", "9999",
		"-c", "16",
		"-S", "peerA:13700",
		"-S", "peerB:13700",
		"-vvv",
		"-d",
	})
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Port)
	require.Equal(t, 16, cfg.MaxConns)
	require.Equal(t, []string{"peerA:13700", "peerB:13700"}, cfg.Peers)
	require.Equal(t, 3, cfg.Verbosity)
	require.True(t, cfg.Daemonize)
}

func TestParseRejectsInvalidPort(t *testing.T) {
	_, err := Parse([]string{"-p", "0"})
	require.Error(t, err)
}

func TestParseRejectsMalformedPeer(t *testing.T) {
	_, err := Parse([]string{"-S", "not-a-host-port"})
	require.Error(t, err)
}

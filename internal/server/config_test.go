package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLaunchConfigJSON(t *testing.T) {
	raw, err := launchConfigJSON()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))

	require.Equal(t, "https://opencode.ai/config.json", decoded["$schema"])
	require.Equal(t, false, decoded["lsp"])
	require.Equal(t, false, decoded["formatter"])

	permission, ok := decoded["permission"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, map[string]any{
		"edit":     "allow",
		"bash":     "allow",
		"webfetch": "allow",
	}, permission)
}

func TestInstanceState_String(t *testing.T) {
	require.Equal(t, "starting", StateStarting.String())
	require.Equal(t, "ready", StateReady.String())
	require.Equal(t, "exited", StateExited.String())
	require.Equal(t, "unknown", InstanceState(42).String())
}

func TestInstanceState_IsTerminal(t *testing.T) {
	require.False(t, StateStarting.IsTerminal())
	require.False(t, StateReady.IsTerminal())
	require.True(t, StateExited.IsTerminal())
}

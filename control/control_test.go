package control

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetConfigMergesWithoutClearingOtherKeys(t *testing.T) {
	s := New()
	require.NoError(t, s.SetConfig(map[string]any{"a": 1}))
	require.NoError(t, s.SetConfig(map[string]any{"b": 2}))

	snap := s.GetConfig()
	require.Equal(t, 1, snap["a"])
	require.Equal(t, 2, snap["b"])
}

func TestGetConfigReturnsIndependentSnapshot(t *testing.T) {
	s := New()
	require.NoError(t, s.SetConfig(map[string]any{"a": 1}))

	snap := s.GetConfig()
	snap["a"] = 999

	require.Equal(t, 1, s.GetConfig()["a"])
}

func TestOnReloadFiresInRegistrationOrderOnEverySetConfig(t *testing.T) {
	s := New()
	var order []string
	s.OnReload(func() { order = append(order, "first") })
	s.OnReload(func() { order = append(order, "second") })

	require.NoError(t, s.SetConfig(map[string]any{"a": 1}))
	require.Equal(t, []string{"first", "second"}, order)

	require.NoError(t, s.SetConfig(map[string]any{"b": 2}))
	require.Equal(t, []string{"first", "second", "first", "second"}, order)
}

func TestStatsEvaluatesEveryRegisteredProbe(t *testing.T) {
	s := New()
	s.RegisterDebugProbe("answer", func() any { return 42 })
	s.RegisterDebugProbe("name", func() any { return "colossus" })

	stats := s.Stats()
	require.Equal(t, 42, stats["answer"])
	require.Equal(t, "colossus", stats["name"])
}

func TestRegisterDebugProbeOverwritesSameName(t *testing.T) {
	s := New()
	s.RegisterDebugProbe("x", func() any { return 1 })
	s.RegisterDebugProbe("x", func() any { return 2 })

	require.Equal(t, 2, s.Stats()["x"])
}

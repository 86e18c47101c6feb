package phases

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempPhases(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "phases.json")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad_ValidFileIsUsedVerbatim(t *testing.T) {
	p := writeTempPhases(t, `[
		{"duration": 10, "http": 1, "dns": 0, "ssh": 0, "udp": 0}
	]`)

	sched, err := Load(p, false)
	require.NoError(t, err)
	require.Len(t, sched.Phases, 1)
	assert.Equal(t, 10.0, sched.Phases[0].DurationSec)
	assert.Equal(t, 1.0, sched.Phases[0].HTTPWeight)
}

func TestLoad_WeightsWithinToleranceAreAccepted(t *testing.T) {
	p := writeTempPhases(t, `[
		{"duration": 10, "http": 0.61, "dns": 0.2, "ssh": 0.1, "udp": 0.1}
	]`)

	sched, err := Load(p, false)
	require.NoError(t, err)
	require.Len(t, sched.Phases, 1)
	assert.InDelta(t, 0.61, sched.Phases[0].HTTPWeight, 1e-9)
}

func TestLoad_WeightsNotSummingToOneFallsBackToDefault(t *testing.T) {
	p := writeTempPhases(t, `[
		{"duration": 10, "http": 0.9, "dns": 0, "ssh": 0, "udp": 0}
	]`)

	sched, err := Load(p, false)
	require.NoError(t, err)
	assert.Equal(t, "http-peak", sched.Phases[0].Name)
}

func TestLoad_MissingFileFallsBackToDefault(t *testing.T) {
	sched, err := Load("/nonexistent/phases.json", false)
	require.NoError(t, err)
	assert.Len(t, sched.Phases, 3)
}

func TestLoad_MalformedJSONFallsBackToDefault(t *testing.T) {
	p := writeTempPhases(t, `{not json`)
	sched, err := Load(p, false)
	require.NoError(t, err)
	assert.Equal(t, "http-peak", sched.Phases[0].Name)
}

func TestLoad_LoopFlagCarriesThroughToSchedule(t *testing.T) {
	p := writeTempPhases(t, `[
		{"duration": 10, "http": 1, "dns": 0, "ssh": 0, "udp": 0}
	]`)

	sched, err := Load(p, true)
	require.NoError(t, err)
	assert.True(t, sched.LoopMode)
}

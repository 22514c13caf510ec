package radwin

import (
	"testing"

	"github.com/radgpu/radwin/config"
	"github.com/radgpu/radwin/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestStats(t *testing.T, settings string) error {
	t.Helper()
	l := test.NewLogger()
	c := config.NewC(l)
	if settings != "" {
		require.NoError(t, c.LoadString(settings))
	}
	return StartStats(l, c, "1.2.3", true)
}

func TestStartStats(t *testing.T) {
	// No stats section means no sink, not an error
	assert.NoError(t, startTestStats(t, ""))
	assert.NoError(t, startTestStats(t, "stats:\n  type: none\n"))

	err := startTestStats(t, "stats:\n  type: bogus\n  interval: 10s\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stats.type was not understood")

	err = startTestStats(t, "stats:\n  type: graphite\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stats.interval")

	err = startTestStats(t, "stats:\n  type: graphite\n  interval: 10s\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stats.host")

	err = startTestStats(t, "stats:\n  type: prometheus\n  interval: 10s\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stats.listen")

	assert.NoError(t, startTestStats(t, "stats:\n  type: graphite\n  interval: 10s\n  host: 127.0.0.1:2003\n"))
	assert.NoError(t, startTestStats(t, "stats:\n  type: prometheus\n  interval: 10s\n  listen: 127.0.0.1:0\n  path: /metrics\n"))
}

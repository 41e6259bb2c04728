package eligibility

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAllPass(t *testing.T) {
	c := New(
		PairingProbe(func() bool { return true }),
		DriverProbe(func() bool { return true }),
	)

	res := c.Check(context.Background())
	assert.True(t, res.Eligible)
	assert.Empty(t, res.Reason)
	assert.Empty(t, res.Advice)
}

func TestCheckFirstFailureWins(t *testing.T) {
	c := New(
		PairingProbe(func() bool { return false }),
		DriverProbe(func() bool { return false }),
	)

	res := c.Check(context.Background())
	assert.False(t, res.Eligible)
	assert.Equal(t, "pairing", res.Probe)
	assert.Equal(t, "no point-of-sale pairing stored", res.Reason)
	assert.Contains(t, res.Advice, "Pair the agent")
}

func TestCheckDriverFailure(t *testing.T) {
	c := New(
		PairingProbe(func() bool { return true }),
		DriverProbe(func() bool { return false }),
	)

	res := c.Check(context.Background())
	assert.False(t, res.Eligible)
	assert.Equal(t, "driver", res.Probe)
	assert.Contains(t, res.Advice, "reader driver")
}

func TestCheckNoProbes(t *testing.T) {
	res := New().Check(context.Background())
	assert.True(t, res.Eligible)
}

func TestNetworkProbeReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	c := New(NetworkProbe(func() (string, error) { return ln.Addr().String(), nil }))
	res := c.Check(context.Background())
	assert.True(t, res.Eligible)
}

func TestNetworkProbeUnreachable(t *testing.T) {
	// Port 1 refuses connections on any sane host.
	c := New(NetworkProbe(func() (string, error) { return "127.0.0.1:1", nil }))

	res := c.Check(context.Background())
	assert.False(t, res.Eligible)
	assert.Equal(t, "network", res.Probe)
	assert.Contains(t, res.Reason, "cannot reach")
	assert.Contains(t, res.Advice, "unreachable")
}

func TestNetworkProbeSkipsWhenUnpaired(t *testing.T) {
	c := New(NetworkProbe(func() (string, error) { return "", errors.New("not paired") }))
	res := c.Check(context.Background())
	assert.True(t, res.Eligible)
}

func TestCheckCustomProbe(t *testing.T) {
	c := New(Probe{
		Name:  "network",
		Check: func(ctx context.Context) string { return "origin unreachable" },
	})

	res := c.Check(context.Background())
	assert.False(t, res.Eligible)
	assert.Equal(t, "network", res.Probe)
	assert.Contains(t, res.Advice, "unreachable")
}

// Package eligibility decides whether this host can run contactless
// collection at all. Checks run once at startup and on demand; the first
// failing probe determines the reported reason.
package eligibility

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DiscoveryAdvice lists the likely causes surfaced when no reader turns up
// within the acquisition window.
const DiscoveryAdvice = "likely causes: reader powered off, wrong hardware location, or unreachable point-of-sale origin"

// Probe inspects one precondition and returns a non-empty reason string
// when the precondition fails.
type Probe struct {
	Name  string
	Check func(ctx context.Context) string
}

// Result is the outcome of running all probes.
type Result struct {
	Eligible bool   `json:"eligible"`
	Probe    string `json:"probe,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Advice   string `json:"advice,omitempty"`
}

// Checker runs a fixed sequence of probes.
type Checker struct {
	probes []Probe
}

// New creates a Checker. Probes run in the order given; evaluation stops
// at the first failure.
func New(probes ...Probe) *Checker {
	return &Checker{probes: probes}
}

// Check runs all probes and returns the first failure, or an eligible Result.
func (c *Checker) Check(ctx context.Context) Result {
	for _, p := range c.probes {
		if reason := p.Check(ctx); reason != "" {
			return Result{
				Eligible: false,
				Probe:    p.Name,
				Reason:   reason,
				Advice:   adviceFor(p.Name),
			}
		}
	}
	return Result{Eligible: true}
}

// adviceFor maps a failed probe to operator-facing remediation text.
func adviceFor(probe string) string {
	switch probe {
	case "pairing":
		return "Pair the agent with a point-of-sale link before accepting payments."
	case "driver":
		return "No reader driver is available on this host. Check the terminal configuration."
	case "network":
		return "The point-of-sale origin is unreachable. Check connectivity and the pairing origin."
	default:
		return "This host cannot accept contactless payments."
	}
}

// PairingProbe fails when the supplied check reports no stored pairing.
func PairingProbe(paired func() bool) Probe {
	return Probe{
		Name: "pairing",
		Check: func(ctx context.Context) string {
			if !paired() {
				return "no point-of-sale pairing stored"
			}
			return ""
		},
	}
}

// NetworkProbe fails when the point-of-sale origin is unreachable. endpoint
// resolves the host:port to check; an endpoint error means no pairing is
// stored, which is the pairing probe's finding, not this one's.
func NetworkProbe(endpoint func() (string, error)) Probe {
	return Probe{
		Name: "network",
		Check: func(ctx context.Context) string {
			addr, err := endpoint()
			if err != nil {
				return ""
			}
			d := net.Dialer{Timeout: 3 * time.Second}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return fmt.Sprintf("cannot reach %s: %v", addr, err)
			}
			_ = conn.Close()
			return ""
		},
	}
}

// DriverProbe fails when no terminal driver is configured.
func DriverProbe(available func() bool) Probe {
	return Probe{
		Name: "driver",
		Check: func(ctx context.Context) string {
			if !available() {
				return "no terminal driver available"
			}
			return ""
		},
	}
}

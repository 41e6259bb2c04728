// Package terminal wraps the opaque tap-to-pay reader SDK behind a small
// facade: discover candidate readers, connect to one, and drive a payment
// through retrieve → collect → confirm by opaque intent handle.
//
// The payment object is Stripe's PaymentIntent shape. Real SDK bindings are
// an external capability; this package defines the contract and ships a
// simulated driver that honors it.
package terminal

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v81"
)

// Stage identifies one step of the collection protocol.
type Stage string

const (
	StageDiscover Stage = "discover"
	StageConnect  Stage = "connect"
	StageRetrieve Stage = "retrieve"
	StageCollect  Stage = "collect"
	StageConfirm  Stage = "confirm"
)

// title returns the human-readable stage name used in error messages.
func (s Stage) title() string {
	switch s {
	case StageDiscover:
		return "Discovery"
	case StageConnect:
		return "Connect"
	case StageRetrieve:
		return "Retrieve"
	case StageCollect:
		return "Collect"
	case StageConfirm:
		return "Confirm"
	default:
		return string(s)
	}
}

// Error is a typed stage failure carrying the adapter's error code and message.
type Error struct {
	Stage   Stage
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed [%s]: %s", e.Stage.title(), e.Code, e.Message)
}

// Errf builds a stage error with a formatted message.
func Errf(stage Stage, code string, format string, args ...any) *Error {
	return &Error{Stage: stage, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Reader is one candidate (or bound) payment reader.
type Reader struct {
	ID           string `json:"id"`
	DeviceType   string `json:"device_type"`
	SerialNumber string `json:"serial_number"`
}

// TokenProvider supplies short-lived hardware session tokens. The adapter
// decides when a fresh token is needed; callers never do.
type TokenProvider interface {
	FetchConnectionToken(ctx context.Context) (string, error)
}

// Adapter is the hardware facade. Every operation completes exactly once
// with success or a typed *Error.
type Adapter interface {
	// ConnectedReader returns the currently bound reader, or nil. Snapshot
	// read; safe from any goroutine.
	ConnectedReader() *Reader

	// Discover streams batches of candidate readers until ctx is done.
	// A batch may be empty (keep waiting). The returned channel is closed
	// when discovery stops.
	Discover(ctx context.Context) (<-chan []Reader, error)

	// Connect binds a discovered reader at the given hardware location.
	Connect(ctx context.Context, r Reader, locationID string) error

	// Retrieve loads the payment object addressed by its client secret.
	Retrieve(ctx context.Context, clientSecret string) (*stripe.PaymentIntent, error)

	// Collect runs the contactless payment-method collection on the reader.
	Collect(ctx context.Context, intent *stripe.PaymentIntent) (*stripe.PaymentIntent, error)

	// Confirm finalizes the collected payment.
	Confirm(ctx context.Context, intent *stripe.PaymentIntent) (*stripe.PaymentIntent, error)
}

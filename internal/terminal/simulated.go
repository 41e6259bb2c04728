package terminal

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/tapagent/internal/idgen"
	"github.com/mbd888/tapagent/internal/metrics"
)

// Simulated is an in-memory tap-to-pay driver implementing the full
// collection protocol with honest PaymentIntent status transitions.
// It stands in for the real reader SDK in development and tests.
type Simulated struct {
	mu         sync.Mutex
	tokens     TokenProvider
	logger     *slog.Logger
	reader     *Reader
	locationID string

	discoverDelay  time.Duration
	collectDelay   time.Duration
	reconnectDelay time.Duration
	autoReconnect  bool

	failures map[Stage]*Error
}

var _ Adapter = (*Simulated)(nil)

// SimOption configures the simulated driver.
type SimOption func(*Simulated)

// WithDiscoverDelay sets how long discovery takes to surface the reader.
func WithDiscoverDelay(d time.Duration) SimOption {
	return func(s *Simulated) { s.discoverDelay = d }
}

// WithCollectDelay sets how long the simulated tap takes.
func WithCollectDelay(d time.Duration) SimOption {
	return func(s *Simulated) { s.collectDelay = d }
}

// WithAutoReconnect controls transparent recovery from unexpected disconnects.
func WithAutoReconnect(enabled bool) SimOption {
	return func(s *Simulated) { s.autoReconnect = enabled }
}

// NewSimulated creates a simulated driver. tokens may be nil, in which case
// connects skip the session-token exchange.
func NewSimulated(tokens TokenProvider, logger *slog.Logger, opts ...SimOption) *Simulated {
	s := &Simulated{
		tokens:         tokens,
		logger:         logger,
		collectDelay:   50 * time.Millisecond,
		reconnectDelay: 250 * time.Millisecond,
		autoReconnect:  true,
		failures:       make(map[Stage]*Error),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailStage makes every subsequent call for the stage fail with the given
// code and message, until cleared. For tests and fault drills.
func (s *Simulated) FailStage(stage Stage, code, message string) {
	s.mu.Lock()
	s.failures[stage] = &Error{Stage: stage, Code: code, Message: message}
	s.mu.Unlock()
}

// ClearFailures removes all injected stage failures.
func (s *Simulated) ClearFailures() {
	s.mu.Lock()
	s.failures = make(map[Stage]*Error)
	s.mu.Unlock()
}

func (s *Simulated) injected(stage Stage) *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[stage]
}

// ConnectedReader returns the bound reader, or nil.
func (s *Simulated) ConnectedReader() *Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return nil
	}
	r := *s.reader
	return &r
}

// Discover streams reader batches: one empty batch immediately (discovery
// started, nothing found yet), then the simulated reader after discoverDelay.
// The channel closes when ctx is done.
func (s *Simulated) Discover(ctx context.Context) (<-chan []Reader, error) {
	if err := s.injected(StageDiscover); err != nil {
		return nil, err
	}

	ch := make(chan []Reader, 2)
	go func() {
		defer close(ch)

		ch <- []Reader{}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.discoverDelay):
		}

		candidate := Reader{
			ID:           "sim_reader_1",
			DeviceType:   "simulated_tap_to_pay",
			SerialNumber: "SIM-0001",
		}
		select {
		case <-ctx.Done():
		case ch <- []Reader{candidate}:
		}
		<-ctx.Done()
	}()
	return ch, nil
}

// Connect binds the reader, exchanging the bearer credential for a fresh
// session token first.
func (s *Simulated) Connect(ctx context.Context, r Reader, locationID string) error {
	if err := s.injected(StageConnect); err != nil {
		return err
	}

	if s.tokens != nil {
		if _, err := s.tokens.FetchConnectionToken(ctx); err != nil {
			return Errf(StageConnect, "connection_token_error", "fetch session token: %v", err)
		}
	}

	s.mu.Lock()
	s.reader = &r
	s.locationID = locationID
	s.mu.Unlock()

	metrics.ReaderConnected.Set(1)
	s.logger.Info("reader connected",
		"reader", r.ID,
		"serial", r.SerialNumber,
		"location", locationID,
	)
	return nil
}

// SimulateDisconnect drops the reader as if it vanished mid-session. With
// auto-reconnect enabled the binding is restored after a short delay,
// transparent to callers.
func (s *Simulated) SimulateDisconnect() {
	s.mu.Lock()
	lost := s.reader
	s.reader = nil
	s.mu.Unlock()
	metrics.ReaderConnected.Set(0)

	if lost == nil {
		return
	}
	s.logger.Warn("reader disconnected unexpectedly", "reader", lost.ID)

	if !s.autoReconnect {
		return
	}
	go func() {
		time.Sleep(s.reconnectDelay)
		s.mu.Lock()
		if s.reader == nil {
			s.reader = lost
		}
		s.mu.Unlock()
		metrics.ReaderConnected.Set(1)
		s.logger.Info("reader reconnected", "reader", lost.ID)
	}()
}

// Retrieve loads the payment object for a client secret of the usual
// "{intent_id}_secret_{nonce}" shape.
func (s *Simulated) Retrieve(ctx context.Context, clientSecret string) (*stripe.PaymentIntent, error) {
	if err := s.injected(StageRetrieve); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, Errf(StageRetrieve, "canceled", "%v", ctx.Err())
	}

	idx := strings.Index(clientSecret, "_secret")
	if idx <= 0 {
		return nil, Errf(StageRetrieve, string(stripe.ErrorCodeResourceMissing),
			"no payment intent for client secret")
	}

	return &stripe.PaymentIntent{
		ID:           clientSecret[:idx],
		ClientSecret: clientSecret,
		Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
	}, nil
}

// Collect simulates the contactless tap and moves the intent to
// requires_confirmation.
func (s *Simulated) Collect(ctx context.Context, intent *stripe.PaymentIntent) (*stripe.PaymentIntent, error) {
	if err := s.injected(StageCollect); err != nil {
		return nil, err
	}
	if s.ConnectedReader() == nil {
		return nil, Errf(StageCollect, "not_connected_to_reader", "no reader is connected")
	}
	if intent.Status != stripe.PaymentIntentStatusRequiresPaymentMethod {
		return nil, Errf(StageCollect, "payment_intent_unexpected_state",
			"intent %s is %s", intent.ID, intent.Status)
	}

	select {
	case <-ctx.Done():
		return nil, Errf(StageCollect, "canceled", "%v", ctx.Err())
	case <-time.After(s.collectDelay):
	}

	collected := *intent
	collected.Status = stripe.PaymentIntentStatusRequiresConfirmation
	return &collected, nil
}

// Confirm finalizes the collected intent and attaches the processed charge.
func (s *Simulated) Confirm(ctx context.Context, intent *stripe.PaymentIntent) (*stripe.PaymentIntent, error) {
	if err := s.injected(StageConfirm); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, Errf(StageConfirm, "canceled", "%v", ctx.Err())
	}
	if intent.Status != stripe.PaymentIntentStatusRequiresConfirmation {
		return nil, Errf(StageConfirm, "payment_intent_unexpected_state",
			"intent %s is %s", intent.ID, intent.Status)
	}

	processed := *intent
	processed.Status = stripe.PaymentIntentStatusSucceeded
	processed.LatestCharge = &stripe.Charge{ID: idgen.WithPrefix("ch_sim_")}
	return &processed, nil
}

// Package orchestrator runs the collection state machine: one trigger at a
// time through reader acquisition and retrieve → collect → confirm, then
// journaling, outcome reporting, and channel refresh.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/tapagent/internal/eligibility"
	"github.com/mbd888/tapagent/internal/idgen"
	"github.com/mbd888/tapagent/internal/journal"
	"github.com/mbd888/tapagent/internal/metrics"
	"github.com/mbd888/tapagent/internal/report"
	"github.com/mbd888/tapagent/internal/terminal"
	"github.com/mbd888/tapagent/internal/traces"
	"github.com/mbd888/tapagent/internal/trigger"
)

// State is the orchestrator's externally visible phase.
type State string

const (
	StateIdle           State = "idle"
	StateAwaitingReader State = "awaiting_reader"
	StateCollecting     State = "collecting"
	StateReporting      State = "reporting"
)

// Reconnector refreshes the push channel after an attempt completes.
// Satisfied by channel.Manager.
type Reconnector interface {
	RequestReconnect(ctx context.Context, after time.Duration)
}

// Config holds the timing knobs of the state machine.
type Config struct {
	// DiscoveryTimeout bounds reader acquisition (discovery plus connect).
	DiscoveryTimeout time.Duration
	// SuccessReleaseDelay is how long the busy latch is held after a
	// successful attempt before the next trigger may be accepted.
	SuccessReleaseDelay time.Duration
	// FailureReleaseDelay is the equivalent hold after a failed attempt.
	FailureReleaseDelay time.Duration
	// LocationID resolves the hardware location at connect time, so a
	// re-pair takes effect on the next attempt.
	LocationID func() string
}

// Orchestrator owns the busy latch and drives accepted triggers to a
// terminal outcome. Exactly one collection is ever in flight.
type Orchestrator struct {
	adapter   terminal.Adapter
	store     journal.Store
	reporter  *report.Reporter
	reconnect Reconnector
	cfg       Config
	logger    *slog.Logger

	busy     atomic.Bool
	state    atomic.Value // State
	triggers chan *trigger.Trigger
}

// New creates an orchestrator. reconnect may be nil when no push channel
// is in play (tests, one-shot runs).
func New(adapter terminal.Adapter, store journal.Store, reporter *report.Reporter, reconnect Reconnector, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = 12 * time.Second
	}
	if cfg.SuccessReleaseDelay <= 0 {
		cfg.SuccessReleaseDelay = 500 * time.Millisecond
	}
	if cfg.FailureReleaseDelay <= 0 {
		cfg.FailureReleaseDelay = 800 * time.Millisecond
	}
	if cfg.LocationID == nil {
		cfg.LocationID = func() string { return "" }
	}

	o := &Orchestrator{
		adapter:   adapter,
		store:     store,
		reporter:  reporter,
		reconnect: reconnect,
		cfg:       cfg,
		logger:    logger,
		triggers:  make(chan *trigger.Trigger, 1),
	}
	o.state.Store(StateIdle)
	return o
}

// State returns the current phase. Safe from any goroutine.
func (o *Orchestrator) State() State {
	return o.state.Load().(State)
}

// Busy reports whether a collection attempt is in flight.
func (o *Orchestrator) Busy() bool {
	return o.busy.Load()
}

// HandleMessage is the push-channel consumer. It decodes the payload,
// drops invalid or superfluous triggers, and hands accepted ones to Run.
// Acceptance is decided here, at submission time, so a duplicate arriving
// while an attempt is in flight never reaches the hardware.
func (o *Orchestrator) HandleMessage(ctx context.Context, payload []byte) {
	t, err := trigger.Decode(string(payload))
	if err != nil {
		metrics.TriggersTotal.WithLabelValues("invalid").Inc()
		o.logger.Debug("channel payload ignored", "bytes", len(payload), "error", err)
		return
	}

	if !o.busy.CompareAndSwap(false, true) {
		metrics.TriggersTotal.WithLabelValues("dropped_busy").Inc()
		o.logger.Warn("trigger dropped, collection in flight",
			"payment_intent_id", t.PaymentIntentID)
		return
	}

	metrics.TriggersTotal.WithLabelValues("accepted").Inc()
	o.logger.Info("trigger accepted",
		"payment_intent_id", t.PaymentIntentID,
		"amount", t.Amount,
		"currency", t.Currency)

	select {
	case o.triggers <- t:
	default:
		// Unreachable while the busy latch holds, but never block the
		// consumer goroutine.
		o.busy.Store(false)
	}
}

// Run consumes accepted triggers until ctx is done. Call once, in its own
// goroutine.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-o.triggers:
			o.runAttempt(ctx, t)
		}
	}
}

// runAttempt drives one trigger to a terminal outcome, records and reports
// it, and releases the busy latch after the configured hold.
func (o *Orchestrator) runAttempt(ctx context.Context, t *trigger.Trigger) {
	started := time.Now()
	ctx, span := traces.StartSpan(ctx, "collection.attempt",
		traces.PaymentIntentID(t.PaymentIntentID),
		traces.AmountMinor(t.Amount),
	)
	defer span.End()

	intent, err := o.collect(ctx, t)

	o.state.Store(StateReporting)
	attempt := o.buildAttempt(t, intent, err, started)
	if insErr := o.store.Insert(ctx, attempt); insErr != nil {
		o.logger.Error("journal insert failed", "attempt_id", attempt.ID, "error", insErr)
	}

	metrics.CollectionsTotal.WithLabelValues(attempt.Status).Inc()
	metrics.CollectionDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		o.logger.Error("collection failed",
			"payment_intent_id", t.PaymentIntentID,
			"stage", attempt.FailStage,
			"error", err)
	} else {
		o.logger.Info("collection succeeded",
			"payment_intent_id", t.PaymentIntentID,
			"charge_id", attempt.ChargeID,
			"duration", time.Since(started))
	}

	o.reporter.Deliver(ctx, report.Outcome{
		PaymentIntentID: t.PaymentIntentID,
		TposID:          t.TposID,
		Currency:        t.Currency,
		Amount:          t.Amount,
		ChargeID:        attempt.ChargeID,
		Paid:            err == nil,
		FailStage:       attempt.FailStage,
		FailMessage:     attempt.FailMessage,
	})

	o.release(ctx, err == nil)
}

// collect acquires a reader if needed and runs the three-stage payment
// protocol. Every failure is a typed stage error.
func (o *Orchestrator) collect(ctx context.Context, t *trigger.Trigger) (*stripe.PaymentIntent, error) {
	if o.adapter.ConnectedReader() == nil {
		o.state.Store(StateAwaitingReader)
	}
	if err := o.ensureReader(ctx); err != nil {
		metrics.CollectionStageFailures.WithLabelValues(string(stageOf(err, terminal.StageConnect))).Inc()
		return nil, err
	}

	o.state.Store(StateCollecting)

	sctx, span := traces.StartSpan(ctx, "collection.retrieve", traces.Stage(string(terminal.StageRetrieve)))
	intent, err := o.adapter.Retrieve(sctx, t.ClientSecret)
	span.End()
	if err != nil {
		metrics.CollectionStageFailures.WithLabelValues(string(stageOf(err, terminal.StageRetrieve))).Inc()
		return nil, err
	}

	sctx, span = traces.StartSpan(ctx, "collection.collect", traces.Stage(string(terminal.StageCollect)))
	intent, err = o.adapter.Collect(sctx, intent)
	span.End()
	if err != nil {
		metrics.CollectionStageFailures.WithLabelValues(string(stageOf(err, terminal.StageCollect))).Inc()
		return nil, err
	}

	sctx, span = traces.StartSpan(ctx, "collection.confirm", traces.Stage(string(terminal.StageConfirm)))
	intent, err = o.adapter.Confirm(sctx, intent)
	span.End()
	if err != nil {
		metrics.CollectionStageFailures.WithLabelValues(string(stageOf(err, terminal.StageConfirm))).Inc()
		return nil, err
	}

	return intent, nil
}

// ensureReader returns once a reader is bound or the acquisition watchdog
// fires. A reader surviving from a previous attempt is reused as-is.
func (o *Orchestrator) ensureReader(ctx context.Context) error {
	if r := o.adapter.ConnectedReader(); r != nil {
		o.logger.Debug("reusing connected reader", "reader_id", r.ID)
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, o.cfg.DiscoveryTimeout)
	defer cancel()

	wctx, span := traces.StartSpan(wctx, "collection.acquire_reader")
	defer span.End()

	dctx, stopDiscovery := context.WithCancel(wctx)
	defer stopDiscovery()

	batches, err := o.adapter.Discover(dctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-wctx.Done():
			return terminal.Errf(terminal.StageDiscover, "discovery_timeout",
				"no reader found within %s (%s)", o.cfg.DiscoveryTimeout, eligibility.DiscoveryAdvice)
		case batch, ok := <-batches:
			if !ok {
				if o.adapter.ConnectedReader() != nil {
					return nil
				}
				return terminal.Errf(terminal.StageDiscover, "discovery_ended",
					"discovery stopped without a candidate")
			}
			if len(batch) == 0 {
				continue
			}

			candidate := batch[0]
			stopDiscovery()
			o.logger.Info("reader candidate found",
				"reader_id", candidate.ID,
				"device_type", candidate.DeviceType)

			if err := o.adapter.Connect(wctx, candidate, o.cfg.LocationID()); err != nil {
				return err
			}
			span.SetAttributes(traces.ReaderID(candidate.ID))
			return nil
		}
	}
}

// buildAttempt assembles the journal record for a finished run.
func (o *Orchestrator) buildAttempt(t *trigger.Trigger, intent *stripe.PaymentIntent, err error, started time.Time) *journal.Attempt {
	a := &journal.Attempt{
		ID:              idgen.WithPrefix("att_"),
		PaymentIntentID: t.PaymentIntentID,
		TposID:          t.TposID,
		Currency:        t.Currency,
		Amount:          t.Amount,
		StartedAt:       started,
		FinishedAt:      time.Now(),
	}

	if err == nil {
		a.Status = journal.StatusSucceeded
		if intent != nil && intent.LatestCharge != nil {
			a.ChargeID = intent.LatestCharge.ID
		}
		return a
	}

	a.Status = journal.StatusFailed
	a.FailStage = string(stageOf(err, ""))
	a.FailMessage = err.Error()
	return a
}

// release holds the busy latch for the configured delay, then opens the
// gate and refreshes the push channel so the next trigger arrives on a
// healthy socket.
func (o *Orchestrator) release(ctx context.Context, succeeded bool) {
	delay := o.cfg.SuccessReleaseDelay
	if !succeeded {
		delay = o.cfg.FailureReleaseDelay
	}

	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}

	o.state.Store(StateIdle)
	o.busy.Store(false)

	if o.reconnect != nil && ctx.Err() == nil {
		o.reconnect.RequestReconnect(ctx, 0)
	}
}

// stageOf extracts the stage from a typed stage error, falling back to def.
func stageOf(err error, def terminal.Stage) terminal.Stage {
	var te *terminal.Error
	if errors.As(err, &te) {
		return te.Stage
	}
	return def
}

package terminal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/tapagent/internal/logging"
)

type staticTokens struct {
	token string
	err   error
	calls int
}

func (s *staticTokens) FetchConnectionToken(ctx context.Context) (string, error) {
	s.calls++
	return s.token, s.err
}

func newTestSim(t *testing.T, opts ...SimOption) *Simulated {
	t.Helper()
	return NewSimulated(&staticTokens{token: "pst_test"}, logging.Nop(), opts...)
}

func TestSimulated_DiscoverThenConnect(t *testing.T) {
	sim := newTestSim(t, WithDiscoverDelay(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches, err := sim.Discover(ctx)
	require.NoError(t, err)

	// First batch is empty: discovery started, nothing found yet.
	first := <-batches
	assert.Empty(t, first)

	second := <-batches
	require.Len(t, second, 1)

	require.NoError(t, sim.Connect(ctx, second[0], "loc_1"))
	reader := sim.ConnectedReader()
	require.NotNil(t, reader)
	assert.Equal(t, "sim_reader_1", reader.ID)
}

func TestSimulated_ConnectFetchesSessionToken(t *testing.T) {
	tokens := &staticTokens{token: "pst_test"}
	sim := NewSimulated(tokens, logging.Nop())

	require.NoError(t, sim.Connect(context.Background(), Reader{ID: "r1"}, "loc_1"))
	assert.Equal(t, 1, tokens.calls)
}

func TestSimulated_ConnectFailsWhenTokenFails(t *testing.T) {
	tokens := &staticTokens{err: errors.New("upstream down")}
	sim := NewSimulated(tokens, logging.Nop())

	err := sim.Connect(context.Background(), Reader{ID: "r1"}, "loc_1")
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StageConnect, terr.Stage)
	assert.Equal(t, "connection_token_error", terr.Code)
	assert.Nil(t, sim.ConnectedReader())
}

func TestSimulated_FullCollectionProtocol(t *testing.T) {
	sim := newTestSim(t, WithCollectDelay(time.Millisecond))
	ctx := context.Background()
	require.NoError(t, sim.Connect(ctx, Reader{ID: "r1"}, "loc_1"))

	pi, err := sim.Retrieve(ctx, "pi_42_secret_xyz")
	require.NoError(t, err)
	assert.Equal(t, "pi_42", pi.ID)
	assert.Equal(t, stripe.PaymentIntentStatusRequiresPaymentMethod, pi.Status)

	collected, err := sim.Collect(ctx, pi)
	require.NoError(t, err)
	assert.Equal(t, stripe.PaymentIntentStatusRequiresConfirmation, collected.Status)

	processed, err := sim.Confirm(ctx, collected)
	require.NoError(t, err)
	assert.Equal(t, stripe.PaymentIntentStatusSucceeded, processed.Status)
	require.NotNil(t, processed.LatestCharge)
	assert.NotEmpty(t, processed.LatestCharge.ID)
}

func TestSimulated_RetrieveRejectsMalformedSecret(t *testing.T) {
	sim := newTestSim(t)

	_, err := sim.Retrieve(context.Background(), "garbage")
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StageRetrieve, terr.Stage)
	assert.Equal(t, string(stripe.ErrorCodeResourceMissing), terr.Code)
}

func TestSimulated_CollectRequiresReader(t *testing.T) {
	sim := newTestSim(t)

	pi := &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusRequiresPaymentMethod}
	_, err := sim.Collect(context.Background(), pi)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "not_connected_to_reader", terr.Code)
}

func TestSimulated_ConfirmRejectsWrongState(t *testing.T) {
	sim := newTestSim(t)

	pi := &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusRequiresPaymentMethod}
	_, err := sim.Confirm(context.Background(), pi)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StageConfirm, terr.Stage)
	assert.Equal(t, "payment_intent_unexpected_state", terr.Code)
}

func TestSimulated_InjectedFailure(t *testing.T) {
	sim := newTestSim(t)
	sim.FailStage(StageCollect, string(stripe.ErrorCodeCardDeclined), "card was declined")
	require.NoError(t, sim.Connect(context.Background(), Reader{ID: "r1"}, "loc_1"))

	pi := &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusRequiresPaymentMethod}
	_, err := sim.Collect(context.Background(), pi)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, string(stripe.ErrorCodeCardDeclined), terr.Code)
	assert.Equal(t, "Collect failed [card_declined]: card was declined", terr.Error())

	sim.ClearFailures()
	_, err = sim.Collect(context.Background(), pi)
	assert.NoError(t, err)
}

func TestSimulated_AutoReconnect(t *testing.T) {
	sim := newTestSim(t)
	sim.reconnectDelay = 10 * time.Millisecond
	require.NoError(t, sim.Connect(context.Background(), Reader{ID: "r1"}, "loc_1"))

	sim.SimulateDisconnect()
	assert.Nil(t, sim.ConnectedReader())

	assert.Eventually(t, func() bool {
		return sim.ConnectedReader() != nil
	}, time.Second, 5*time.Millisecond, "reader should auto-reconnect")
}

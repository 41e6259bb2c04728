package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tapagent/internal/config"
	"github.com/mbd888/tapagent/internal/journal"
	"github.com/mbd888/tapagent/internal/logging"
)

func testAgent(t *testing.T) *Agent {
	t.Helper()

	cfg := &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		PairingFile:         filepath.Join(t.TempDir(), "pairing.json"),
		SimulatedReader:     true,
		DiscoveryTimeout:    time.Second,
		BackoffFloor:        10 * time.Millisecond,
		BackoffCeiling:      100 * time.Millisecond,
		SuccessReleaseDelay: 10 * time.Millisecond,
		FailureReleaseDelay: 10 * time.Millisecond,
	}
	require.NoError(t, cfg.Validate())

	a, err := New(cfg, WithLogger(logging.Nop()))
	require.NoError(t, err)
	return a
}

func doJSON(t *testing.T, a *Agent, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, req)
	return w
}

func TestStatusUnpaired(t *testing.T) {
	a := testAgent(t)

	w := doJSON(t, a, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "idle", resp.State)
	assert.False(t, resp.Busy)
	assert.False(t, resp.Paired)
	assert.False(t, resp.ChannelConnected)
	assert.Empty(t, resp.PosURL)
}

func TestPairWithURL(t *testing.T) {
	a := testAgent(t)

	w := doJSON(t, a, http.MethodPost, "/v1/pair",
		`{"url":"https://pos.example.com/tpos/abc123?pos=loc_55&auth=tok_secret"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["paired"])
	assert.Equal(t, "https://pos.example.com/tpos/abc123", resp["pos_url"])

	assert.True(t, a.Paired())

	p, err := a.pairing.Load()
	require.NoError(t, err)
	assert.Equal(t, "pos.example.com", p.Origin)
	assert.Equal(t, "abc123", p.TposID)
	assert.Equal(t, "tok_secret", p.Bearer)
	assert.Equal(t, "loc_55", p.LocationID)
}

func TestPairWithFields(t *testing.T) {
	a := testAgent(t)

	w := doJSON(t, a, http.MethodPost, "/v1/pair",
		`{"origin":"pos.example.com","tpos_id":"t1","bearer":"b1","location_id":"l1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, a.Paired())
}

func TestPairRejectsIncomplete(t *testing.T) {
	a := testAgent(t)

	w := doJSON(t, a, http.MethodPost, "/v1/pair", `{"origin":"pos.example.com"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, a.Paired())

	w = doJSON(t, a, http.MethodPost, "/v1/pair", `{"url":"https://pos.example.com/wrong/path"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, a, http.MethodPost, "/v1/pair", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnpair(t *testing.T) {
	a := testAgent(t)

	w := doJSON(t, a, http.MethodPost, "/v1/pair",
		`{"origin":"pos.example.com","tpos_id":"t1","bearer":"b1","location_id":"l1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, a.Paired())

	w = doJSON(t, a, http.MethodDelete, "/v1/pair", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, a.Paired())
}

func TestAttemptsEndpoints(t *testing.T) {
	a := testAgent(t)

	w := doJSON(t, a, http.MethodGet, "/v1/attempts", "")
	require.Equal(t, http.StatusOK, w.Code)

	var listResp struct {
		Attempts []*journal.Attempt `json:"attempts"`
		Count    int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	assert.Zero(t, listResp.Count)

	attempt := &journal.Attempt{
		ID:              "att_test1",
		PaymentIntentID: "pi_1",
		Status:          journal.StatusSucceeded,
		ChargeID:        "ch_1",
		StartedAt:       time.Now().Add(-time.Second),
		FinishedAt:      time.Now(),
	}
	require.NoError(t, a.store.Insert(context.Background(), attempt))

	w = doJSON(t, a, http.MethodGet, "/v1/attempts", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Equal(t, 1, listResp.Count)
	assert.Equal(t, "att_test1", listResp.Attempts[0].ID)

	w = doJSON(t, a, http.MethodGet, "/v1/attempts/att_test1", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, a, http.MethodGet, "/v1/attempts/att_missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, a, http.MethodGet, "/v1/attempts?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, a, http.MethodGet, "/v1/attempts?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEligibilityUnpaired(t *testing.T) {
	a := testAgent(t)

	w := doJSON(t, a, http.MethodGet, "/v1/eligibility", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Eligible bool   `json:"eligible"`
		Probe    string `json:"probe"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Eligible)
	assert.Equal(t, "pairing", resp.Probe)
}

func TestLivenessAndReadiness(t *testing.T) {
	a := testAgent(t)

	w := doJSON(t, a, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	// Readiness flips only once Run has started.
	w = doJSON(t, a, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthAggregate(t *testing.T) {
	a := testAgent(t)

	// Unpaired: the channel check is vacuously healthy.
	w := doJSON(t, a, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	// Paired but disconnected: the channel check now fails.
	doJSON(t, a, http.MethodPost, "/v1/pair",
		`{"origin":"pos.example.com","tpos_id":"t1","bearer":"b1","location_id":"l1"}`)
	w = doJSON(t, a, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

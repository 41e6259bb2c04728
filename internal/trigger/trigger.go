// Package trigger defines the inbound payment-trigger payload and its decoder.
//
// The backend has historically emitted triggers in two shapes: a JSON object
// and a semi-structured "TapToPay(...)" string. Both are accepted; the
// orchestrator never learns which one arrived.
package trigger

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// ErrInvalid is returned when neither decoder path yields both required fields.
var ErrInvalid = errors.New("trigger missing payment_intent_id or client_secret")

// Trigger instructs the agent to collect one payment. Immutable; scoped to
// a single collection attempt.
type Trigger struct {
	PaymentIntentID string `json:"payment_intent_id"`
	ClientSecret    string `json:"client_secret"`
	Currency        string `json:"currency,omitempty"`
	Amount          int64  `json:"amount,omitempty"` // minor units
	TposID          string `json:"tpos_id,omitempty"`
	PaymentHash     string `json:"payment_hash,omitempty"`
}

// Valid reports whether the trigger carries both required fields.
func (t *Trigger) Valid() bool {
	return strings.TrimSpace(t.PaymentIntentID) != "" && strings.TrimSpace(t.ClientSecret) != ""
}

// Decode parses a raw channel payload into a Trigger. Strict JSON decoding
// is attempted first; on failure the tolerant key-value fallback grammar is
// used. Returns ErrInvalid when neither path yields both required fields.
func Decode(raw string) (*Trigger, error) {
	t, ok := decodeJSON(raw)
	if !ok {
		t = decodeTolerant(raw)
	}
	if !t.Valid() {
		return nil, ErrInvalid
	}
	return t, nil
}

func decodeJSON(raw string) (*Trigger, bool) {
	var t Trigger
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, false
	}
	return &t, true
}

// decodeTolerant parses the fallback mini-format:
//
//	[TapToPay][(] key=value [,;/space] key:value ... [)]
//
// Quote characters are stripped, the first '=' or ':' in each pair splits
// key from value, and keys are case-insensitive.
func decodeTolerant(raw string) *Trigger {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "TapToPay")
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	s = strings.NewReplacer(`"`, "", `'`, "").Replace(s)

	fields := map[string]string{}
	for _, part := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	}) {
		key, value, ok := splitPair(part)
		if !ok || key == "" {
			continue
		}
		fields[strings.ToLower(key)] = value
	}

	t := &Trigger{
		PaymentIntentID: fields["payment_intent_id"],
		ClientSecret:    fields["client_secret"],
		Currency:        fields["currency"],
		TposID:          fields["tpos_id"],
		PaymentHash:     fields["payment_hash"],
	}
	if amt, err := strconv.ParseInt(fields["amount"], 10, 64); err == nil {
		t.Amount = amt
	}
	return t
}

// splitPair splits "key=value" or "key:value" at the first separator.
func splitPair(part string) (key, value string, ok bool) {
	idx := strings.IndexAny(part, "=:")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(part[:idx]), strings.TrimSpace(part[idx+1:]), true
}

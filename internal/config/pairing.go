package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotPaired is returned when no complete pairing state is on disk.
var ErrNotPaired = errors.New("device is not paired")

// Pairing holds the four values set by the pairing step. Immutable once
// loaded; either all four fields are present or the device is unpaired.
type Pairing struct {
	Origin     string `json:"origin"`      // Backend host[:port], no scheme
	TposID     string `json:"tpos_id"`     // Terminal session id
	Bearer     string `json:"bearer"`      // Backend bearer credential
	LocationID string `json:"location_id"` // Hardware location id
}

// Complete reports whether all four pairing values are present.
func (p Pairing) Complete() bool {
	return p.Origin != "" && p.TposID != "" && p.Bearer != "" && p.LocationID != ""
}

// ChannelURL returns the push-channel WebSocket URL.
func (p Pairing) ChannelURL() string {
	return fmt.Sprintf("wss://%s/api/v1/ws/%s", p.Origin, p.TposID)
}

// TokenURL returns the connection-token endpoint.
func (p Pairing) TokenURL() string {
	return fmt.Sprintf("https://%s/api/v1/fiat/stripe/connection_token", p.Origin)
}

// PosURL returns the rendered point-of-sale page for this terminal.
func (p Pairing) PosURL() string {
	return fmt.Sprintf("https://%s/tpos/%s", p.Origin, p.TposID)
}

// ParsePairingURL extracts a Pairing from a pairing link of the form
//
//	https://{host[:port]}/tpos/{tposId}?pos={locationId}&auth={bearer}
//
// as encoded in the backend's pairing QR code.
func ParsePairingURL(raw string) (Pairing, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Pairing{}, fmt.Errorf("parse pairing url: %w", err)
	}
	if u.Host == "" {
		return Pairing{}, fmt.Errorf("pairing url has no host")
	}

	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) < 2 || segs[0] != "tpos" || segs[1] == "" {
		return Pairing{}, fmt.Errorf("pairing url path must be /tpos/{id}")
	}

	q := u.Query()
	p := Pairing{
		Origin:     u.Host,
		TposID:     segs[1],
		Bearer:     q.Get("auth"),
		LocationID: q.Get("pos"),
	}
	if !p.Complete() {
		return Pairing{}, fmt.Errorf("pairing url missing pos or auth parameter")
	}
	return p, nil
}

// PairingStore persists the pairing state as a single JSON file.
// Writes are atomic (temp file + rename) so the four fields always change
// as a group.
type PairingStore struct {
	mu   sync.RWMutex
	path string
}

// NewPairingStore creates a store backed by the given file path.
func NewPairingStore(path string) *PairingStore {
	return &PairingStore{path: path}
}

// Load reads the pairing state. Returns ErrNotPaired when the file is
// missing or incomplete.
func (s *PairingStore) Load() (Pairing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Pairing{}, ErrNotPaired
		}
		return Pairing{}, fmt.Errorf("read pairing file: %w", err)
	}

	var p Pairing
	if err := json.Unmarshal(data, &p); err != nil {
		return Pairing{}, fmt.Errorf("decode pairing file: %w", err)
	}
	if !p.Complete() {
		// Partial pairing is treated as absent.
		return Pairing{}, ErrNotPaired
	}
	return p, nil
}

// Save writes the pairing state atomically. Incomplete pairings are rejected.
func (s *PairingStore) Save(p Pairing) error {
	if !p.Complete() {
		return fmt.Errorf("refusing to save incomplete pairing")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pairing: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".pairing-*")
	if err != nil {
		return fmt.Errorf("create temp pairing file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write pairing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close pairing file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod pairing file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename pairing file: %w", err)
	}
	return nil
}

// Clear removes the pairing state.
func (s *PairingStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pairing file: %w", err)
	}
	return nil
}

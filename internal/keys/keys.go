// Package keys resolves API secrets into principals. Standard keys are
// stored as plaintext identifiers in the key file; administrative keys are
// stored as SHA-256 digests so the file never contains an admin secret.
// Every lookup compares fixed-length digests in constant time.
package keys

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ErrUnauthenticated is returned for unknown and expired secrets alike.
// Expired secrets wrap it with a reason for the log; callers should match
// with errors.Is and treat both the same.
var ErrUnauthenticated = errors.New("unauthenticated")

type Kind string

const (
	KindStandard       Kind = "standard"
	KindAdministrative Kind = "administrative"
)

// Principal is an authenticated identity with its admission and rate
// settings. Administrative principals bypass domain checks; their Domains
// field is ignored.
type Principal struct {
	ID                   string
	Kind                 Kind
	Domains              []string
	RequestsPerWindow    int
	GenerationsPerWindow int
	ExpiresAt            time.Time
}

func (p *Principal) Admin() bool {
	return p.Kind == KindAdministrative
}

func (p *Principal) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// Store resolves a presented secret to a principal.
type Store interface {
	Authenticate(secret string) (*Principal, error)
}

const adminSecretPrefix = "sha256:"

type keyRecord struct {
	ID                   string   `json:"id"`
	Kind                 string   `json:"kind"`
	Secret               string   `json:"secret"`
	Domains              []string `json:"domains,omitempty"`
	RequestsPerWindow    int      `json:"requests_per_window"`
	GenerationsPerWindow int      `json:"generations_per_window"`
	ExpiresAt            string   `json:"expires_at,omitempty"`
}

type entry struct {
	digest    [sha256.Size]byte
	principal *Principal
}

// FileStore is an in-memory store loaded from a JSON key file at startup.
type FileStore struct {
	entries []entry
	now     func() time.Time
}

// LoadFile reads a JSON array of key records. Standard records carry the
// secret in the clear and are digested at load; administrative records carry
// "sha256:<hex>" and must never appear in plaintext.
func LoadFile(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	return Parse(data)
}

// Parse builds a FileStore from raw key-file bytes.
func Parse(data []byte) (*FileStore, error) {
	var records []keyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}

	store := &FileStore{now: time.Now}
	for i, rec := range records {
		if rec.ID == "" {
			return nil, fmt.Errorf("key %d: missing id", i)
		}

		var digest [sha256.Size]byte
		switch Kind(rec.Kind) {
		case KindStandard:
			if rec.Secret == "" {
				return nil, fmt.Errorf("key %q: missing secret", rec.ID)
			}
			digest = sha256.Sum256([]byte(rec.Secret))
		case KindAdministrative:
			raw, ok := strings.CutPrefix(rec.Secret, adminSecretPrefix)
			if !ok {
				return nil, fmt.Errorf("key %q: administrative secret must be stored as %s<hex>", rec.ID, adminSecretPrefix)
			}
			decoded, err := hex.DecodeString(raw)
			if err != nil || len(decoded) != sha256.Size {
				return nil, fmt.Errorf("key %q: malformed secret digest", rec.ID)
			}
			copy(digest[:], decoded)
		default:
			return nil, fmt.Errorf("key %q: unknown kind %q", rec.ID, rec.Kind)
		}

		p := &Principal{
			ID:                   rec.ID,
			Kind:                 Kind(rec.Kind),
			Domains:              rec.Domains,
			RequestsPerWindow:    rec.RequestsPerWindow,
			GenerationsPerWindow: rec.GenerationsPerWindow,
		}
		if rec.ExpiresAt != "" {
			exp, err := time.Parse(time.RFC3339, rec.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("key %q: parsing expires_at: %w", rec.ID, err)
			}
			p.ExpiresAt = exp
		}

		store.entries = append(store.entries, entry{digest: digest, principal: p})
	}

	return store, nil
}

// Authenticate resolves a secret to its principal. The presented secret is
// digested and every stored digest is compared with subtle.ConstantTimeCompare,
// so comparison time depends on the number of keys, never on how much of any
// one secret matches.
func (s *FileStore) Authenticate(secret string) (*Principal, error) {
	digest := sha256.Sum256([]byte(strings.TrimSpace(secret)))

	var found *Principal
	for i := range s.entries {
		if subtle.ConstantTimeCompare(digest[:], s.entries[i].digest[:]) == 1 {
			found = s.entries[i].principal
		}
	}

	if found == nil {
		return nil, ErrUnauthenticated
	}
	if found.Expired(s.now()) {
		return nil, fmt.Errorf("%w: key expired", ErrUnauthenticated)
	}
	return found, nil
}

// HashSecret digests a secret for storage in an administrative record.
func HashSecret(secret string) string {
	digest := sha256.Sum256([]byte(secret))
	return adminSecretPrefix + hex.EncodeToString(digest[:])
}

var _ Store = (*FileStore)(nil)

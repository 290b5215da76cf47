// Package identity provides pluggable message authentication for principals.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/BaSui01/hivecoord/types"
)

var (
	ErrUnknownKey       = errors.New("identity: no public key registered for principal")
	ErrInvalidSignature = errors.New("identity: signature verification failed")
)

// Signer signs outgoing messages and votes on behalf of one principal.
type Signer interface {
	ID() types.PrincipalID
	Sign(msg []byte) ([]byte, error)
}

// Verifier checks a signature claimed to come from a principal.
type Verifier interface {
	Verify(id types.PrincipalID, msg, sig []byte) error
}

// Ed25519Signer is the default Signer.
type Ed25519Signer struct {
	id   types.PrincipalID
	priv ed25519.PrivateKey
}

// NewEd25519Signer generates a fresh key pair for id.
func NewEd25519Signer(id types.PrincipalID) (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{id: id, priv: priv}, nil
}

// NewEd25519SignerFromSeed derives a deterministic key pair from a hex seed.
func NewEd25519SignerFromSeed(id types.PrincipalID, hexSeed string) (*Ed25519Signer, error) {
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Ed25519Signer{id: id, priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// ID implements Signer.
func (s *Ed25519Signer) ID() types.PrincipalID { return s.id }

// Sign implements Signer.
func (s *Ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}

// PublicKey returns the verifying half of the key pair.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// KeyRing maps principals to their Ed25519 public keys.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[types.PrincipalID]ed25519.PublicKey
}

// NewKeyRing creates an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[types.PrincipalID]ed25519.PublicKey)}
}

// Register stores (or replaces) the public key for id.
func (k *KeyRing) Register(id types.PrincipalID, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key for %s has invalid size %d", id, len(pub))
	}
	k.mu.Lock()
	k.keys[id] = pub
	k.mu.Unlock()
	return nil
}

// Verify implements Verifier.
func (k *KeyRing) Verify(id types.PrincipalID, msg, sig []byte) error {
	k.mu.RLock()
	pub, ok := k.keys[id]
	k.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	if !ed25519.Verify(pub, msg, sig) {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, id)
	}
	return nil
}

// NopVerifier accepts everything.
type NopVerifier struct{}

// Verify implements Verifier.
func (NopVerifier) Verify(types.PrincipalID, []byte, []byte) error { return nil }

// Generate creates a signer for every id and a key ring that verifies them all.
func Generate(ids ...types.PrincipalID) (map[types.PrincipalID]*Ed25519Signer, *KeyRing, error) {
	ring := NewKeyRing()
	signers := make(map[types.PrincipalID]*Ed25519Signer, len(ids))
	for _, id := range ids {
		s, err := NewEd25519Signer(id)
		if err != nil {
			return nil, nil, err
		}
		if err := ring.Register(id, s.PublicKey()); err != nil {
			return nil, nil, err
		}
		signers[id] = s
	}
	return signers, ring, nil
}

// Package signer defines the Signer capability spec §1 and §2 treat as
// an external collaborator ("the cryptographic signer and encryption
// primitives... assumed given") and provides a development/test
// implementation for the CLI harness and unit-test fixtures. The real
// production signer is out of core scope; DevSigner exists only so the
// rest of the pipeline (Processor, Dispatcher, Relay Supervisor) has a
// concrete collaborator to run against without a live relay network.
//
// DevSigner uses golang.org/x/crypto/nacl/secretbox for DM
// encryption/decryption (the idiomatic Go analogue of the relay
// protocol's shared-secret scheme) and stdlib ed25519 for signing,
// grounded on the teacher's go.mod dependency on golang.org/x/crypto
// (there used for bcrypt).
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/miladsoft/zapai-dvm/internal/events"
	"github.com/miladsoft/zapai-dvm/pkg/apperrors"
)

// Signer is the opaque signing handle (spec §2). The Processor and
// Dispatcher each declare their own narrower interface that DevSigner
// satisfies.
type Signer interface {
	PublicIdentity() string
	Sign(t events.Template) (*events.Event, error)
	Encrypt(peerKey, plaintext string) (string, error)
	Decrypt(peerKey, ciphertext string) (string, error)
}

// DevSigner is an in-process Signer for tests and the CLI harness. It
// derives a per-peer shared secret deterministically from its own seed
// and the peer's public identity, which is adequate for a closed
// dev/test loop but is not a substitute for a real DM encryption
// handshake.
type DevSigner struct {
	mu        sync.Mutex
	seed      [32]byte
	pub       ed25519.PublicKey
	priv      ed25519.PrivateKey
	publicHex string
}

// NewDevSigner derives a signer from seedHex (hex-encoded, any length;
// it is hashed into a 32-byte seed), or generates a random one if
// seedHex is empty.
func NewDevSigner(seedHex string) (*DevSigner, error) {
	var seed [32]byte
	if seedHex == "" {
		if _, err := rand.Read(seed[:]); err != nil {
			return nil, apperrors.Wrap(apperrors.ConfigMissing, "generate signer seed", err)
		}
	} else {
		raw, err := hex.DecodeString(seedHex)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ConfigMissing, "decode PRIVATE_KEY as hex", err)
		}
		seed = sha256.Sum256(raw)
	}

	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)

	return &DevSigner{
		seed:      seed,
		pub:       pub,
		priv:      priv,
		publicHex: hex.EncodeToString(pub),
	}, nil
}

// PublicIdentity returns the signer's hex-encoded public key.
func (s *DevSigner) PublicIdentity() string {
	return s.publicHex
}

// Sign computes the event id (a content hash of the template) and
// attaches an ed25519 signature over it, filling AuthorKey/CreatedAt if
// unset.
func (s *DevSigner) Sign(t events.Template) (*events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.AuthorKey == "" {
		t.AuthorKey = s.publicHex
	}

	id := contentHash(t)
	sig := ed25519.Sign(s.priv, []byte(id))

	return &events.Event{
		ID:        id,
		AuthorKey: t.AuthorKey,
		Kind:      t.Kind,
		CreatedAt: t.CreatedAt,
		Tags:      t.Tags,
		Content:   t.Content,
		Signature: hex.EncodeToString(sig),
	}, nil
}

func contentHash(t events.Template) string {
	h := sha256.New()
	h.Write([]byte(t.AuthorKey))
	for _, tag := range t.Tags {
		for _, v := range tag {
			h.Write([]byte(v))
		}
	}
	h.Write([]byte(t.Content))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *DevSigner) sharedKey(peerKey string) [32]byte {
	return sha256.Sum256(append(append([]byte{}, s.seed[:]...), []byte(peerKey)...))
}

// Encrypt seals plaintext for peerKey using a secretbox keyed by a
// per-peer derived shared secret, returning a base64 envelope.
func (s *DevSigner) Encrypt(peerKey, plaintext string) (string, error) {
	s.mu.Lock()
	key := s.sharedKey(peerKey)
	s.mu.Unlock()

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", apperrors.Wrap(apperrors.StorageError, "generate nonce", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope that this signer's Encrypt sealed for the
// same peerKey. The derived key mixes in this signer's own seed, so it is
// not shared with the peer: envelopes sealed by another signer do not
// open here.
func (s *DevSigner) Decrypt(peerKey, ciphertext string) (string, error) {
	s.mu.Lock()
	key := s.sharedKey(peerKey)
	s.mu.Unlock()

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", apperrors.Wrap(apperrors.DecryptError, "decode envelope", err)
	}
	if len(raw) < 24 {
		return "", apperrors.New(apperrors.DecryptError, "envelope too short")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])

	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &key)
	if !ok {
		return "", apperrors.New(apperrors.DecryptError, "secretbox open failed")
	}
	return string(plain), nil
}

var _ Signer = (*DevSigner)(nil)

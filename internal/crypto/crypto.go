// Package crypto provides the end-to-end encryption boundary used by
// channels. The channel layer never inspects key material: it sees only the
// Service interface. The default implementation derives a per-peer
// AES-256-GCM key from an X25519 exchange; a production deployment can swap
// in a double-ratchet service behind the same interface.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// ErrNoSession is returned when encrypting or decrypting for a peer that
// has never completed a key exchange.
var ErrNoSession = errors.New("crypto: no session for peer")

// Service is the opaque encryption collaborator handed to channels.
type Service interface {
	// Encrypt seals plaintext for one peer. Fails with ErrNoSession for
	// unknown peers.
	Encrypt(peer string, plaintext []byte) ([]byte, error)
	// Decrypt opens ciphertext from one peer.
	Decrypt(peer string, ciphertext []byte) ([]byte, error)
	// EnsureSession derives (or refreshes) the shared key for a peer from
	// its base64 public key.
	EnsureSession(peer, publicKey string) error
	// HasSession reports whether a peer has an established session.
	HasSession(peer string) bool
	// Peers lists peers with established sessions.
	Peers() []string
}

// X25519Service implements Service with X25519 ECDH + HKDF-SHA256 +
// AES-256-GCM. Sessions are created by EnsureSession when a peer's public
// key first arrives and persist for the service's lifetime.
type X25519Service struct {
	priv *ecdh.PrivateKey

	mu       sync.Mutex
	sessions map[string]cipher.AEAD
}

// NewX25519Service generates a fresh identity keypair.
func NewX25519Service() (*X25519Service, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate identity key: %w", err)
	}
	return &X25519Service{priv: priv, sessions: make(map[string]cipher.AEAD)}, nil
}

// PublicKey returns the base64-encoded identity public key, shared with
// peers out of band (via the handshake collaborator).
func (s *X25519Service) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.priv.PublicKey().Bytes())
}

// EnsureSession derives and caches a session key for peer from its
// base64-encoded X25519 public key. Re-keying with a new public key
// replaces the existing session.
func (s *X25519Service) EnsureSession(peer, peerPublicKeyB64 string) error {
	aead, err := deriveSharedKey(s.priv, peerPublicKeyB64)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[peer] = aead
	s.mu.Unlock()
	return nil
}

// DropSession forgets a peer's session.
func (s *X25519Service) DropSession(peer string) {
	s.mu.Lock()
	delete(s.sessions, peer)
	s.mu.Unlock()
}

func (s *X25519Service) HasSession(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[peer]
	return ok
}

func (s *X25519Service) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for p := range s.sessions {
		out = append(out, p)
	}
	return out
}

// Encrypt seals plaintext as nonce || ciphertext+tag.
func (s *X25519Service) Encrypt(peer string, plaintext []byte) ([]byte, error) {
	aead, err := s.session(peer)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens nonce || ciphertext+tag.
func (s *X25519Service) Decrypt(peer string, ciphertext []byte) ([]byte, error) {
	aead, err := s.session(peer)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("crypto: ciphertext too short")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	return plain, nil
}

func (s *X25519Service) session(peer string) (cipher.AEAD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	aead, ok := s.sessions[peer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, peer)
	}
	return aead, nil
}

// deriveSharedKey performs X25519 ECDH + HKDF to produce an AES-256-GCM key.
func deriveSharedKey(privateKey *ecdh.PrivateKey, peerPublicKeyB64 string) (cipher.AEAD, error) {
	peerPubBytes, err := base64.StdEncoding.DecodeString(peerPublicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode peer public key: %w", err)
	}
	peerPub, err := ecdh.X25519().NewPublicKey(peerPubBytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse peer public key: %w", err)
	}

	shared, err := privateKey.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("crypto: ecdh: %w", err)
	}

	// HKDF-SHA256, salt = 32 zero bytes, info pins the protocol context.
	salt := make([]byte, 32)
	kdf := hkdf.New(sha256.New, shared, salt, []byte("perch-channel"))
	aesKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, aesKey); err != nil {
		return nil, fmt.Errorf("crypto: hkdf: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes: %w", err)
	}
	return cipher.NewGCM(block)
}

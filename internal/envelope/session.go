// Package envelope provides the per-operation confidentiality channel between
// the coordinator and the confidential computation backend.
//
// A Session is built from a fresh X25519 key pair and the backend's published
// public key. Each plaintext field is sealed independently into a fixed-width
// 32-byte blob with XChaCha20-Poly1305.
package envelope

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = curve25519.PointSize
	NonceSize = 16
	BlobSize  = 32

	// slotSize is the plaintext width of one field. Sealing adds a 16-byte tag,
	// which brings every blob to BlobSize.
	slotSize = BlobSize - chacha20poly1305.Overhead
)

const kdfLabel = "confidential-matcher/envelope/v1"

var (
	// ErrKeyAgreement is returned when the backend key is absent, malformed or
	// yields a degenerate shared secret.
	ErrKeyAgreement = errors.New("key agreement failed")

	// ErrDecryption is returned when a blob fails authentication.
	ErrDecryption = errors.New("decryption failed")
)

// Blob is one sealed field.
type Blob [BlobSize]byte

// Nonce is the caller-supplied per-call nonce. It must never be reused under
// the same session.
type Nonce [NonceSize]byte

// Session holds the ephemeral key material for a single operation.
type Session struct {
	private [KeySize]byte
	public  [KeySize]byte
	aead    cipher.AEAD
}

// Open generates an ephemeral key pair and derives a cipher bound to the
// shared secret with backendKey.
func Open(backendKey []byte) (*Session, error) {
	if len(backendKey) != KeySize {
		return nil, fmt.Errorf("%w: backend key is %d bytes, want %d", ErrKeyAgreement, len(backendKey), KeySize)
	}

	s := &Session{}
	if _, err := io.ReadFull(rand.Reader, s.private[:]); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(s.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyAgreement, err)
	}
	copy(s.public[:], pub)

	aead, err := deriveCipher(s.private[:], backendKey, s.public[:], backendKey)
	if err != nil {
		return nil, err
	}
	s.aead = aead
	return s, nil
}

// Accept builds the backend side of a session from the backend's long-lived
// private key and the caller's ephemeral public key.
func Accept(privateKey []byte, clientKey [KeySize]byte) (*Session, error) {
	if len(privateKey) != KeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes, want %d", ErrKeyAgreement, len(privateKey), KeySize)
	}

	s := &Session{}
	copy(s.private[:], privateKey)
	pub, err := curve25519.X25519(s.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyAgreement, err)
	}
	copy(s.public[:], pub)

	aead, err := deriveCipher(s.private[:], clientKey[:], clientKey[:], s.public[:])
	if err != nil {
		return nil, err
	}
	s.aead = aead
	return s, nil
}

// GenerateKeyPair returns a fresh X25519 key pair.
func GenerateKeyPair() (private, public [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, private[:]); err != nil {
		return private, public, fmt.Errorf("generate key: %w", err)
	}
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return private, public, err
	}
	copy(public[:], pub)
	return private, public, nil
}

// NewNonce draws a fresh random nonce.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return n, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// PublicKey returns this side's public key.
func (s *Session) PublicKey() [KeySize]byte {
	return s.public
}

// Encrypt seals each field into its own blob. All blobs share nonce; the field
// index is mixed into the cipher nonce so no two fields use the same one.
func (s *Session) Encrypt(fields []uint64, nonce Nonce) []Blob {
	out := make([]Blob, len(fields))
	var slot [slotSize]byte
	for i, v := range fields {
		clear(slot[:])
		binary.LittleEndian.PutUint64(slot[:8], v)
		sealed := s.aead.Seal(nil, fieldNonce(nonce, i), slot[:], nil)
		copy(out[i][:], sealed)
	}
	return out
}

// Decrypt opens blobs produced by Encrypt with the same nonce.
func (s *Session) Decrypt(blobs []Blob, nonce Nonce) ([]uint64, error) {
	out := make([]uint64, len(blobs))
	for i := range blobs {
		plain, err := s.aead.Open(nil, fieldNonce(nonce, i), blobs[i][:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d", ErrDecryption, i)
		}
		for _, b := range plain[8:] {
			if b != 0 {
				return nil, fmt.Errorf("%w: field %d exceeds 64 bits", ErrDecryption, i)
			}
		}
		out[i] = binary.LittleEndian.Uint64(plain[:8])
	}
	return out, nil
}

func deriveCipher(private, peer, clientPub, backendPub []byte) (cipher.AEAD, error) {
	shared, err := curve25519.X25519(private, peer)
	if err != nil {
		// x/crypto rejects low-order points with an all-zero output.
		return nil, fmt.Errorf("%w: %v", ErrKeyAgreement, err)
	}

	info := make([]byte, 0, len(kdfLabel)+2*KeySize)
	info = append(info, kdfLabel...)
	info = append(info, clientPub...)
	info = append(info, backendPub...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return aead, nil
}

func fieldNonce(nonce Nonce, index int) []byte {
	n := make([]byte, chacha20poly1305.NonceSizeX)
	copy(n, nonce[:])
	binary.LittleEndian.PutUint64(n[NonceSize:], uint64(index))
	return n
}

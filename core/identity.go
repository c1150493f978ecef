package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log"

	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
	"lukechampine.com/blake3"
)

// SecretSize is the length in bytes of a cloud's owning secret k.
const SecretSize = 32

// Secret is the 32-byte value that owns a cloud: it seeds the ML-DSA-87
// keypair and, combined with a per-mutation salt, the ChaCha20 key. It
// must never be logged or included in an error message.
type Secret [SecretSize]byte

var idLogger = log.New(io.Discard, "[core] ", log.LstdFlags)

// SetLogger replaces idLogger, the package's standard-library logger. No
// code in this package writes to idLogger; the logrus loggers that carry
// the package's diagnostics are not affected. Callers should
// never pass a logger configured to print secrets; this package never
// hands one its own secrets, only ids and counts.
func SetLogger(l *log.Logger) { idLogger = l }

// NewSecret samples a fresh random cloud secret.
func NewSecret() (Secret, error) {
	var k Secret
	if _, err := rand.Read(k[:]); err != nil {
		return Secret{}, fmt.Errorf("core: sample secret: %w", err)
	}
	return k, nil
}

// keypairFromSecret deterministically derives the ML-DSA-87 keypair for a
// cloud secret. The secret is used directly as the signature scheme's
// seed, so the same k always yields the same keypair.
func keypairFromSecret(k Secret) (*mldsa87.PublicKey, *mldsa87.PrivateKey) {
	var seed [mldsa87.SeedSize]byte
	copy(seed[:], k[:])
	return mldsa87.NewKeyFromSeed(&seed)
}

// IDFromSecret deterministically derives a cloud's 32-byte identifier:
// the BLAKE3 hash of the encoded ML-DSA-87 verifying key.
func IDFromSecret(k Secret) ([32]byte, error) {
	pub, _ := keypairFromSecret(k)
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return [32]byte{}, fmt.Errorf("core: marshal public key: %w", err)
	}
	return blake3Hash(pubBytes), nil
}

// blake3Hash returns the 32-byte BLAKE3 digest of data.
func blake3Hash(data []byte) [32]byte {
	var out [32]byte
	h := blake3.New(32, nil)
	h.Write(data)
	copy(out[:], h.Sum(nil))
	return out
}

// HashBytes exposes the package's content-addressing digest for callers
// that only ever see opaque bytes, such as the relay hashing a stored
// Mutation blob for a CloudMutated notification without ever decrypting it.
func HashBytes(data []byte) [32]byte { return blake3Hash(data) }

// ParseSecretHex decodes a 64-character lowercase hex string into a
// Secret, the cloud import format.
func ParseSecretHex(hexStr string) (Secret, error) {
	if len(hexStr) != SecretSize*2 {
		return Secret{}, fmt.Errorf("%w: secret must be %d hex characters, got %d", ErrMalformed, SecretSize*2, len(hexStr))
	}
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return Secret{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var k Secret
	copy(k[:], raw)
	return k, nil
}

// Hex returns the lowercase hex encoding of k, the format accepted by
// ParseSecretHex.
func (k Secret) Hex() string { return hex.EncodeToString(k[:]) }

// IDHex returns the lowercase hex encoding of a 32-byte cloud id, used
// for filenames and relay query parameters.
func IDHex(id [32]byte) string { return hex.EncodeToString(id[:]) }

// ParseIDHex decodes a cloud id previously formatted by IDHex.
func ParseIDHex(s string) ([32]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("%w: invalid cloud id %q", ErrMalformed, s)
	}
	var id [32]byte
	copy(id[:], raw)
	return id, nil
}

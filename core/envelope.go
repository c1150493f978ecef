package core

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
	"golang.org/x/crypto/chacha20"
	"lukechampine.com/blake3"
)

// chachaNonce is the fixed 12-byte all-zero nonce used for every mutation.
// Uniqueness of (key, nonce) is guaranteed by salting the key derivation
// per mutation instead of varying the nonce.
var chachaNonce = make([]byte, chacha20.NonceSize)

// EncryptTxOpts controls optional behavior of EncryptTx.
type EncryptTxOpts struct {
	// Disclose, when true, attaches the derived key to the resulting
	// Mutation so that any holder of the ciphertext (not just the cloud's
	// secret holder) can decrypt it.
	Disclose bool
}

// deriveKey computes the per-mutation symmetric key
// K = BLAKE3(encode(k, index, salt)).
func deriveKey(k Secret, index uint64, salt [32]byte) [32]byte {
	var buf bytes.Buffer
	buf.Write(k[:])
	writeU64(&buf, index)
	buf.Write(salt[:])
	return blake3Hash(buf.Bytes())
}

// EncryptTx signs and encrypts tx under k, producing the wire Mutation.
// A fresh random salt is sampled on every call so that re-encrypting the
// same (k, index) pair — e.g. after a crash that killed the process
// before the sync cursor was persisted — never reuses a (key, nonce)
// pair.
func EncryptTx(k Secret, tx JournalTransaction, opts EncryptTxOpts) (Mutation, error) {
	var salt [32]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return Mutation{}, fmt.Errorf("core: sample salt: %w", err)
	}

	key := deriveKey(k, tx.Index, salt)
	plaintext := EncodeJournalTransaction(tx)

	cipher, err := chacha20.NewUnauthenticatedCipher(key[:], chachaNonce)
	if err != nil {
		return Mutation{}, fmt.Errorf("core: init chacha20: %w", err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.XORKeyStream(ciphertext, plaintext)

	pub, priv := keypairFromSecret(k)
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return Mutation{}, fmt.Errorf("core: marshal public key: %w", err)
	}
	id := blake3Hash(pubBytes)

	sig, err := priv.Sign(rand.Reader, ciphertext, crypto.Hash(0))
	if err != nil {
		return Mutation{}, fmt.Errorf("core: sign mutation: %w", err)
	}

	m := Mutation{
		Index:         tx.Index,
		Data:          ciphertext,
		Signature:     sig,
		PublicKeyHash: id,
		Salt:          salt,
	}
	if tx.Index == 0 {
		m.PublicKey = pubBytes
	}
	if opts.Disclose {
		mutationKey := key
		m.MutationKey = mutationKey[:]
	}
	return m, nil
}

// Verify checks a mutation's signature and public-key binding against the
// provided verifying key. providedPublicKey may be nil iff m.PublicKey
// is set, in which case m.PublicKey is used instead. An index-0 mutation
// without an embedded public key is rejected with ErrBadPublicKey.
func Verify(m Mutation, providedPublicKey []byte) error {
	if m.Index == 0 && m.PublicKey == nil {
		return fmt.Errorf("%w: index-0 mutation has no embedded public key", ErrBadPublicKey)
	}
	pub := providedPublicKey
	if m.PublicKey != nil {
		if pub != nil && !bytes.Equal(pub, m.PublicKey) {
			return fmt.Errorf("%w: embedded public key does not match provided key", ErrBadPublicKey)
		}
		pub = m.PublicKey
	}
	if pub == nil {
		return fmt.Errorf("%w: no public key available to verify mutation", ErrBadPublicKey)
	}
	if blake3Hash(pub) != m.PublicKeyHash {
		return fmt.Errorf("%w", ErrBadIdentity)
	}
	var pk mldsa87.PublicKey
	if err := pk.UnmarshalBinary(pub); err != nil {
		return fmt.Errorf("%w: unmarshal public key: %v", ErrBadPublicKey, err)
	}
	if !mldsa87.Verify(&pk, m.Data, m.Signature) {
		return fmt.Errorf("%w", ErrBadSignature)
	}
	return nil
}

// DecryptTx verifies and decrypts a mutation produced by EncryptTx,
// returning the plaintext JournalTransaction.
func DecryptTx(k Secret, m Mutation) (JournalTransaction, error) {
	pub, _ := keypairFromSecret(k)
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return JournalTransaction{}, fmt.Errorf("core: marshal public key: %w", err)
	}
	id := blake3Hash(pubBytes)
	if id != m.PublicKeyHash {
		return JournalTransaction{}, fmt.Errorf("%w", ErrBadIdentity)
	}
	if err := Verify(m, pubBytes); err != nil {
		return JournalTransaction{}, err
	}

	key := deriveKey(k, m.Index, m.Salt)
	cipher, err := chacha20.NewUnauthenticatedCipher(key[:], chachaNonce)
	if err != nil {
		return JournalTransaction{}, fmt.Errorf("core: init chacha20: %w", err)
	}
	plaintext := make([]byte, len(m.Data))
	cipher.XORKeyStream(plaintext, m.Data)

	tx, err := DecodeJournalTransaction(plaintext)
	if err != nil {
		return JournalTransaction{}, fmt.Errorf("%w: %v", ErrDecryptFailure, err)
	}
	if tx.Index != m.Index {
		return JournalTransaction{}, fmt.Errorf("%w: tx index %d != mutation index %d", ErrIndexMismatch, tx.Index, m.Index)
	}
	return tx, nil
}

// DecryptWithKey decrypts a publicly disclosed mutation using its
// attached MutationKey, without requiring the cloud's secret. It still
// verifies the signature against the embedded or supplied public key.
func DecryptWithKey(m Mutation, providedPublicKey []byte) (JournalTransaction, error) {
	if m.MutationKey == nil {
		return JournalTransaction{}, fmt.Errorf("%w: mutation has no disclosed key", ErrDecryptFailure)
	}
	if err := Verify(m, providedPublicKey); err != nil {
		return JournalTransaction{}, err
	}
	cipher, err := chacha20.NewUnauthenticatedCipher(m.MutationKey, chachaNonce)
	if err != nil {
		return JournalTransaction{}, fmt.Errorf("core: init chacha20: %w", err)
	}
	plaintext := make([]byte, len(m.Data))
	cipher.XORKeyStream(plaintext, m.Data)
	tx, err := DecodeJournalTransaction(plaintext)
	if err != nil {
		return JournalTransaction{}, fmt.Errorf("%w: %v", ErrDecryptFailure, err)
	}
	if tx.Index != m.Index {
		return JournalTransaction{}, fmt.Errorf("%w: tx index %d != mutation index %d", ErrIndexMismatch, tx.Index, m.Index)
	}
	return tx, nil
}

// HashTx returns the content hash of tx as a pure function of
// (index, operations, last_tx_hash).
func HashTx(tx JournalTransaction) [32]byte {
	return blake3Hash(EncodeJournalTransaction(tx))
}

package core

import "errors"

// Sentinel errors returned by the crypto envelope, journal, cloud, and
// sync engine. Callers should use errors.Is against these rather than
// comparing error strings.
var (
	// ErrBadIdentity means mutation.public_key_hash did not match the
	// cloud id derived from the caller's secret, or the BLAKE3 hash of the
	// public key the mutation was verified against.
	ErrBadIdentity = errors.New("core: mutation public key hash does not match cloud identity")

	// ErrBadPublicKey means an index-0 mutation was missing its embedded
	// public key, no public key was available to verify a mutation, an
	// embedded public key did not match the provided one, or the key
	// failed to parse.
	ErrBadPublicKey = errors.New("core: missing or mismatched public key")

	// ErrBadSignature means ML-DSA-87 signature verification failed.
	ErrBadSignature = errors.New("core: signature verification failed")

	// ErrIndexMismatch means a decrypted transaction's index did not
	// equal the enclosing mutation's index.
	ErrIndexMismatch = errors.New("core: decrypted transaction index mismatch")

	// ErrMalformed means a wire-format blob failed to decode.
	ErrMalformed = errors.New("core: malformed encoding")

	// ErrChainBreak means a transaction's last_tx_hash did not chain from
	// the local tail. A non-contiguous index is reported as ErrIndexGap.
	ErrChainBreak = errors.New("core: journal chain break")

	// ErrIndexGap means append_tx was called with an index that does not
	// equal the current journal length.
	ErrIndexGap = errors.New("core: journal index gap")

	// ErrNotFound means a requested table key, transaction index, or
	// cloud id does not exist.
	ErrNotFound = errors.New("core: not found")

	// ErrDiverged means the sync engine found two mutations at the same
	// index with different transaction hashes. Sync halts until the user
	// forks or deletes the local cloud.
	ErrDiverged = errors.New("core: cloud diverged from relay")

	// ErrTransport wraps a network failure encountered while talking to
	// the relay; retried on the next tick.
	ErrTransport = errors.New("core: transport error")

	// ErrDecryptFailure means ChaCha20 decryption or deserialization of a
	// mutation's payload failed after signature verification succeeded.
	ErrDecryptFailure = errors.New("core: decrypt failure")

	// ErrStaleWrite means the relay rejected a push because its index no
	// longer equals the stored count (HTTP 410).
	ErrStaleWrite = errors.New("core: stale write, index already occupied")

	// ErrSyncDisabled means a tick was requested for a cloud whose sync
	// cursor has synchronization disabled.
	ErrSyncDisabled = errors.New("core: synchronization disabled")
)

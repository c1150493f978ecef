package core

import (
	"bytes"
	"errors"
	"testing"
)

func mustSecret(t *testing.T) Secret {
	t.Helper()
	k, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	return k
}

func TestEncryptDecryptTxRoundTrip(t *testing.T) {
	k := mustSecret(t)
	tx := JournalTransaction{
		Index:      0,
		Operations: []Operation{{Kind: OpInsert, Table: "t", Key: []byte("k"), Value: []byte("v")}},
	}
	m, err := EncryptTx(k, tx, EncryptTxOpts{})
	if err != nil {
		t.Fatalf("EncryptTx: %v", err)
	}
	if m.PublicKey == nil {
		t.Fatal("expected embedded public key at index 0")
	}
	got, err := DecryptTx(k, m)
	if err != nil {
		t.Fatalf("DecryptTx: %v", err)
	}
	if HashTx(got) != HashTx(tx) {
		t.Fatal("decrypted transaction does not match original")
	}
}

func TestEncryptTxOmitsPublicKeyAfterIndexZero(t *testing.T) {
	k := mustSecret(t)
	m, err := EncryptTx(k, JournalTransaction{Index: 1}, EncryptTxOpts{})
	if err != nil {
		t.Fatalf("EncryptTx: %v", err)
	}
	if m.PublicKey != nil {
		t.Fatal("expected no embedded public key past index 0")
	}
	if _, err := DecryptTx(k, m); err != nil {
		t.Fatalf("DecryptTx should still succeed via derived key: %v", err)
	}
}

func TestDecryptTxWrongSecretFails(t *testing.T) {
	k1 := mustSecret(t)
	k2 := mustSecret(t)
	m, err := EncryptTx(k1, JournalTransaction{Index: 0}, EncryptTxOpts{})
	if err != nil {
		t.Fatalf("EncryptTx: %v", err)
	}
	if _, err := DecryptTx(k2, m); !errors.Is(err, ErrBadIdentity) {
		t.Fatalf("expected ErrBadIdentity, got %v", err)
	}
}

func TestSignatureTamperFailsVerify(t *testing.T) {
	k := mustSecret(t)
	m, err := EncryptTx(k, JournalTransaction{Index: 0}, EncryptTxOpts{})
	if err != nil {
		t.Fatalf("EncryptTx: %v", err)
	}
	m.Data[0] ^= 0xff
	if err := Verify(m, m.PublicKey); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestDisclosedMutationDecryptsWithoutSecret(t *testing.T) {
	k := mustSecret(t)
	tx := JournalTransaction{Index: 0, Operations: []Operation{{Kind: OpInsert, Table: "t", Key: []byte("a"), Value: []byte("b")}}}
	m, err := EncryptTx(k, tx, EncryptTxOpts{Disclose: true})
	if err != nil {
		t.Fatalf("EncryptTx: %v", err)
	}
	if m.MutationKey == nil {
		t.Fatal("expected disclosed mutation key")
	}
	got, err := DecryptWithKey(m, m.PublicKey)
	if err != nil {
		t.Fatalf("DecryptWithKey: %v", err)
	}
	if HashTx(got) != HashTx(tx) {
		t.Fatal("disclosed decrypt mismatch")
	}
}

func TestEncryptTxSaltsEachCall(t *testing.T) {
	k := mustSecret(t)
	tx := JournalTransaction{Index: 0}
	m1, _ := EncryptTx(k, tx, EncryptTxOpts{})
	m2, _ := EncryptTx(k, tx, EncryptTxOpts{})
	if m1.Salt == m2.Salt {
		t.Fatal("expected distinct salts across calls")
	}
	if bytes.Equal(m1.Data, m2.Data) {
		t.Fatal("expected distinct ciphertexts across calls")
	}
}

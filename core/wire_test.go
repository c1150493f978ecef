package core

import "testing"

func TestJournalTransactionRoundTrip(t *testing.T) {
	tx := JournalTransaction{
		Index: 3,
		Operations: []Operation{
			{Kind: OpInsert, Table: "notes", Key: []byte("a"), Value: []byte("hello")},
			{Kind: OpRemove, Table: "notes", Key: []byte("b")},
			{Kind: OpDeleteTable, Table: "scratch"},
		},
		LastTxHash: [32]byte{1, 2, 3},
	}
	raw := EncodeJournalTransaction(tx)
	got, err := DecodeJournalTransaction(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Index != tx.Index || len(got.Operations) != len(tx.Operations) || got.LastTxHash != tx.LastTxHash {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, tx)
	}
	for i := range tx.Operations {
		if got.Operations[i].Kind != tx.Operations[i].Kind || got.Operations[i].Table != tx.Operations[i].Table {
			t.Fatalf("operation %d mismatch: got %+v want %+v", i, got.Operations[i], tx.Operations[i])
		}
	}
}

func TestDecodeJournalTransactionRejectsTrailingBytes(t *testing.T) {
	tx := JournalTransaction{Index: 0}
	raw := append(EncodeJournalTransaction(tx), 0xff)
	if _, err := DecodeJournalTransaction(raw); err == nil {
		t.Fatal("expected trailing-byte rejection")
	}
}

func TestMutationRoundTrip(t *testing.T) {
	m := Mutation{
		Index:         5,
		Data:          []byte("ciphertext"),
		Signature:     []byte("sig"),
		PublicKeyHash: [32]byte{9},
		PublicKey:     []byte("pub"),
		Salt:          [32]byte{7},
	}
	raw := EncodeMutation(m)
	got, err := DecodeMutation(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Index != m.Index || string(got.Data) != string(m.Data) || string(got.Signature) != string(m.Signature) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, m)
	}
	if got.PublicKeyHash != m.PublicKeyHash || got.Salt != m.Salt || string(got.PublicKey) != string(m.PublicKey) {
		t.Fatalf("fixed fields mismatch: got %+v want %+v", got, m)
	}
	if got.MutationKey != nil {
		t.Fatalf("expected nil MutationKey, got %v", got.MutationKey)
	}
}

func TestDecodeMutationRejectsUnknownVersion(t *testing.T) {
	raw := EncodeMutation(Mutation{})
	raw[0] = 1
	if _, err := DecodeMutation(raw); err == nil {
		t.Fatal("expected unsupported-version rejection")
	}
}

func TestActionResponseRoundTrip(t *testing.T) {
	a := Action{Kind: ActionGetMutation, QueryIndex: 42}
	raw := EncodeAction(a)
	got, err := DecodeAction(raw)
	if err != nil {
		t.Fatalf("decode action: %v", err)
	}
	if got.Kind != a.Kind || got.QueryIndex != a.QueryIndex {
		t.Fatalf("action mismatch: got %+v want %+v", got, a)
	}

	resp := Response{Kind: ResponseCloudMutated, LatestIndex: 7, TxHash: [32]byte{1}}
	rawResp := EncodeResponse(resp)
	gotResp, err := DecodeResponse(rawResp)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if gotResp.Kind != resp.Kind || gotResp.LatestIndex != resp.LatestIndex || gotResp.TxHash != resp.TxHash {
		t.Fatalf("response mismatch: got %+v want %+v", gotResp, resp)
	}
}

func TestEncodeDecodeU64(t *testing.T) {
	got, err := DecodeU64(EncodeU64(123456789))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != 123456789 {
		t.Fatalf("got %d, want 123456789", got)
	}
	if _, err := DecodeU64([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected length error")
	}
}

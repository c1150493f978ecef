package relay

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"vaultsync/core"
	"vaultsync/internal/testutil"
)

func newTestServer(t *testing.T) (*httptest.Server, *Store) {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { _ = sb.Cleanup() })
	store, err := OpenStore(filepath.Join(sb.Root, "relay.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	srv := NewServer(store, NewHub())
	ts := httptest.NewServer(NewRouter(srv))
	t.Cleanup(ts.Close)
	return ts, store
}

func TestHandlersAcceptAndServeMutations(t *testing.T) {
	ts, _ := newTestServer(t)
	k, err := core.NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	id, err := core.IDFromSecret(k)
	if err != nil {
		t.Fatalf("IDFromSecret: %v", err)
	}
	idHex := core.IDHex(id)

	m0, err := core.EncryptTx(k, core.JournalTransaction{Index: 0}, core.EncryptTxOpts{})
	if err != nil {
		t.Fatalf("EncryptTx: %v", err)
	}
	resp, err := http.Post(ts.URL+"/mutate?cloud_id="+idHex, "application/octet-stream", bytes.NewReader(core.EncodeMutation(m0)))
	if err != nil {
		t.Fatalf("POST /mutate: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	stateResp, err := http.Get(ts.URL + "/state?cloud_id=" + idHex)
	if err != nil {
		t.Fatalf("GET /state: %v", err)
	}
	body, _ := io.ReadAll(stateResp.Body)
	count, err := core.DecodeU64(body)
	if err != nil || count != 1 {
		t.Fatalf("state count = %d, %v", count, err)
	}

	mutResp, err := http.Get(ts.URL + "/mutation?cloud_id=" + idHex + "&index=0")
	if err != nil {
		t.Fatalf("GET /mutation: %v", err)
	}
	if mutResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", mutResp.StatusCode)
	}
	raw, _ := io.ReadAll(mutResp.Body)
	got, err := core.DecodeMutation(raw)
	if err != nil {
		t.Fatalf("DecodeMutation: %v", err)
	}
	if got.Index != 0 {
		t.Fatalf("unexpected mutation index %d", got.Index)
	}

	missing, err := http.Get(ts.URL + "/mutation?cloud_id=" + idHex + "&index=1")
	if err != nil {
		t.Fatalf("GET /mutation missing: %v", err)
	}
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}

func TestHandlersRejectStaleAndTamperedWrites(t *testing.T) {
	ts, _ := newTestServer(t)
	k, _ := core.NewSecret()
	id, _ := core.IDFromSecret(k)
	idHex := core.IDHex(id)

	m0, err := core.EncryptTx(k, core.JournalTransaction{Index: 0}, core.EncryptTxOpts{})
	if err != nil {
		t.Fatalf("EncryptTx: %v", err)
	}
	if resp, err := http.Post(ts.URL+"/mutate?cloud_id="+idHex, "application/octet-stream", bytes.NewReader(core.EncodeMutation(m0))); err != nil || resp.StatusCode != http.StatusNoContent {
		t.Fatalf("initial accept failed: %v %v", resp, err)
	}

	// Replaying index 0 again must return 410 Gone (stale write).
	resp, err := http.Post(ts.URL+"/mutate?cloud_id="+idHex, "application/octet-stream", bytes.NewReader(core.EncodeMutation(m0)))
	if err != nil {
		t.Fatalf("POST /mutate replay: %v", err)
	}
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("expected 410, got %d", resp.StatusCode)
	}

	// A tampered signature over a fresh index must return 401.
	m1, err := core.EncryptTx(k, core.JournalTransaction{Index: 1}, core.EncryptTxOpts{})
	if err != nil {
		t.Fatalf("EncryptTx: %v", err)
	}
	m1.Data[0] ^= 0xff
	tampered, err := http.Post(ts.URL+"/mutate?cloud_id="+idHex, "application/octet-stream", bytes.NewReader(core.EncodeMutation(m1)))
	if err != nil {
		t.Fatalf("POST /mutate tampered: %v", err)
	}
	if tampered.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", tampered.StatusCode)
	}
}

func TestHandlersHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

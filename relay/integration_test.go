package relay_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"vaultsync/core"
	"vaultsync/internal/testutil"
	"vaultsync/relay"
)

func newIntegrationRelay(t *testing.T) *httptest.Server {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { _ = sb.Cleanup() })
	store, err := relay.OpenStore(filepath.Join(sb.Root, "relay.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	srv := relay.NewServer(store, relay.NewHub())
	ts := httptest.NewServer(relay.NewRouter(srv))
	t.Cleanup(ts.Close)
	return ts
}

func TestPushThenPullReachesFullSync(t *testing.T) {
	ts := newIntegrationRelay(t)

	sbA, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sbA.Cleanup()
	secret, err := core.NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	cloud, err := core.FromSecret(secret, sbA.Root)
	if err != nil {
		t.Fatalf("FromSecret: %v", err)
	}
	defer cloud.Close()
	if err := cloud.SetMetadata(core.CloudMetadata{Name: "journal"}); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if _, err := cloud.Journal().BeginWrite().Insert("notes", []byte("a"), []byte("1")).Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	cursor, err := core.LoadSyncCursor(sbA.Root, cloud.ID(), ts.URL, "")
	if err != nil {
		t.Fatalf("LoadSyncCursor: %v", err)
	}
	client := core.NewRelayClient(ts.URL, "", ts.Client())
	remote := core.NewRemoteCloud(cloud, cursor, client, make(chan core.Event, 32))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := remote.Tick(ctx); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}

	remoteLen, err := client.GetState(ctx, cloud.ID())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if remoteLen != 2 {
		t.Fatalf("expected relay to have 2 mutations (metadata + note), got %d", remoteLen)
	}

	// A second device imports the same secret and must pull both
	// transactions from the relay without ever talking to device A.
	sbB, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sbB.Cleanup()
	cloudB, err := core.FromSecret(secret, sbB.Root)
	if err != nil {
		t.Fatalf("FromSecret: %v", err)
	}
	defer cloudB.Close()
	cursorB, err := core.LoadSyncCursor(sbB.Root, cloudB.ID(), ts.URL, "")
	if err != nil {
		t.Fatalf("LoadSyncCursor B: %v", err)
	}
	remoteB := core.NewRemoteCloud(cloudB, cursorB, core.NewRelayClient(ts.URL, "", ts.Client()), make(chan core.Event, 32))
	if err := remoteB.Tick(ctx); err != nil {
		t.Fatalf("Tick B: %v", err)
	}
	lenB, err := cloudB.Journal().JournalTxLen()
	if err != nil {
		t.Fatalf("JournalTxLen B: %v", err)
	}
	if lenB != 2 {
		t.Fatalf("expected device B to pull 2 transactions, got %d", lenB)
	}
	tx0A, _ := cloud.Journal().JournalTxByIndex(0)
	tx0B, _ := cloudB.Journal().JournalTxByIndex(0)
	if core.HashTx(tx0A) != core.HashTx(tx0B) {
		t.Fatal("pulled transaction content diverged from source")
	}
}

// TestConcurrentWritersOneDiverges reproduces the two-devices-same-secret
// race: both commit a conflicting local transaction at the same next
// index, the first push wins, and the second device's subsequent
// pre-push GET at that index surfaces a content-hash mismatch rather
// than silently overwriting or merging.
func TestConcurrentWritersOneDiverges(t *testing.T) {
	ts := newIntegrationRelay(t)
	ctx := context.Background()
	secret, err := core.NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}

	sbA, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sbA.Cleanup()
	cloudA, err := core.FromSecret(secret, sbA.Root)
	if err != nil {
		t.Fatalf("FromSecret A: %v", err)
	}
	defer cloudA.Close()
	cursorA, err := core.LoadSyncCursor(sbA.Root, cloudA.ID(), ts.URL, "")
	if err != nil {
		t.Fatalf("LoadSyncCursor A: %v", err)
	}
	remoteA := core.NewRemoteCloud(cloudA, cursorA, core.NewRelayClient(ts.URL, "", ts.Client()), make(chan core.Event, 32))

	// A genesis transaction both devices will share, pushed to the relay.
	if err := cloudA.SetMetadata(core.CloudMetadata{Name: "shared"}); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if err := remoteA.Tick(ctx); err != nil {
		t.Fatalf("Tick A genesis: %v", err)
	}

	sbB, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sbB.Cleanup()
	cloudB, err := core.FromSecret(secret, sbB.Root)
	if err != nil {
		t.Fatalf("FromSecret B: %v", err)
	}
	defer cloudB.Close()
	cursorB, err := core.LoadSyncCursor(sbB.Root, cloudB.ID(), ts.URL, "")
	if err != nil {
		t.Fatalf("LoadSyncCursor B: %v", err)
	}
	eventsB := make(chan core.Event, 32)
	remoteB := core.NewRemoteCloud(cloudB, cursorB, core.NewRelayClient(ts.URL, "", ts.Client()), eventsB)
	if err := remoteB.Tick(ctx); err != nil {
		t.Fatalf("Tick B genesis: %v", err)
	}

	// Both devices independently append a conflicting index-1 transaction.
	if _, err := cloudA.Journal().BeginWrite().Insert("notes", []byte("a"), []byte("from-A")).Commit(); err != nil {
		t.Fatalf("commit A: %v", err)
	}
	if _, err := cloudB.Journal().BeginWrite().Insert("notes", []byte("b"), []byte("from-B")).Commit(); err != nil {
		t.Fatalf("commit B: %v", err)
	}

	// A pushes first and wins index 1.
	if err := remoteA.Tick(ctx); err != nil {
		t.Fatalf("Tick A push: %v", err)
	}

	// B's pre-push GET at index 1 now returns A's ciphertext, whose
	// decrypted hash differs from B's own local transaction: diverged.
	if err := remoteB.Tick(ctx); err != nil {
		t.Fatalf("Tick B: %v", err)
	}

	sawDiverged := false
	for drained := false; !drained; {
		select {
		case ev := <-eventsB:
			if ev.Kind == core.EventDiverged && ev.Index == 1 {
				sawDiverged = true
			}
		default:
			drained = true
		}
	}
	if !sawDiverged {
		t.Fatal("expected device B to observe EventDiverged at index 1")
	}

	confirmedB, ok := cursorB.Confirmed()
	if !ok || confirmedB != 0 {
		t.Fatalf("device B's confirmed index must not advance past the shared genesis, got %d, ok=%v", confirmedB, ok)
	}
}

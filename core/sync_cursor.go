package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SyncCursor is the small, per-cloud, locally persisted record of sync
// progress against a relay. LatestConfirmedIndex == i means local and
// relay agree on every mutation 0..=i.
type SyncCursor struct {
	HTTPURL                string  `json:"http_url"`
	WSURL                  string  `json:"ws_url"`
	LatestConfirmedIndex   *uint64 `json:"latest_confirmed_index,omitempty"`
	SynchronizationEnabled bool    `json:"synchronization_enabled"`

	path string
	mu   sync.Mutex
}

func cursorPath(dataDir string, id [32]byte) string {
	if dataDir == "" {
		return ""
	}
	return filepath.Join(dataDir, "sync-"+IDHex(id)+".json")
}

// LoadSyncCursor reads the persisted cursor for id, or returns a fresh
// cursor with synchronization enabled if none exists yet. An empty dataDir keeps
// the cursor in-memory only, for hosts with no writable data directory.
func LoadSyncCursor(dataDir string, id [32]byte, httpURL, wsURL string) (*SyncCursor, error) {
	path := cursorPath(dataDir, id)
	c := &SyncCursor{HTTPURL: httpURL, WSURL: wsURL, SynchronizationEnabled: true, path: path}
	if path == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("core: read sync cursor: %w", err)
	}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("%w: decode sync cursor: %v", ErrMalformed, err)
	}
	c.path = path
	return c, nil
}

// Save persists the cursor to disk. A no-op when the cursor is
// in-memory only.
func (c *SyncCursor) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == "" {
		return nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("core: encode sync cursor: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("core: write sync cursor: %w", err)
	}
	return os.Rename(tmp, c.path)
}

// AdvanceIfHigher advances LatestConfirmedIndex to i and persists the
// result. A value at or below the current cursor is ignored, which keeps
// the cursor monotonic (invariant I7).
func (c *SyncCursor) AdvanceIfHigher(i uint64) error {
	c.mu.Lock()
	if c.LatestConfirmedIndex != nil && *c.LatestConfirmedIndex >= i {
		c.mu.Unlock()
		return nil
	}
	c.LatestConfirmedIndex = &i
	c.mu.Unlock()
	return c.Save()
}

// Confirmed returns the current confirmed index and whether one has ever
// been recorded.
func (c *SyncCursor) Confirmed() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LatestConfirmedIndex == nil {
		return 0, false
	}
	return *c.LatestConfirmedIndex, true
}

// SetEnabled toggles synchronization_enabled and persists the result.
func (c *SyncCursor) SetEnabled(enabled bool) error {
	c.mu.Lock()
	c.SynchronizationEnabled = enabled
	c.mu.Unlock()
	return c.Save()
}

// Enabled reports whether synchronization is currently enabled.
func (c *SyncCursor) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SynchronizationEnabled
}

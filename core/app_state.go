package core

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	knownKeysTable  = "__known_keys"
	appMetaTable    = "__app_state"
	appJournalFile  = "local_data.vsdb"
	activeCloudKey  = "active_cloud_id"
	defaultTickRate = 1 * time.Second
	defaultFanOut   = 8
)

// AppState owns the set of known clouds, the active selection, and the
// background ticker that drives each cloud's RemoteCloud. It is the
// only component that may read the application journal's known-keys
// table; RemoteCloud instances only ever see a *Cloud handle.
type AppState struct {
	dataDir      string
	relayHTTP    string
	relayWS      string
	tickInterval time.Duration
	fanOut       int
	httpClient   *http.Client

	appJournal *Journal

	mu       sync.RWMutex
	clouds   map[[32]byte]*Cloud
	remotes  map[[32]byte]*RemoteCloud
	activeID *[32]byte

	events chan Event
}

// AppStateOption customizes NewAppState.
type AppStateOption func(*AppState)

// WithTickInterval overrides the default 1s background sync cadence.
func WithTickInterval(d time.Duration) AppStateOption {
	return func(a *AppState) { a.tickInterval = d }
}

// WithFanOut overrides the bounded concurrency used when ticking all
// known clouds each cycle, one task per cloud.
func WithFanOut(n int) AppStateOption {
	return func(a *AppState) { a.fanOut = n }
}

// NewAppState opens the application journal at dataDir (or in-memory if
// empty) and loads the set of known clouds.
func NewAppState(dataDir, relayHTTP, relayWS string, opts ...AppStateOption) (*AppState, error) {
	path := ""
	if dataDir != "" {
		path = filepath.Join(dataDir, appJournalFile)
	}
	appJournal, err := OpenJournal(path)
	if err != nil {
		return nil, err
	}
	a := &AppState{
		dataDir:      dataDir,
		relayHTTP:    relayHTTP,
		relayWS:      relayWS,
		tickInterval: defaultTickRate,
		fanOut:       defaultFanOut,
		httpClient:   &http.Client{Timeout: DefaultRelayTimeout},
		appJournal:   appJournal,
		clouds:       make(map[[32]byte]*Cloud),
		remotes:      make(map[[32]byte]*RemoteCloud),
		events:       make(chan Event, 256),
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.LoadClouds(); err != nil {
		_ = appJournal.Close()
		return nil, err
	}
	return a, nil
}

// Events returns the channel UI/applet code should drain for sync and
// lifecycle notifications.
func (a *AppState) Events() <-chan Event { return a.events }

func (a *AppState) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
		logrus.WithField("event", ev.String()).Warn("app events channel full, dropping event")
	}
}

// LoadClouds synchronizes the in-memory map with the application
// journal's known-keys table: creates a RemoteCloud for any newly seen
// id, and drops (closing cleanly) any whose key has disappeared.
func (a *AppState) LoadClouds() error {
	keys, err := a.appJournal.ListKeys(knownKeysTable)
	if err != nil {
		return err
	}
	seen := make(map[[32]byte]bool, len(keys))

	for _, key := range keys {
		var id [32]byte
		copy(id[:], key)
		seen[id] = true

		a.mu.RLock()
		_, known := a.clouds[id]
		a.mu.RUnlock()
		if known {
			continue
		}

		secretBytes, err := a.appJournal.Get(knownKeysTable, key)
		if err != nil {
			return err
		}
		var secret Secret
		copy(secret[:], secretBytes)

		cloud, err := FromSecret(secret, a.dataDir)
		if err != nil {
			return fmt.Errorf("core: rehydrate cloud %s: %w", IDHex(id), err)
		}
		cursor, err := LoadSyncCursor(a.dataDir, id, a.relayHTTP, a.relayWS)
		if err != nil {
			_ = cloud.Close()
			return err
		}
		client := NewRelayClient(a.relayHTTP, a.relayWS, a.httpClient)
		remote := NewRemoteCloud(cloud, cursor, client, a.events)

		a.mu.Lock()
		a.clouds[id] = cloud
		a.remotes[id] = remote
		a.mu.Unlock()
	}

	a.mu.Lock()
	for id, cloud := range a.clouds {
		if seen[id] {
			continue
		}
		_ = cloud.Close()
		if rc, ok := a.remotes[id]; ok {
			_ = rc.Close()
		}
		delete(a.clouds, id)
		delete(a.remotes, id)
	}
	a.mu.Unlock()

	if err := a.loadActiveID(); err != nil {
		return err
	}
	a.emit(newEvent(EventCloudListChanged, [32]byte{}))
	return nil
}

func (a *AppState) loadActiveID() error {
	raw, err := a.appJournal.Get(appMetaTable, []byte(activeCloudKey))
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var id [32]byte
	copy(id[:], raw)
	a.mu.Lock()
	a.activeID = &id
	a.mu.Unlock()
	return nil
}

func (a *AppState) registerSecret(k Secret, id [32]byte) error {
	_, err := a.appJournal.BeginWrite().Insert(knownKeysTable, id[:], k[:]).Commit()
	return err
}

// CreateCloud allocates a fresh cloud, writes its default metadata, and
// registers its secret in the application journal. If this is the
// first cloud known, it also becomes the active cloud.
func (a *AppState) CreateCloud(name, description string) ([32]byte, error) {
	cloud, err := NewCloud(a.dataDir, name, description)
	if err != nil {
		return [32]byte{}, err
	}
	id := cloud.ID()
	if err := a.registerSecret(cloud.secret, id); err != nil {
		_ = cloud.Close()
		return [32]byte{}, err
	}
	if err := a.adoptCloud(cloud); err != nil {
		return [32]byte{}, err
	}

	a.mu.RLock()
	hasActive := a.activeID != nil
	a.mu.RUnlock()
	if !hasActive {
		if err := a.SetActiveCloud(id); err != nil {
			return id, err
		}
	}
	return id, nil
}

// ImportCloud validates and registers a 64-character hex secret. The
// cloud's journal starts empty and is rebuilt by the next sync tick's
// pull phase.
func (a *AppState) ImportCloud(hexSecret string) ([32]byte, error) {
	k, err := ParseSecretHex(hexSecret)
	if err != nil {
		return [32]byte{}, err
	}
	cloud, err := FromSecret(k, a.dataDir)
	if err != nil {
		return [32]byte{}, err
	}
	id := cloud.ID()
	if err := a.registerSecret(k, id); err != nil {
		_ = cloud.Close()
		return [32]byte{}, err
	}
	if err := a.adoptCloud(cloud); err != nil {
		return [32]byte{}, err
	}
	return id, nil
}

func (a *AppState) adoptCloud(cloud *Cloud) error {
	id := cloud.ID()
	cursor, err := LoadSyncCursor(a.dataDir, id, a.relayHTTP, a.relayWS)
	if err != nil {
		return err
	}
	client := NewRelayClient(a.relayHTTP, a.relayWS, a.httpClient)
	remote := NewRemoteCloud(cloud, cursor, client, a.events)

	a.mu.Lock()
	a.clouds[id] = cloud
	a.remotes[id] = remote
	a.mu.Unlock()

	a.emit(newEvent(EventCloudListChanged, id))
	return nil
}

// SetActiveCloud persists id as the foreground cloud selection.
func (a *AppState) SetActiveCloud(id [32]byte) error {
	a.mu.RLock()
	_, ok := a.clouds[id]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown cloud %s", ErrNotFound, IDHex(id))
	}
	if _, err := a.appJournal.BeginWrite().Insert(appMetaTable, []byte(activeCloudKey), id[:]).Commit(); err != nil {
		return err
	}
	a.mu.Lock()
	a.activeID = &id
	a.mu.Unlock()
	a.emit(newEvent(EventActiveCloudChanged, id))
	return nil
}

// ActiveCloud returns the currently active cloud, if any.
func (a *AppState) ActiveCloud() (*Cloud, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.activeID == nil {
		return nil, false
	}
	c, ok := a.clouds[*a.activeID]
	return c, ok
}

// Cloud returns a known cloud by id.
func (a *AppState) Cloud(id [32]byte) (*Cloud, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.clouds[id]
	return c, ok
}

// CloudIDs returns every currently known cloud id.
func (a *AppState) CloudIDs() [][32]byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([][32]byte, 0, len(a.clouds))
	for id := range a.clouds {
		out = append(out, id)
	}
	return out
}

// DuplicateActiveCloud forks the active cloud at index and registers the
// result as a new, independent cloud.
func (a *AppState) DuplicateActiveCloud(index uint64, name string) ([32]byte, error) {
	active, ok := a.ActiveCloud()
	if !ok {
		return [32]byte{}, fmt.Errorf("%w: no active cloud", ErrNotFound)
	}
	forked, err := active.DuplicateAt(a.dataDir, index, name)
	if err != nil {
		return [32]byte{}, err
	}
	id := forked.ID()
	if err := a.registerSecret(forked.secret, id); err != nil {
		_ = forked.Close()
		return [32]byte{}, err
	}
	if err := a.adoptCloud(forked); err != nil {
		return [32]byte{}, err
	}
	return id, nil
}

// Run drives the background ticker until ctx is canceled: each cycle it
// snapshots the current RemoteCloud set and ticks every entry with
// bounded concurrency, a fan-out over one task per cloud, to avoid
// thundering-herd reconnects.
func (a *AppState) Run(ctx context.Context) {
	ticker := time.NewTicker(a.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tickAll(ctx)
		}
	}
}

func (a *AppState) tickAll(ctx context.Context) {
	a.mu.RLock()
	remotes := make([]*RemoteCloud, 0, len(a.remotes))
	for _, rc := range a.remotes {
		remotes = append(remotes, rc)
	}
	a.mu.RUnlock()

	sem := make(chan struct{}, a.fanOut)
	var wg sync.WaitGroup
	for _, rc := range remotes {
		rc := rc
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			tctx, cancel := context.WithTimeout(ctx, DefaultRelayTimeout)
			defer cancel()
			if err := rc.Tick(tctx); err != nil {
				logrus.WithError(err).WithField("cloud", IDHex(rc.cloud.ID())).Error("sync tick failed")
			}
		}()
	}
	wg.Wait()
}

// Close releases every open cloud and the application journal.
func (a *AppState) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rc := range a.remotes {
		_ = rc.Close()
	}
	for _, c := range a.clouds {
		_ = c.Close()
	}
	return a.appJournal.Close()
}

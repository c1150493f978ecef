package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// pingInterval is how often RemoteCloud pings an open notify WebSocket
// to keep it alive. Absence of the connection is non-fatal.
const pingInterval = 20 * time.Second

// RemoteCloud reconciles one cloud's local journal against its relay.
// One instance exists per known cloud; it is driven by a single caller
// (AppState's background ticker) and therefore needs no internal
// locking against concurrent Tick calls, only against concurrent reads
// of its cursor snapshot from the UI.
type RemoteCloud struct {
	cloud  *Cloud
	cursor *SyncCursor
	client *RelayClient
	events chan<- Event
	logger *logrus.Entry

	mu       sync.Mutex
	ws       *websocket.Conn
	lastPing time.Time
}

// NewRemoteCloud wires a Cloud to its relay and sync cursor.
func NewRemoteCloud(cloud *Cloud, cursor *SyncCursor, client *RelayClient, events chan<- Event) *RemoteCloud {
	return &RemoteCloud{
		cloud:  cloud,
		cursor: cursor,
		client: client,
		events: events,
		logger: logrus.WithField("cloud", IDHex(cloud.ID())),
	}
}

func (r *RemoteCloud) emit(kind EventKind, index uint64, detail string) Event {
	ev := newEvent(kind, r.cloud.ID())
	ev.Index = index
	ev.Detail = detail
	select {
	case r.events <- ev:
	default:
		r.logger.WithField("event", ev.String()).Warn("events channel full, dropping event")
	}
	return ev
}

// Tick runs one full pass of the sync state machine: check whether
// syncing is enabled, reconnect the notify socket, push local
// mutations, then pull remote ones. It is short and cancellable; every
// state-mutating step commits atomically before the next, so a
// cancellation between steps never corrupts local state.
func (r *RemoteCloud) Tick(ctx context.Context) error {
	if !r.cursor.Enabled() {
		r.emit(EventSyncDisabled, 0, "")
		return nil
	}

	r.reconnectNotify(ctx)

	halted, err := r.pushLoop(ctx)
	if err != nil {
		return err
	}
	if halted {
		return nil
	}
	return r.pullPhase(ctx)
}

// reconnectNotify best-effort (re)connects the notify WebSocket and
// sends a keepalive Ping if one is due. Failures here never fail Tick.
func (r *RemoteCloud) reconnectNotify(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ws == nil {
		conn, err := r.client.DialNotify(ctx, r.cloud.ID())
		if err != nil {
			r.logger.WithError(err).Debug("notify websocket unavailable")
			return
		}
		r.ws = conn
		r.lastPing = time.Now()
		return
	}
	if time.Since(r.lastPing) < pingInterval {
		return
	}
	if err := r.ws.WriteMessage(websocket.BinaryMessage, EncodeAction(Action{Kind: ActionPing})); err != nil {
		r.logger.WithError(err).Debug("notify ping failed, will reconnect")
		_ = r.ws.Close()
		r.ws = nil
		return
	}
	r.lastPing = time.Now()
}

// pushLoop walks local transactions not yet confirmed, comparing against
// (or pushing to) the relay. halted is true when the loop stopped early
// due to divergence, a push failure, or a transport error — in all
// three cases sync for this tick ends without a library error, because
// these are expected, retryable-or-user-actionable outcomes, not bugs.
func (r *RemoteCloud) pushLoop(ctx context.Context) (halted bool, err error) {
	id := r.cloud.ID()
	localLen, err := r.cloud.Journal().JournalTxLen()
	if err != nil {
		return false, err
	}
	start := uint64(0)
	if confirmed, ok := r.cursor.Confirmed(); ok {
		start = confirmed + 1
	}

	for i := start; i < localLen; i++ {
		select {
		case <-ctx.Done():
			return true, nil
		default:
		}

		localTx, err := r.cloud.Journal().JournalTxByIndex(i)
		if err != nil {
			return false, err
		}

		remote, found, err := r.client.GetMutation(ctx, id, i)
		if err != nil {
			r.emit(EventTransportError, i, err.Error())
			return true, nil
		}

		if found {
			remoteTx, err := r.cloud.DecryptTx(remote)
			if err != nil {
				return false, fmt.Errorf("%w: %v", ErrDecryptFailure, err)
			}
			if HashTx(remoteTx) == HashTx(localTx) {
				if err := r.cursor.AdvanceIfHigher(i); err != nil {
					return false, err
				}
				continue
			}
			r.emit(EventDiverged, i, "")
			return true, nil
		}

		// Relay has no mutation at i yet: push ours.
		mutation, err := r.cloud.EncryptTx(localTx, EncryptTxOpts{})
		if err != nil {
			return false, err
		}
		status, err := r.client.PostMutate(ctx, id, mutation)
		if err != nil {
			r.emit(EventTransportError, i, err.Error())
			return true, nil
		}
		if status >= 200 && status < 300 {
			if err := r.cursor.AdvanceIfHigher(i); err != nil {
				return false, err
			}
			continue
		}
		r.emit(EventPushFailed, i, fmt.Sprintf("relay returned %d", status))
		return true, nil
	}
	return false, nil
}

// pullPhase appends any mutations the relay has beyond the local
// journal's length, then announces full synchronization if the lengths
// now match.
func (r *RemoteCloud) pullPhase(ctx context.Context) error {
	id := r.cloud.ID()
	remoteLen, err := r.client.GetState(ctx, id)
	if err != nil {
		r.emit(EventTransportError, 0, err.Error())
		return nil
	}

	localLen, err := r.cloud.Journal().JournalTxLen()
	if err != nil {
		return err
	}

	for localLen < remoteLen {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		m, found, err := r.client.GetMutation(ctx, id, localLen)
		if err != nil || !found {
			if err == nil {
				err = fmt.Errorf("relay reports length %d but index %d missing", remoteLen, localLen)
			}
			r.emit(EventTransportError, localLen, err.Error())
			return nil
		}
		tx, err := r.cloud.DecryptTx(m)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecryptFailure, err)
		}
		if err := r.cloud.Journal().AppendTx(tx); err != nil {
			return err
		}
		if err := r.cursor.AdvanceIfHigher(localLen); err != nil {
			return err
		}
		r.emit(EventRemoteCloudUpdate, localLen, "")
		localLen++
	}

	if localLen == remoteLen {
		r.emit(EventFullySynchronized, localLen, "")
	}
	return nil
}

// Close releases the notify WebSocket, if any.
func (r *RemoteCloud) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ws != nil {
		err := r.ws.Close()
		r.ws = nil
		return err
	}
	return nil
}

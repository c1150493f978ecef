package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultRelayTimeout bounds every individual HTTP call made to a relay.
// Every in-flight call carries a deadline so a wedged relay can never
// stall the caller indefinitely.
const DefaultRelayTimeout = 15 * time.Second

// RelayClient is a thin wrapper over the relay's HTTP and optional
// WebSocket surface. It holds no cloud secret; it only ever moves opaque
// Mutation bytes.
type RelayClient struct {
	httpURL string
	wsURL   string
	http    *http.Client
}

// NewRelayClient builds a client against the given base HTTP and
// WebSocket URLs (an empty wsURL disables the notify channel).
func NewRelayClient(httpURL, wsURL string, client *http.Client) *RelayClient {
	if client == nil {
		client = &http.Client{}
	}
	return &RelayClient{httpURL: httpURL, wsURL: wsURL, http: client}
}

func (rc *RelayClient) stateURL(id [32]byte) string {
	return fmt.Sprintf("%s/state?cloud_id=%s", rc.httpURL, IDHex(id))
}

func (rc *RelayClient) mutationURL(id [32]byte, index uint64) string {
	return fmt.Sprintf("%s/mutation?cloud_id=%s&index=%s", rc.httpURL, IDHex(id), strconv.FormatUint(index, 10))
}

func (rc *RelayClient) mutateURL(id [32]byte) string {
	return fmt.Sprintf("%s/mutate?cloud_id=%s", rc.httpURL, IDHex(id))
}

// GetState fetches the relay's current mutation count for a cloud.
func (rc *RelayClient) GetState(ctx context.Context, id [32]byte) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rc.stateURL(id), nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	resp, err := rc.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: relay /state returned %d", ErrTransport, resp.StatusCode)
	}
	return DecodeU64(body)
}

// GetMutation fetches the mutation at index for a cloud. found is false
// when the relay does not yet have that index (HTTP 404).
func (rc *RelayClient) GetMutation(ctx context.Context, id [32]byte, index uint64) (m Mutation, found bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rc.mutationURL(id, index), nil)
	if err != nil {
		return Mutation{}, false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	resp, err := rc.http.Do(req)
	if err != nil {
		return Mutation{}, false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Mutation{}, false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return Mutation{}, false, nil
	case http.StatusOK:
		m, err := DecodeMutation(body)
		if err != nil {
			return Mutation{}, false, err
		}
		return m, true, nil
	default:
		return Mutation{}, false, fmt.Errorf("%w: relay /mutation returned %d", ErrTransport, resp.StatusCode)
	}
}

// PostMutate submits a locally produced mutation. It returns the raw
// HTTP status code so the caller (the sync state machine) can branch on
// the exact outcome: 204 accepted, 400/401 rejected outright, 410 stale
// write.
func (rc *RelayClient) PostMutate(ctx context.Context, id [32]byte, m Mutation) (status int, err error) {
	body := EncodeMutation(m)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rc.mutateURL(id), bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := rc.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// DialNotify opens a best-effort WebSocket connection for push
// notifications. Failure is non-fatal to the caller; callers should
// simply retry on the next tick.
func (rc *RelayClient) DialNotify(ctx context.Context, id [32]byte) (*websocket.Conn, error) {
	if rc.wsURL == "" {
		return nil, fmt.Errorf("%w: no websocket url configured", ErrTransport)
	}
	u, err := url.Parse(rc.wsURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("cloud_id", IDHex(id))
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return conn, nil
}

package relay

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"vaultsync/core"
)

var handlerLogger = logrus.WithField("component", "relay.handlers")

// Server groups the mutation store and notification hub behind the
// relay's HTTP surface.
type Server struct {
	store *Store
	hub   *Hub
}

// NewServer wires a Store and Hub into request handlers.
func NewServer(store *Store, hub *Hub) *Server {
	return &Server{store: store, hub: hub}
}

func parseCloudID(r *http.Request) ([32]byte, error) {
	return core.ParseIDHex(r.URL.Query().Get("cloud_id"))
}

// handleState implements GET /state.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id, err := parseCloudID(r)
	if err != nil {
		http.Error(w, "bad cloud_id", http.StatusBadRequest)
		return
	}
	count, err := s.store.Count(id)
	if err != nil {
		handlerLogger.WithError(err).Error("read state")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(core.EncodeU64(count))
}

// handleMutation implements GET /mutation.
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	id, err := parseCloudID(r)
	if err != nil {
		http.Error(w, "bad cloud_id", http.StatusBadRequest)
		return
	}
	index, err := strconv.ParseUint(r.URL.Query().Get("index"), 10, 64)
	if err != nil {
		http.Error(w, "bad index", http.StatusBadRequest)
		return
	}
	raw, found, err := s.store.Mutation(id, index)
	if err != nil {
		handlerLogger.WithError(err).Error("read mutation")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(raw)
}

// handleMutate implements POST /mutate, the mutation acceptance algorithm.
func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	id, err := parseCloudID(r)
	if err != nil {
		http.Error(w, "bad cloud_id", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	// 1. Parse Mutation.
	m, err := core.DecodeMutation(body)
	if err != nil {
		http.Error(w, "malformed mutation", http.StatusBadRequest)
		return
	}

	// 2. Resolve public_key: embedded, or looked up by hash.
	pubKey := m.PublicKey
	if pubKey == nil {
		known, ok, err := s.store.KnownPublicKey(m.PublicKeyHash)
		if err != nil {
			handlerLogger.WithError(err).Error("lookup known public key")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "unknown public key", http.StatusBadRequest)
			return
		}
		pubKey = known
	}

	// 3. Verify.
	if err := core.Verify(m, pubKey); err != nil {
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
		return
	}

	// 4-6. Atomic index check, store verifying key, append.
	newCount, err := s.store.Accept(id, m.Index, body, m.PublicKeyHash, pubKey)
	if err != nil {
		if errors.Is(err, core.ErrStaleWrite) {
			http.Error(w, "stale write", http.StatusGone)
			return
		}
		handlerLogger.WithError(err).Error("accept mutation")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// 7. Broadcast to WS subscribers. tx_hash content-addresses the raw
	// ciphertext the relay actually stored; the relay never holds a
	// cloud's secret and so can never hash the plaintext transaction.
	s.hub.Broadcast(id, newCount, core.HashBytes(body))
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth implements the supplemented GET /health liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Routes mounts the relay's HTTP surface on a chi router.
func (s *Server) Routes(r chi.Router) {
	r.Get("/state", s.handleState)
	r.Get("/mutation", s.handleMutation)
	r.Post("/mutate", s.handleMutate)
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.hub.ServeWS)
}
